package engine

import (
	"time"

	"github.com/smithers-ai/smithers/internal/repo"
)

// StopConditions gathers the global limits the tick loop evaluates after
// each frame boundary and before each task start, in priority order:
// user-requested stop > wall-clock > tokens > tool-calls > cost > frames >
// iterations > retry-limit > custom predicates. The first matching
// condition wins.
type StopConditions struct {
	WallClockMS    int64
	TotalTokens    int
	TotalToolCalls int
	CostMicros     int64
	MaxFrames      int64
	MaxIterations  int
	MaxRetries     int
	UserStop       bool
	Predicates     []func(Stats) bool
}

// Stats is the execution-scoped counters stop conditions are evaluated
// against.
type Stats struct {
	StartedAt      time.Time
	Now            time.Time
	TotalTokens    int
	TotalToolCalls int
	CostMicros     int64
	FrameCount     int64
	Iterations     int
	MaxTaskRetries int
}

// Evaluate returns the first matching stop reason, or "" if none match.
func (c StopConditions) Evaluate(s Stats) string {
	if c.UserStop {
		return "user_requested_stop"
	}
	if c.WallClockMS > 0 && s.Now.Sub(s.StartedAt) >= time.Duration(c.WallClockMS)*time.Millisecond {
		return "wall_clock_exceeded"
	}
	if c.TotalTokens > 0 && s.TotalTokens >= c.TotalTokens {
		return "token_budget_exceeded"
	}
	if c.TotalToolCalls > 0 && s.TotalToolCalls >= c.TotalToolCalls {
		return "tool_call_budget_exceeded"
	}
	if c.CostMicros > 0 && s.CostMicros >= c.CostMicros {
		return "cost_budget_exceeded"
	}
	if c.MaxFrames > 0 && s.FrameCount >= c.MaxFrames {
		return "frame_budget_exceeded"
	}
	if c.MaxIterations > 0 && s.Iterations >= c.MaxIterations {
		return "iteration_budget_exceeded"
	}
	if c.MaxRetries > 0 && s.MaxTaskRetries >= c.MaxRetries {
		return "retry_limit_exceeded"
	}
	for _, pred := range c.Predicates {
		if pred(s) {
			return "custom_predicate"
		}
	}
	return ""
}

// statsFromCounters builds Stats from the persisted execution counters plus
// the engine's own frame clock.
func statsFromCounters(c repo.ExecutionCounters, startedAt, now time.Time, maxTaskRetries int) Stats {
	return Stats{
		StartedAt:      startedAt,
		Now:            now,
		TotalTokens:    c.TotalTokens,
		TotalToolCalls: c.TotalToolCalls,
		FrameCount:     0, // filled in by the caller, which tracks frames directly
		Iterations:     c.Iterations,
		MaxTaskRetries: maxTaskRetries,
	}
}
