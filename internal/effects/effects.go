// Package effects implements the effect registry: dependency-array
// tracking, cleanup scheduling, and the loop detector that guards against
// effects that repeat with identical dependencies.
package effects

import (
	"encoding/json"
	"sort"

	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/identity"
)

// Cleanup is a side-effect teardown callable.
type Cleanup func()

// Setup runs an effect body and optionally returns its cleanup.
type Setup func() Cleanup

// entry is what the registry tracks per effect id.
type entry struct {
	previousDeps string // canonical JSON form
	cleanup      Cleanup
	runCount     int
}

// DefaultPerFrameRunCap bounds how many times one effect may run in a
// single frame before it is considered a bug.
const DefaultPerFrameRunCap = 10

// DefaultLoopThreshold is how many repeats of the same (effect, deps)
// signature the loop detector tolerates before raising.
const DefaultLoopThreshold = 3

// Registry tracks effect state across frames for one execution.
type Registry struct {
	entries        map[string]*entry
	pendingCleanup []pendingCleanup
	perFrameRuns   map[string]int
	ring           []signature
	loopThreshold  int
	perFrameCap    int
	strict         bool
}

type pendingCleanup struct {
	effectID string
	fn       Cleanup
}

type signature struct {
	effectID string
	deps     string
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithStrictMode enables strict mode: setup runs, then cleanup, then setup
// again on first record, to surface non-idempotent effects early.
func WithStrictMode() Option {
	return func(r *Registry) { r.strict = true }
}

// WithLoopThreshold overrides DefaultLoopThreshold.
func WithLoopThreshold(n int) Option {
	return func(r *Registry) { r.loopThreshold = n }
}

// WithPerFrameRunCap overrides DefaultPerFrameRunCap.
func WithPerFrameRunCap(n int) Option {
	return func(r *Registry) { r.perFrameCap = n }
}

// New builds an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		perFrameRuns:  make(map[string]int),
		loopThreshold: DefaultLoopThreshold,
		perFrameCap:   DefaultPerFrameRunCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func canonicalDeps(deps []any) string {
	raw, err := json.Marshal(deps)
	if err != nil {
		// Fall back to a stable-but-degenerate form; this can only happen
		// for genuinely unserializable deps, which the caller's own state
		// writes would also reject at commit time.
		return "<unserializable>"
	}
	return string(raw)
}

// BeginFrame resets the per-frame run counters. Call once at the start of
// the post-commit-effects phase.
func (r *Registry) BeginFrame() {
	r.perFrameRuns = make(map[string]int)
}

// ShouldRun reports whether effectID's setup should run this frame: true
// on first sight, or when deps differ from the previously recorded value.
func (r *Registry) ShouldRun(effectID string, deps []any) bool {
	canon := canonicalDeps(deps)
	e, ok := r.entries[effectID]
	if !ok {
		return true
	}
	return e.previousDeps != canon
}

// RecordRun runs setup (honoring strict mode), records the loop-detector
// signature, schedules the previous cleanup to run at the phase boundary,
// and stores the new deps/cleanup. Returns an error if the loop detector
// trips or the per-frame run cap is exceeded.
func (r *Registry) RecordRun(effectID string, deps []any, setup Setup) error {
	canon := canonicalDeps(deps)

	r.perFrameRuns[effectID]++
	if r.perFrameRuns[effectID] > r.perFrameCap {
		return errs.EffectRunCap(effectID, r.perFrameCap)
	}

	r.ring = append(r.ring, signature{effectID: effectID, deps: canon})
	if len(r.ring) > 256 {
		r.ring = r.ring[len(r.ring)-256:]
	}
	if r.countSignature(effectID, canon) >= r.loopThreshold {
		return errs.EffectLoop(effectID, canon)
	}

	if prev, ok := r.entries[effectID]; ok && prev.cleanup != nil {
		r.pendingCleanup = append(r.pendingCleanup, pendingCleanup{effectID: effectID, fn: prev.cleanup})
	}

	var cleanup Cleanup
	if r.strict {
		c1 := setup()
		if c1 != nil {
			c1()
		}
		cleanup = setup()
	} else {
		cleanup = setup()
	}

	e, ok := r.entries[effectID]
	if !ok {
		e = &entry{}
		r.entries[effectID] = e
	}
	e.previousDeps = canon
	e.cleanup = cleanup
	e.runCount++

	return nil
}

func (r *Registry) countSignature(effectID, canon string) int {
	count := 0
	for _, s := range r.ring {
		if s.effectID == effectID && s.deps == canon {
			count++
		}
	}
	return count
}

// RunCount returns how many times effectID has run across the execution's
// lifetime. The count is held in memory only.
func (r *Registry) RunCount(effectID string) int {
	if e, ok := r.entries[effectID]; ok {
		return e.runCount
	}
	return 0
}

// RunPendingCleanups invokes and clears all cleanups scheduled by RecordRun
// calls made so far this frame. Exceptions (panics) from a cleanup are
// recovered and surfaced as a returned error slice, never propagated.
func (r *Registry) RunPendingCleanups() []error {
	var errsOut []error
	for _, pc := range r.pendingCleanup {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					errsOut = append(errsOut, errs.Internal("effect cleanup panicked", nil).WithDetails("effect_id", pc.effectID).WithDetails("panic", rec))
				}
			}()
			pc.fn()
		}()
	}
	r.pendingCleanup = nil
	return errsOut
}

// CleanupUnmounted invokes cleanup (immediately, not scheduled) for every
// tracked effect whose id is not in mountedEffectIDs, then forgets it.
func (r *Registry) CleanupUnmounted(mountedEffectIDs map[string]bool) []error {
	var errsOut []error
	var toRemove []string
	for id, e := range r.entries {
		if mountedEffectIDs[id] {
			continue
		}
		if e.cleanup != nil {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						errsOut = append(errsOut, errs.Internal("effect cleanup panicked on unmount", nil).WithDetails("effect_id", id).WithDetails("panic", rec))
					}
				}()
				e.cleanup()
			}()
		}
		toRemove = append(toRemove, id)
	}
	sort.Strings(toRemove) // deterministic iteration for tests/logging
	for _, id := range toRemove {
		delete(r.entries, id)
	}
	return errsOut
}

// MountedEffectIDsFrom extracts the set of currently-mounted effect node
// ids from an annotated tree, for use with CleanupUnmounted.
func MountedEffectIDsFrom(flattened map[identity.NodeID]identity.Annotated) map[string]bool {
	out := make(map[string]bool)
	for _, ann := range flattened {
		if id, ok := ann.Node.Attrs["effect_id"].(string); ok {
			out[id] = true
		}
	}
	return out
}
