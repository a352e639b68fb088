package engine

import (
	"context"

	"github.com/smithers-ai/smithers/internal/approvals"
	"github.com/smithers-ai/smithers/internal/artifacts"
	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/repo"

	"sync/atomic"
)

// Handle is the external-control-facing view of a running Engine: the
// surface internal/control's tools and resources are allowed to reach
// into, as opposed to the tick loop's private state.
type Handle struct {
	e *Engine
}

// Handle returns the control surface for e. Safe to call from any
// goroutine; the tick loop itself runs on whatever goroutine called Run.
func (e *Engine) Handle() *Handle { return &Handle{e: e} }

func (h *Handle) ExecutionID() string              { return h.e.executionID }
func (h *Handle) Repo() *repo.Repo                  { return h.e.repo }
func (h *Handle) Approvals() *approvals.Store       { return h.e.approvals }
func (h *Handle) Artifacts() *artifacts.Store       { return h.e.artifacts }

// Step runs exactly one frame and reports whether the engine is now
// quiescent. It is the same tick the autonomous Run loop drives, exposed
// for the "tick" control-surface tool.
func (h *Handle) Step(ctx context.Context) (bool, error) {
	return h.e.tick(ctx)
}

// RequestStop asks the running (or next) tick to halt with a
// user-requested stop reason, per the stop-condition priority order.
func (h *Handle) RequestStop() {
	h.e.cfg.Stop.UserStop = true
}

// Pause suspends the tick loop before its next frame; Resume releases it.
// A paused loop keeps leases and running tasks alive, it simply stops
// starting new frames.
func (h *Handle) Pause()  { atomic.StoreInt32(&h.e.paused, 1) }
func (h *Handle) Resume() { atomic.StoreInt32(&h.e.paused, 0) }
func (h *Handle) Paused() bool {
	return atomic.LoadInt32(&h.e.paused) == 1
}

// CancelNode requests cancellation of the running task mounted at nodeID,
// if any. Returns false if no task is currently running there.
func (h *Handle) CancelNode(nodeID string) bool {
	rt, ok := h.e.runningByNode[identity.NodeID(nodeID)]
	if !ok {
		return false
	}
	h.e.cancelMgr.RequestCancel(rt.TaskID)
	return true
}

// RetryNode resets a task's row to pending, clears its lease and bumps its
// retry count. It does not start the task again: the tick loop starts tasks
// only for nodes newly mounted by a render.
func (h *Handle) RetryNode(taskID string) error {
	return h.e.repo.IncrementTaskRetry(taskID)
}

// SetState stages a durable write outside of render, attributed to the
// external-control caller rather than a handler or effect, and commits it
// immediately rather than waiting for the next flush phase.
func (h *Handle) SetState(key string, value any) error {
	h.e.durable.Set(key, value, "control.set_state")
	return h.e.durable.Commit()
}
