// Package purity implements the render purity guard: a context-scoped
// phase enumeration and a guarded store wrapper that rejects side effects
// attempted during the render phase.
package purity

import (
	"sync"

	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/store"
)

// Phase is one stage of the frame lifecycle.
type Phase string

const (
	PhaseSnapshot  Phase = "snapshot"
	PhaseRender    Phase = "render"
	PhaseReconcile Phase = "reconcile"
	PhaseCommit    Phase = "commit"
	PhaseExecute   Phase = "execute"
	PhaseEffects   Phase = "effects"
	PhaseFlush     Phase = "flush"
	PhaseIdle      Phase = "idle"
)

// writablePhases are phases in which direct state writes are permitted.
var writablePhases = map[Phase]bool{
	PhaseCommit:  true,
	PhaseEffects: true,
	PhaseFlush:   true,
}

// Tracker holds the current phase for one tick loop. It is safe for
// concurrent reads; phase transitions are expected to be single-threaded
// (the tick loop itself), but RunAsPhase may be called from a spawned
// goroutine representing one frame's execution.
type Tracker struct {
	mu    sync.RWMutex
	phase Phase
}

// NewTracker starts a Tracker in the idle phase.
func NewTracker() *Tracker {
	return &Tracker{phase: PhaseIdle}
}

// Current returns the active phase.
func (t *Tracker) Current() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Enter transitions to phase. Returns the previous phase so callers can
// restore it (see RunAsPhase).
func (t *Tracker) Enter(phase Phase) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.phase
	t.phase = phase
	return prev
}

// RunAsPhase runs fn with the tracker set to phase, restoring the previous
// phase afterward even if fn panics.
func (t *Tracker) RunAsPhase(phase Phase, fn func()) {
	prev := t.Enter(phase)
	defer t.Enter(prev)
	fn()
}

// CanWriteDirectly reports whether a direct state write is permitted in
// the current phase.
func (t *Tracker) CanWriteDirectly() bool {
	return writablePhases[t.Current()]
}

// CanStartTask reports whether starting an asynchronous task is permitted
// in the current phase (only PhaseExecute).
func (t *Tracker) CanStartTask() bool {
	return t.Current() == PhaseExecute
}

// GuardedStore wraps a store.Store, consulting Tracker before allowing any
// write. During PhaseRender, only Init (the state.init escape hatch) is
// permitted, and only when the key is absent.
type GuardedStore struct {
	inner   store.Store
	tracker *Tracker
}

// NewGuardedStore wraps inner with phase enforcement driven by tracker.
func NewGuardedStore(inner store.Store, tracker *Tracker) *GuardedStore {
	return &GuardedStore{inner: inner, tracker: tracker}
}

func (g *GuardedStore) Get(key string) (any, bool) { return g.inner.Get(key) }

func (g *GuardedStore) Snapshot() map[string]any { return g.inner.Snapshot() }

func (g *GuardedStore) HasPending() bool { return g.inner.HasPending() }

func (g *GuardedStore) ClearQueue() { g.inner.ClearQueue() }

func (g *GuardedStore) Commit() error { return g.inner.Commit() }

// Set performs a direct write, rejected with RenderPhaseError outside a
// writable phase.
func (g *GuardedStore) Set(key string, value any, trigger string) error {
	if !g.tracker.CanWriteDirectly() {
		return errs.RenderPhaseWrite(string(g.tracker.Current()), key)
	}
	g.inner.Set(key, value, trigger)
	return nil
}

func (g *GuardedStore) Delete(key string, trigger string) error {
	if !g.tracker.CanWriteDirectly() {
		return errs.RenderPhaseWrite(string(g.tracker.Current()), key)
	}
	g.inner.Delete(key, trigger)
	return nil
}

func (g *GuardedStore) Update(key string, trigger string, reducer func(prev any) any) error {
	if !g.tracker.CanWriteDirectly() {
		return errs.RenderPhaseWrite(string(g.tracker.Current()), key)
	}
	g.inner.Update(key, trigger, reducer)
	return nil
}

func (g *GuardedStore) Enqueue(ops []store.Op) error {
	if !g.tracker.CanWriteDirectly() {
		return errs.RenderPhaseWrite(string(g.tracker.Current()), "<batch>")
	}
	g.inner.Enqueue(ops)
	return nil
}

// Init is the only write permitted during render: it queues a write for
// the post-frame flush, but only if the key is not already set. Outside
// render it behaves like Set when the key is absent, and is a no-op when
// present, matching "init for an already-present key is a no-op".
func (g *GuardedStore) Init(key string, value any) error {
	if _, ok := g.inner.Get(key); ok {
		return nil // no-op: already present
	}
	g.inner.Set(key, value, "state.init")
	return nil
}

// AssertTaskStart raises RenderPhaseError(task) if called outside the
// execute phase; used by the tick loop before spawning a runnable node's
// underlying task.
func (g *GuardedStore) AssertTaskStart() error {
	if !g.tracker.CanStartTask() {
		return errs.RenderPhaseTask(string(g.tracker.Current()))
	}
	return nil
}

// AssertDurableWrite raises RenderPhaseError(db-write) if a durable write
// is attempted from a pure phase. Durable writes share the same writable
// phases as any other state write.
func (g *GuardedStore) AssertDurableWrite() error {
	if !g.tracker.CanWriteDirectly() {
		return errs.RenderPhaseDB(string(g.tracker.Current()))
	}
	return nil
}
