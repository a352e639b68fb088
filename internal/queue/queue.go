// Package queue implements the per-frame action queue: handlers and
// effects enqueue actions here rather than writing directly to a store,
// and the tick loop's flush phase applies them in deterministic order.
package queue

import (
	"sort"

	"github.com/smithers-ai/smithers/internal/store"
)

// Kind mirrors store.OpKind for the queued-action vocabulary.
type Kind = store.OpKind

const (
	Set    = store.OpSet
	Delete = store.OpDelete
	Update = store.OpUpdate
)

// Action is one queued mutation, ordered by (FrameID, TaskID, ActionIndex)
// for deterministic conflict resolution across handlers and effects.
type Action struct {
	Key         string
	Kind        Kind
	Value       any
	Reducer     func(prev any) any
	Trigger     string
	FrameID     int64
	TaskID      string
	NodeID      string
	ActionIndex int64
}

// Queue accumulates actions for one frame and orders them deterministically.
type Queue struct {
	actions []Action
	next    int64
}

// New builds an empty per-frame Queue.
func New() *Queue {
	return &Queue{}
}

// Add appends an action, assigning it the next monotonically increasing
// action index. Safe to call from multiple handler transactions in the
// same frame as long as they run sequentially (the tick loop's handler
// dispatch is single-threaded per §4.6).
func (q *Queue) Add(a Action) {
	a.ActionIndex = q.next
	q.next++
	q.actions = append(q.actions, a)
}

// Len reports the number of queued actions.
func (q *Queue) Len() int { return len(q.actions) }

// Ordered returns the queue's actions sorted by (FrameID, TaskID,
// ActionIndex), the order conflict resolution requires.
func (q *Queue) Ordered() []Action {
	out := make([]Action, len(q.actions))
	copy(out, q.actions)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FrameID != b.FrameID {
			return a.FrameID < b.FrameID
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.ActionIndex < b.ActionIndex
	})
	return out
}

// ToStoreOps converts the queue's ordered actions into store.Op values,
// ready for Store.Enqueue. NodeID/trigger metadata is preserved on the Op's
// Trigger field only; callers needing node/task/frame provenance for the
// transition log should read it from Ordered() directly before flushing.
func (q *Queue) ToStoreOps() []store.Op {
	ordered := q.Ordered()
	ops := make([]store.Op, 0, len(ordered))
	for _, a := range ordered {
		ops = append(ops, store.Op{
			Key:     a.Key,
			Kind:    a.Kind,
			Value:   a.Value,
			Reducer: a.Reducer,
			Trigger: a.Trigger,
		})
	}
	return ops
}

// Clear discards all queued actions without applying them.
func (q *Queue) Clear() {
	q.actions = nil
}
