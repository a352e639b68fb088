// Package events dispatches completion/error/progress handlers for
// runnable nodes inside a handler transaction: writes a handler makes are
// staged and only committed to the frame's action queue if the handler
// returns without panicking.
package events

import (
	"fmt"

	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/queue"
	"github.com/smithers-ai/smithers/internal/store"
)

// Transaction stages writes a single handler invocation makes, exposing
// the node.HandlerContext surface. Nothing staged here is visible to
// reads from other handlers in the same frame until committed.
type Transaction struct {
	read        store.Store
	volatile    store.Store
	staged      []queue.Action
	volStaged   []queue.Action
	frameID     int64
	taskID      string
	nodeID      string
	trigger     string
	actionIndex int64
}

func newTransaction(read, volatile store.Store, frameID int64, taskID, nodeID, trigger string) *Transaction {
	return &Transaction{read: read, volatile: volatile, frameID: frameID, taskID: taskID, nodeID: nodeID, trigger: trigger}
}

func (tx *Transaction) SetState(key string, value any, trigger string) {
	if trigger == "" {
		trigger = tx.trigger
	}
	tx.staged = append(tx.staged, queue.Action{
		Key: key, Kind: queue.Set, Value: value, Trigger: trigger,
		FrameID: tx.frameID, TaskID: tx.taskID, NodeID: tx.nodeID,
	})
}

func (tx *Transaction) GetState(key string) (any, bool) {
	return tx.read.Get(key)
}

func (tx *Transaction) SetVolatile(key string, value any, trigger string) {
	if trigger == "" {
		trigger = tx.trigger
	}
	tx.volStaged = append(tx.volStaged, queue.Action{
		Key: key, Kind: queue.Set, Value: value, Trigger: trigger,
		FrameID: tx.frameID, TaskID: tx.taskID, NodeID: tx.nodeID,
	})
}

func (tx *Transaction) GetVolatile(key string) (any, bool) {
	return tx.volatile.Get(key)
}

var _ node.HandlerContext = (*Transaction)(nil)

// Outcome records what happened when dispatching one handler, for the
// audit event log.
type Outcome struct {
	NodeID  identity.NodeID
	Kind    string // "finished", "error", "progress", or an Extra name
	Ok      bool
	Err     error
	Staged  int
}

// Dispatcher resolves and invokes handlers for runnable nodes, given the
// current mounted set (to detect stale results).
type Dispatcher struct {
	durable  store.Store
	volatile store.Store
}

// New builds a Dispatcher bound to the frame's durable and volatile
// stores, used as the read view for handler contexts.
func New(durable, volatile store.Store) *Dispatcher {
	return &Dispatcher{durable: durable, volatile: volatile}
}

// DispatchFinished fires on_finished for nodeID if it is still mounted.
// Returns the staged actions to merge into the frame queue on success, or
// nil and a recorded Outcome on rollback/staleness.
func (d *Dispatcher) DispatchFinished(
	frameID int64, taskID string, nodeID identity.NodeID, mountedIDs map[identity.NodeID]bool,
	handlers *node.Handlers, result node.Result,
) ([]queue.Action, []queue.Action, Outcome) {
	if !mountedIDs[nodeID] {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "finished", Ok: true, Staged: 0}
	}
	if handlers == nil || handlers.OnFinished == nil {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "finished", Ok: true}
	}
	return d.run(frameID, taskID, string(nodeID), "on_finished", "finished", func(tx *Transaction) {
		handlers.OnFinished(tx, result)
	})
}

// DispatchError fires on_error for nodeID if it is still mounted.
func (d *Dispatcher) DispatchError(
	frameID int64, taskID string, nodeID identity.NodeID, mountedIDs map[identity.NodeID]bool,
	handlers *node.Handlers, cause error,
) ([]queue.Action, []queue.Action, Outcome) {
	if !mountedIDs[nodeID] {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "error", Ok: true}
	}
	if handlers == nil || handlers.OnError == nil {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "error", Ok: true}
	}
	return d.run(frameID, taskID, string(nodeID), "on_error", "error", func(tx *Transaction) {
		handlers.OnError(tx, cause)
	})
}

// DispatchProgress fires on_progress for nodeID if it is still mounted.
func (d *Dispatcher) DispatchProgress(
	frameID int64, taskID string, nodeID identity.NodeID, mountedIDs map[identity.NodeID]bool,
	handlers *node.Handlers, chunk node.ProgressChunk,
) ([]queue.Action, []queue.Action, Outcome) {
	if !mountedIDs[nodeID] {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "progress", Ok: true}
	}
	if handlers == nil || handlers.OnProgress == nil {
		return nil, nil, Outcome{NodeID: nodeID, Kind: "progress", Ok: true}
	}
	return d.run(frameID, taskID, string(nodeID), "on_progress", "progress", func(tx *Transaction) {
		handlers.OnProgress(tx, chunk)
	})
}

// run executes fn inside a handler transaction, recovering panics and
// normal errors alike, and only returns staged actions on success.
func (d *Dispatcher) run(
	frameID int64, taskID, nodeID, trigger, kind string, fn func(tx *Transaction),
) (staged []queue.Action, volStaged []queue.Action, outcome Outcome) {
	tx := newTransaction(d.durable, d.volatile, frameID, taskID, nodeID, trigger)

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{NodeID: identity.NodeID(nodeID), Kind: kind, Ok: false, Err: errs.Internal("handler panicked", fmt.Errorf("%v", r))}
			staged, volStaged = nil, nil
		}
	}()

	fn(tx)

	return tx.staged, tx.volStaged, Outcome{NodeID: identity.NodeID(nodeID), Kind: kind, Ok: true, Staged: len(tx.staged) + len(tx.volStaged)}
}
