// Package store implements the dual-tier state store: an in-memory
// volatile tier and a SQLite-backed durable tier, sharing one contract.
package store

import (
	"encoding/json"

	"github.com/smithers-ai/smithers/internal/errs"
)

// OpKind distinguishes the three action kinds a store can queue.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpUpdate
)

// Op is one queued mutation awaiting commit.
type Op struct {
	Key     string
	Kind    OpKind
	Value   any
	Reducer func(prev any) any
	Trigger string
}

// Store is the shared contract implemented by the volatile and durable
// tiers. Volatility is chosen per write (by which Store a caller holds),
// not per key.
type Store interface {
	// Get returns the currently committed value for key.
	Get(key string) (any, bool)
	// Set queues a single write; not observable until Commit.
	Set(key string, value any, trigger string)
	// Delete queues a delete; not observable until Commit.
	Delete(key string, trigger string)
	// Update queues a reducer application over the latest value.
	Update(key string, trigger string, reducer func(prev any) any)
	// Enqueue queues multiple ops at once, preserving order.
	Enqueue(ops []Op)
	// Snapshot returns a deep, read-only copy of the committed map.
	Snapshot() map[string]any
	// Commit atomically applies the queue and clears it.
	Commit() error
	// HasPending reports whether any op is queued.
	HasPending() bool
	// ClearQueue discards queued ops without applying them.
	ClearQueue()
}

// canonicalize round-trips v through JSON to verify it can be durably
// persisted and to normalize it for deep-copy/snapshot purposes. Returns
// errs.CodeSerialization on failure, matching the spec's SerializationError.
func canonicalize(key string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New(errs.CodeSerialization, "value cannot be serialized", 500).
			WithDetails("key", key).WithDetails("cause", err.Error())
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.New(errs.CodeSerialization, "value cannot be deserialized after round-trip", 500).
			WithDetails("key", key)
	}
	return out, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyOps applies a sequence of queued ops against base, in order,
// returning the resulting map and, per key, the final value after all ops
// touching it ("last write wins" for set; reducers chain).
func applyOps(base map[string]any, ops []Op) (map[string]any, error) {
	result := deepCopyMap(base)
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			v, err := canonicalize(op.Key, op.Value)
			if err != nil {
				return nil, err
			}
			result[op.Key] = v
		case OpDelete:
			delete(result, op.Key)
		case OpUpdate:
			prev := result[op.Key]
			next := op.Reducer(prev)
			v, err := canonicalize(op.Key, next)
			if err != nil {
				return nil, err
			}
			result[op.Key] = v
		}
	}
	return result, nil
}
