package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/store"
)

func TestOrderedSortsByFrameTaskThenActionIndex(t *testing.T) {
	q := New()
	q.Add(Action{Key: "k", FrameID: 2, TaskID: "t1", Kind: Set, Value: "later-frame"})
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "t2", Kind: Set, Value: "earlier-frame-later-task"})
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "t1", Kind: Set, Value: "earlier-frame-earlier-task"})

	ordered := q.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, "earlier-frame-earlier-task", ordered[0].Value)
	assert.Equal(t, "earlier-frame-later-task", ordered[1].Value)
	assert.Equal(t, "later-frame", ordered[2].Value)
}

func TestActionIndexMonotonicWithinSameFrameTask(t *testing.T) {
	q := New()
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "t", Kind: Set, Value: 1})
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "t", Kind: Set, Value: 2})
	ordered := q.Ordered()
	assert.Less(t, ordered[0].ActionIndex, ordered[1].ActionIndex)
	assert.Equal(t, 2, ordered[1].Value)
}

func TestToStoreOpsAppliesLastWriteWins(t *testing.T) {
	q := New()
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "a", Kind: Set, Value: "first"})
	q.Add(Action{Key: "k", FrameID: 1, TaskID: "b", Kind: Set, Value: "second"})

	s := store.NewVolatile()
	s.Enqueue(q.ToStoreOps())
	require.NoError(t, s.Commit())

	v, _ := s.Get("k")
	assert.Equal(t, "second", v)
}

func TestClearDiscardsActions(t *testing.T) {
	q := New()
	q.Add(Action{Key: "k", Kind: Set, Value: 1})
	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestDeterministicAcrossRepeatedRuns(t *testing.T) {
	build := func() []Action {
		q := New()
		q.Add(Action{Key: "k", FrameID: 3, TaskID: "z", Kind: Update, Reducer: func(p any) any {
			n, _ := p.(float64)
			return n + 1
		}})
		q.Add(Action{Key: "k", FrameID: 1, TaskID: "a", Kind: Set, Value: float64(5)})
		return q.Ordered()
	}
	a := build()
	b := build()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Key, b[i].Key)
		assert.Equal(t, a[i].FrameID, b[i].FrameID)
		assert.Equal(t, a[i].TaskID, b[i].TaskID)
	}
}
