package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsolation(t *testing.T) {
	s := NewVolatile()
	s.Set("k", "v1", "init")
	require.NoError(t, s.Commit())

	snap := s.Snapshot()
	s.Set("k", "v2", "update")
	require.NoError(t, s.Commit())

	assert.Equal(t, "v1", snap["k"])
	v, _ := s.Get("k")
	assert.Equal(t, "v2", v)
}

func TestSetNotObservableBeforeCommit(t *testing.T) {
	s := NewVolatile()
	s.Set("k", "v", "t")
	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.True(t, s.HasPending())

	require.NoError(t, s.Commit())
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.False(t, s.HasPending())
}

func TestNilValueDeletesKey(t *testing.T) {
	s := NewVolatile()
	s.Set("k", "v", "t")
	require.NoError(t, s.Commit())

	s.Set("k", nil, "t")
	require.NoError(t, s.Commit())

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestClearQueueDiscardsWithoutApplying(t *testing.T) {
	s := NewVolatile()
	s.Set("k", "v", "t")
	s.ClearQueue()
	require.NoError(t, s.Commit())
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestConflictResolutionDeterminism(t *testing.T) {
	s := NewVolatile()
	s.Enqueue([]Op{
		{Key: "k", Kind: OpSet, Value: 1, Trigger: "a"},
		{Key: "k", Kind: OpUpdate, Trigger: "b", Reducer: func(prev any) any {
			n, _ := prev.(float64)
			return n + 1
		}},
		{Key: "k", Kind: OpSet, Value: 10, Trigger: "c"},
	})
	require.NoError(t, s.Commit())
	v, _ := s.Get("k")
	assert.Equal(t, float64(10), v)
}

func TestVersionIncrementsOnCommit(t *testing.T) {
	s := NewVolatile()
	assert.EqualValues(t, 0, s.Version())
	require.NoError(t, s.Commit())
	assert.EqualValues(t, 1, s.Version())
}

func TestUnserializableValueFailsCommit(t *testing.T) {
	s := NewVolatile()
	s.Set("k", make(chan int), "t")
	err := s.Commit()
	assert.Error(t, err)
}
