package effects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/errs"
)

func TestShouldRunTrueOnFirstSight(t *testing.T) {
	r := New()
	assert.True(t, r.ShouldRun("eff-1", []any{1}))
}

func TestShouldRunFalseWhenDepsUnchanged(t *testing.T) {
	r := New()
	require.NoError(t, r.RecordRun("eff-1", []any{1}, func() Cleanup { return nil }))
	assert.False(t, r.ShouldRun("eff-1", []any{1}))
	assert.True(t, r.ShouldRun("eff-1", []any{2}))
}

func TestRecordRunSchedulesPriorCleanupBeforeNewSetup(t *testing.T) {
	r := New()
	var order []string
	require.NoError(t, r.RecordRun("eff-1", []any{1}, func() Cleanup {
		order = append(order, "setup-1")
		return func() { order = append(order, "cleanup-1") }
	}))
	require.NoError(t, r.RecordRun("eff-1", []any{2}, func() Cleanup {
		order = append(order, "setup-2")
		return nil
	}))
	r.RunPendingCleanups()
	assert.Equal(t, []string{"setup-1", "setup-2", "cleanup-1"}, order)
}

func TestPerFrameRunCapExceeded(t *testing.T) {
	r := New(WithPerFrameRunCap(2))
	for i := 0; i < 2; i++ {
		require.NoError(t, r.RecordRun("eff-1", []any{i}, func() Cleanup { return nil }))
	}
	err := r.RecordRun("eff-1", []any{99}, func() Cleanup { return nil })
	require.Error(t, err)
	ee := errs.As(err)
	require.NotNil(t, ee)
	assert.Equal(t, errs.CodeEffectRunCap, ee.Code)
}

func TestLoopDetectorTripsOnRepeatedIdenticalSignature(t *testing.T) {
	r := New(WithLoopThreshold(3), WithPerFrameRunCap(100))
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = r.RecordRun("eff-1", []any{"same"}, func() Cleanup { return nil })
	}
	require.Error(t, lastErr)
	ee := errs.As(lastErr)
	require.NotNil(t, ee)
	assert.Equal(t, errs.CodeEffectLoop, ee.Code)
}

func TestLoopDetectorDoesNotCombineDifferentEffectIDs(t *testing.T) {
	r := New(WithLoopThreshold(3), WithPerFrameRunCap(100))
	for i := 0; i < 5; i++ {
		err := r.RecordRun("eff-A", []any{"x"}, func() Cleanup { return nil })
		require.NoError(t, err)
		err = r.RecordRun("eff-B", []any{"x"}, func() Cleanup { return nil })
		require.NoError(t, err)
	}
}

func TestCleanupUnmountedInvokesAndForgets(t *testing.T) {
	r := New()
	ran := false
	require.NoError(t, r.RecordRun("eff-1", []any{1}, func() Cleanup {
		return func() { ran = true }
	}))
	errsOut := r.CleanupUnmounted(map[string]bool{})
	assert.Empty(t, errsOut)
	assert.True(t, ran)
	assert.True(t, r.ShouldRun("eff-1", []any{1}), "forgotten effect should look like first-sight again")
	assert.Equal(t, 0, r.RunCount("eff-1"))
}

func TestCleanupPanicRecovered(t *testing.T) {
	r := New()
	require.NoError(t, r.RecordRun("eff-1", []any{1}, func() Cleanup {
		return func() { panic("boom") }
	}))
	require.NoError(t, r.RecordRun("eff-1", []any{2}, func() Cleanup { return nil }))
	errsOut := r.RunPendingCleanups()
	require.Len(t, errsOut, 1)
}
