package purity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/store"
)

func TestWriteDuringRenderRaisesRenderPhaseError(t *testing.T) {
	tracker := NewTracker()
	g := NewGuardedStore(store.NewVolatile(), tracker)

	tracker.RunAsPhase(PhaseRender, func() {
		err := g.Set("k", "v", "t")
		require.Error(t, err)
		ee := errs.As(err)
		require.NotNil(t, ee)
		assert.Equal(t, errs.CodeRenderPhaseWrite, ee.Code)
	})
}

func TestWriteDuringFlushSucceeds(t *testing.T) {
	tracker := NewTracker()
	g := NewGuardedStore(store.NewVolatile(), tracker)

	tracker.RunAsPhase(PhaseFlush, func() {
		assert.NoError(t, g.Set("k", "v", "t"))
	})
}

func TestInitDuringRenderIsAllowedOnlyIfAbsent(t *testing.T) {
	tracker := NewTracker()
	s := store.NewVolatile()
	s.Set("existing", "orig", "t")
	require.NoError(t, s.Commit())

	g := NewGuardedStore(s, tracker)

	tracker.RunAsPhase(PhaseRender, func() {
		assert.NoError(t, g.Init("new-key", "v"))
		assert.NoError(t, g.Init("existing", "overwrite-attempt"))
	})

	require.NoError(t, s.Commit())
	v, _ := s.Get("existing")
	assert.Equal(t, "orig", v, "init must be a no-op when key already present")

	v2, ok := s.Get("new-key")
	assert.True(t, ok)
	assert.Equal(t, "v", v2)
}

func TestTaskStartOutsideExecutePhaseRejected(t *testing.T) {
	tracker := NewTracker()
	g := NewGuardedStore(store.NewVolatile(), tracker)

	tracker.RunAsPhase(PhaseRender, func() {
		err := g.AssertTaskStart()
		require.Error(t, err)
		assert.Equal(t, errs.CodeRenderPhaseTask, errs.As(err).Code)
	})

	tracker.RunAsPhase(PhaseExecute, func() {
		assert.NoError(t, g.AssertTaskStart())
	})
}

func TestRunAsPhaseRestoresPreviousPhaseEvenOnPanic(t *testing.T) {
	tracker := NewTracker()
	tracker.Enter(PhaseIdle)

	func() {
		defer func() { recover() }()
		tracker.RunAsPhase(PhaseRender, func() { panic("boom") })
	}()

	assert.Equal(t, PhaseIdle, tracker.Current())
}
