package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/store"
)

func TestDispatchFinishedSkippedWhenNodeUnmounted(t *testing.T) {
	d := New(store.NewVolatile(), store.NewVolatile())
	called := false
	handlers := &node.Handlers{OnFinished: func(ctx node.HandlerContext, result node.Result) { called = true }}

	staged, volStaged, outcome := d.DispatchFinished(1, "task-1", "node-1", map[identity.NodeID]bool{}, handlers, node.Result{})

	assert.False(t, called, "stale handler must never fire")
	assert.Nil(t, staged)
	assert.Nil(t, volStaged)
	assert.True(t, outcome.Ok)
}

func TestDispatchFinishedStagesWritesOnSuccess(t *testing.T) {
	d := New(store.NewVolatile(), store.NewVolatile())
	handlers := &node.Handlers{
		OnFinished: func(ctx node.HandlerContext, result node.Result) {
			ctx.SetState("last_result", result.OutputText, "")
			ctx.SetVolatile("scratch", 42, "")
		},
	}
	mounted := map[identity.NodeID]bool{"node-1": true}

	staged, volStaged, outcome := d.DispatchFinished(1, "task-1", "node-1", mounted, handlers, node.Result{OutputText: "hi"})

	require.True(t, outcome.Ok)
	require.Len(t, staged, 1)
	require.Len(t, volStaged, 1)
	assert.Equal(t, "last_result", staged[0].Key)
	assert.Equal(t, "hi", staged[0].Value)
	assert.Equal(t, "scratch", volStaged[0].Key)
	assert.Equal(t, int64(1), staged[0].FrameID)
	assert.Equal(t, "task-1", staged[0].TaskID)
}

func TestDispatchErrorRollsBackOnPanic(t *testing.T) {
	d := New(store.NewVolatile(), store.NewVolatile())
	handlers := &node.Handlers{
		OnError: func(ctx node.HandlerContext, err error) {
			ctx.SetState("should_not_land", "x", "")
			panic("handler blew up")
		},
	}
	mounted := map[identity.NodeID]bool{"node-1": true}

	staged, volStaged, outcome := d.DispatchError(1, "task-1", "node-1", mounted, handlers, errors.New("boom"))

	assert.Nil(t, staged, "writes from a panicking handler must be discarded")
	assert.Nil(t, volStaged)
	assert.False(t, outcome.Ok)
	require.Error(t, outcome.Err)
}

func TestDispatchProgressNilHandlerIsNoop(t *testing.T) {
	d := New(store.NewVolatile(), store.NewVolatile())
	mounted := map[identity.NodeID]bool{"node-1": true}

	staged, volStaged, outcome := d.DispatchProgress(1, "task-1", "node-1", mounted, &node.Handlers{}, node.ProgressChunk{Kind: "text"})

	assert.Nil(t, staged)
	assert.Nil(t, volStaged)
	assert.True(t, outcome.Ok)
}

func TestHandlerReadsSeeCommittedStoreNotSiblingStaging(t *testing.T) {
	durable := store.NewVolatile()
	durable.Set("counter", 1, "init")
	require.NoError(t, durable.Commit())

	d := New(durable, store.NewVolatile())
	handlers := &node.Handlers{
		OnFinished: func(ctx node.HandlerContext, result node.Result) {
			v, ok := ctx.GetState("counter")
			require.True(t, ok)
			ctx.SetState("counter", v.(int)+1, "")
		},
	}
	mounted := map[identity.NodeID]bool{"node-1": true}

	staged, _, outcome := d.DispatchFinished(1, "task-1", "node-1", mounted, handlers, node.Result{})

	require.True(t, outcome.Ok)
	require.Len(t, staged, 1)
	assert.Equal(t, 2, staged[0].Value)

	v, _ := durable.Get("counter")
	assert.Equal(t, 1, v, "staged writes must not leak into the read store before commit")
}
