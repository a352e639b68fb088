package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/backend"
	"github.com/smithers-ai/smithers/internal/effects"
	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/node"
	"github.com/smithers-ai/smithers/internal/queue"
	"github.com/smithers-ai/smithers/internal/repo"
	"github.com/smithers-ai/smithers/internal/store"
)

func newTestEngine(t *testing.T, component Component, cfg Config, exec backend.Executor) *Engine {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	execID := uuid.NewString()
	r := repo.New(db)
	require.NoError(t, r.CreateExecution(execID, "test", "inline", "{}"))

	durable, err := store.NewDurable(db, execID)
	require.NoError(t, err)

	return New(db, durable, execID, "owner-1", component, cfg, WithBackend(exec))
}

func instantResult(result node.Result) backend.Executor {
	return backend.ExecutorFunc(func(ctx context.Context, req backend.Request) (<-chan backend.StreamItem, error) {
		ch := make(chan backend.StreamItem, 1)
		r := result
		ch <- backend.StreamItem{Result: &r}
		close(ch)
		return ch, nil
	})
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameThrottle = 0
	cfg.IdleTimeout = 0
	return cfg
}

// Scenario: Minimal hello. A single agent node mounts, completes, its
// handler writes state, and the tree stabilizes to nothing mounted.
func TestMinimalHelloCompletesAndPersistsState(t *testing.T) {
	component := func(ctx *Context) node.Node {
		v, _ := ctx.State.Get("greeted")
		if greeted, _ := v.(bool); greeted {
			return node.Fragment()
		}
		cl := node.Claude("say hi", "test-model", &node.Handlers{
			OnFinished: func(hctx node.HandlerContext, result node.Result) {
				hctx.SetState("greeted", true, "hello.finished")
			},
		})
		cl.ExplicitID = "hello"
		return cl
	}

	e := newTestEngine(t, component, quickConfig(), instantResult(node.Result{Status: "completed", OutputText: "hi"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	v, ok := e.durable.Get("greeted")
	require.True(t, ok)
	require.Equal(t, true, v)

	status, err := e.repo.ExecutionStatus(e.executionID)
	require.NoError(t, err)
	require.Equal(t, "completed", status)
}

// Scenario: Conditional mount driven by handler-written state. The agent
// node mounts only while phase == "start"; its handler advances phase,
// which unmounts it on the next render.
func TestConditionalMountUnmountsAfterHandlerAdvancesPhase(t *testing.T) {
	component := func(ctx *Context) node.Node {
		_ = ctx.State.Init("phase", "start")
		v, _ := ctx.State.Get("phase")
		phase, _ := v.(string)
		if phase != "start" {
			return node.Fragment()
		}
		cl := node.Claude("go", "test-model", &node.Handlers{
			OnFinished: func(hctx node.HandlerContext, result node.Result) {
				hctx.SetState("phase", "done", "step1.finished")
			},
		})
		cl.ExplicitID = "step1"
		return cl
	}

	e := newTestEngine(t, component, quickConfig(), instantResult(node.Result{Status: "completed"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	v, ok := e.durable.Get("phase")
	require.True(t, ok)
	require.Equal(t, "done", v)

	count, err := e.repo.CountFrames(e.executionID)
	require.NoError(t, err)
	require.Greater(t, count, int64(0))
}

// Scenario: a completion arrives for a node id that is no longer mounted.
// Its handler must not run, and nothing may be staged into the queue.
func TestHandleCompletionSkipsStaleNode(t *testing.T) {
	e := newTestEngine(t, func(ctx *Context) node.Node { return node.Fragment() }, quickConfig(), backend.ExecutorFunc(noopExecutor))

	called := false
	handlers := &node.Handlers{
		OnFinished: func(hctx node.HandlerContext, result node.Result) { called = true },
	}
	rt := &runningTask{TaskID: "t1", NodeID: "stale-node", Handlers: handlers}
	e.tasksByID["t1"] = rt

	durableQ := queue.New()
	volatileQ := queue.New()
	mounted := map[identity.NodeID]bool{} // intentionally empty: stale-node is unmounted

	e.handleCompletion(1, mounted, completion{
		TaskID: "t1", NodeID: "stale-node", Result: &node.Result{Status: "completed"},
	}, durableQ, volatileQ)

	require.False(t, called, "handler must not run for an unmounted node")
	require.Equal(t, 0, durableQ.Len())
	require.Equal(t, 0, volatileQ.Len())
	_, stillTracked := e.tasksByID["t1"]
	require.False(t, stillTracked, "the task bookkeeping still clears even when the handler is skipped")
}

// Scenario: an effect whose setup toggles state every frame, coupled with
// an oscillating dependency array, never settles and must trip the
// frame-storm guard rather than loop forever. The effect loop detector's
// threshold is raised so that it does not trip first on the repeating deps.
func TestFrameStormGuardTripsOnOscillatingEffect(t *testing.T) {
	component := func(ctx *Context) node.Node {
		v, _ := ctx.State.Get("toggle")
		cur, _ := v.(string)
		next := "a"
		if cur == "a" {
			next = "b"
		}
		setup := func() func() {
			ctx.State.Set("toggle", next, "toggle")
			return nil
		}
		return node.Effect("toggler", []any{cur}, setup)
	}

	cfg := quickConfig()
	cfg.EffectOptions = []effects.Option{effects.WithLoopThreshold(10)}
	e := newTestEngine(t, component, cfg, backend.ExecutorFunc(noopExecutor))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)

	require.Error(t, err)
	ee := errs.As(err)
	require.NotNil(t, ee)
	require.Equal(t, errs.CodeFrameStorm, ee.Code)
}

// Stop conditions are honored: a one-frame budget marks the run failed
// with a stop reason; without the budget this single-node run would
// complete normally.
func TestStopConditionMaxFramesHaltsRun(t *testing.T) {
	component := func(ctx *Context) node.Node {
		cl := node.Claude("loop", "test-model", nil)
		cl.ExplicitID = "looper"
		return cl
	}

	cfg := quickConfig()
	cfg.Stop.MaxFrames = 1
	e := newTestEngine(t, component, cfg, instantResult(node.Result{Status: "completed"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)
	require.Error(t, err)

	status, statusErr := e.repo.ExecutionStatus(e.executionID)
	require.NoError(t, statusErr)
	require.Equal(t, "failed", status)
}
