package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/backend"
	"github.com/smithers-ai/smithers/internal/node"
)

// Scenario 3 (Handler writes state): an agent node's on_finished handler
// writes durable state; the resulting transition row carries the handler's
// trigger name and the execution reaches quiescence.
func TestHandlerWriteStateRecordsTransitionWithTrigger(t *testing.T) {
	component := func(ctx *Context) node.Node {
		v, _ := ctx.State.Get("result")
		if v != nil {
			return node.Fragment()
		}
		cl := node.Claude("say hi", "test-model", &node.Handlers{
			OnFinished: func(hctx node.HandlerContext, result node.Result) {
				hctx.SetState("result", result.OutputText, "hello.finished")
			},
		})
		cl.ExplicitID = "hello"
		return cl
	}

	e := newTestEngine(t, component, quickConfig(), instantResult(node.Result{Status: "completed", OutputText: "hi"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	v, ok := e.durable.Get("result")
	require.True(t, ok)
	require.Equal(t, "hi", v)

	transitions, err := e.repo.ListTransitions(e.executionID, 50)
	require.NoError(t, err)
	require.NotEmpty(t, transitions)

	found := false
	for _, tr := range transitions {
		if tr.Key == "result" && tr.Trigger.Valid && tr.Trigger.String == "hello.finished" {
			found = true
		}
	}
	require.True(t, found, "expected a transition row attributed to the handler's trigger name")

	status, err := e.repo.ExecutionStatus(e.executionID)
	require.NoError(t, err)
	require.Equal(t, "completed", status)
}

// Scenario 5 (Crash recovery): a task left "running" with an expired lease
// is swept by RecoverOrphans under the default retry policy — its retry
// count increments and it returns to "pending" with no lease, rather than
// being left stuck or duplicated.
func TestRecoverOrphansRetriesExpiredLeaseTask(t *testing.T) {
	e := newTestEngine(t, func(ctx *Context) node.Node { return node.Fragment() }, quickConfig(), backend.ExecutorFunc(noopExecutor))

	taskID := uuid.NewString()
	require.NoError(t, e.repo.InsertTask(taskID, e.executionID, "crashed-node"))
	require.NoError(t, e.repo.SetTaskLease(taskID, "dead-owner", e.now().Add(-time.Minute)))

	require.NoError(t, e.RecoverOrphans())

	rows, err := e.repo.RunningTasksWithExpiredLeases(e.executionID, e.now())
	require.NoError(t, err)
	require.Empty(t, rows, "the recovered task must no longer be a running+expired candidate")

	tasks, err := e.repo.ListTasks(e.executionID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "pending", tasks[0].Status)
	require.Equal(t, 1, tasks[0].RetryCount)
	require.False(t, tasks[0].LeaseOwner.Valid, "a retried task's lease must be cleared")
}
