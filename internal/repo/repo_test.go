package repo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/store"
)

func newTestRepo(t *testing.T) (*Repo, *sqlx.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := New(db)
	execID := uuid.NewString()
	require.NoError(t, r.CreateExecution(execID, "test", "inline", "{}"))
	return r, db, execID
}

func TestCreateAndFinishExecution(t *testing.T) {
	r, _, execID := newTestRepo(t)

	status, err := r.ExecutionStatus(execID)
	require.NoError(t, err)
	require.Equal(t, "running", status)

	require.NoError(t, r.FinishExecution(execID, "completed", ""))
	status, err = r.ExecutionStatus(execID)
	require.NoError(t, err)
	require.Equal(t, "completed", status)
}

func TestInsertFrameAndLatestSequence(t *testing.T) {
	r, _, execID := newTestRepo(t)

	seq, err := r.LatestFrameSequence(execID)
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	require.NoError(t, r.InsertFrame(execID, 1, "<fragment/>", "[]", "", ""))
	require.NoError(t, r.InsertFrame(execID, 2, "<fragment/>", "[]", "", ""))

	seq, err = r.LatestFrameSequence(execID)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	count, err := r.CountFrames(execID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestTaskLifecycleAndOrphanRecoveryQuery(t *testing.T) {
	r, _, execID := newTestRepo(t)
	taskID := uuid.NewString()

	require.NoError(t, r.InsertTask(taskID, execID, "node-1"))
	require.NoError(t, r.SetTaskLease(taskID, "proc-1", time.Now().Add(-time.Minute)))

	expired, err := r.RunningTasksWithExpiredLeases(execID, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, taskID, expired[0].ID)

	require.NoError(t, r.IncrementTaskRetry(taskID))
	expired, err = r.RunningTasksWithExpiredLeases(execID, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 0, "a task moved to pending is no longer a running+expired candidate")
}

func TestIncrementExecutionCounters(t *testing.T) {
	r, _, execID := newTestRepo(t)
	require.NoError(t, r.IncrementExecutionCounters(execID, 1, 100, 2))
	require.NoError(t, r.IncrementExecutionCounters(execID, 1, 50, 1))

	c, err := r.ExecutionCounters(execID)
	require.NoError(t, err)
	require.Equal(t, 2, c.Iterations)
	require.Equal(t, 150, c.TotalTokens)
	require.Equal(t, 3, c.TotalToolCalls)
}

func TestInsertEventPersistsPayload(t *testing.T) {
	r, _, execID := newTestRepo(t)
	require.NoError(t, r.InsertEvent(execID, "frame.created", map[string]any{"sequence": 1}))
}
