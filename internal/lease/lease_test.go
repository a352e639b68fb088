package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLeaseExclusivity(t *testing.T) {
	base := time.Now()
	a := New("proc-a", Config{LeaseDuration: time.Minute, HeartbeatInterval: time.Second})
	a.now = func() time.Time { return base }

	require.True(t, a.AcquireLease("task-1"))

	b := New("proc-b", Config{LeaseDuration: time.Minute, HeartbeatInterval: time.Second})
	b.records = a.records // shares the same logical lease view (the durable store, in practice)
	b.now = func() time.Time { return base }

	assert.False(t, b.AcquireLease("task-1"), "a live, unexpired lease must exclude a second owner")
}

func TestAcquireLeaseSucceedsAfterExpiry(t *testing.T) {
	cur := time.Now()
	m := New("proc-a", Config{LeaseDuration: time.Second, HeartbeatInterval: time.Millisecond})
	m.now = func() time.Time { return cur }

	require.True(t, m.AcquireLease("task-1"))

	other := New("proc-b", Config{LeaseDuration: time.Second, HeartbeatInterval: time.Millisecond})
	other.records = m.records // share the same backing "durable" view
	other.now = func() time.Time { return cur.Add(2 * time.Second) }

	assert.True(t, other.AcquireLease("task-1"))
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	cur := time.Now()
	m := New("proc-a", Config{LeaseDuration: time.Second, HeartbeatInterval: time.Millisecond})
	m.now = func() time.Time { return cur }
	require.True(t, m.AcquireLease("task-1"))

	firstExpiry := m.records["task-1"].ExpiresAt
	m.now = func() time.Time { return cur.Add(500 * time.Millisecond) }
	require.NoError(t, m.Heartbeat("task-1"))
	assert.True(t, m.records["task-1"].ExpiresAt.After(firstExpiry))
}

func TestHeartbeatNoopIfNotOwner(t *testing.T) {
	m := New("proc-a", DefaultConfig())
	require.NoError(t, m.Heartbeat("never-acquired"))
}

func TestReleaseLeaseClearsOwner(t *testing.T) {
	m := New("proc-a", DefaultConfig())
	require.True(t, m.AcquireLease("task-1"))
	m.ReleaseLease("task-1")
	assert.Empty(t, m.records["task-1"].Owner)
}

func TestRecoverOrphansRetryPolicy(t *testing.T) {
	now := time.Now()
	candidates := []Record{
		{TaskID: "t1", Status: StatusRunning, ExpiresAt: now.Add(-time.Minute), RetryCount: 0},
		{TaskID: "t2", Status: StatusRunning, ExpiresAt: now.Add(-time.Minute), RetryCount: 5},
		{TaskID: "t3", Status: StatusRunning, ExpiresAt: now.Add(time.Minute)}, // not expired
	}
	actions := RecoverOrphans(candidates, PolicyRetry, 3, now)
	require.Len(t, actions, 2)

	assert.Equal(t, "t1", actions[0].TaskID)
	assert.Equal(t, StatusPending, actions[0].NewStatus)
	assert.Equal(t, 1, actions[0].RetryCount)
	assert.True(t, actions[0].EmitRetryTask)

	assert.Equal(t, "t2", actions[1].TaskID)
	assert.Equal(t, StatusOrphaned, actions[1].NewStatus)
	assert.True(t, actions[1].EmitMarkFailed)
}

func TestRecoverOrphansIgnorePolicyEmitsNothing(t *testing.T) {
	now := time.Now()
	candidates := []Record{{TaskID: "t1", Status: StatusRunning, ExpiresAt: now.Add(-time.Minute)}}
	actions := RecoverOrphans(candidates, PolicyIgnore, 3, now)
	require.Len(t, actions, 1)
	assert.False(t, actions[0].EmitRetryTask)
	assert.False(t, actions[0].EmitMarkFailed)
	assert.Equal(t, StatusOrphaned, actions[0].NewStatus)
}

func TestCancellationHandlerRequestAndObserve(t *testing.T) {
	c := NewCancellationHandler()
	assert.False(t, c.IsCancelled("t1"))

	sig := c.Signal("t1")
	c.RequestCancel("t1")

	select {
	case <-sig:
	default:
		t.Fatal("signal should be closed after RequestCancel")
	}
	assert.True(t, c.IsCancelled("t1"))
}

func TestCancellationHandlerRequestIsIdempotent(t *testing.T) {
	c := NewCancellationHandler()
	c.RequestCancel("t1")
	assert.NotPanics(t, func() { c.RequestCancel("t1") })
}
