package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBlocksUntilApproved(t *testing.T) {
	s := New()
	done := make(chan Result, 1)
	errCh := make(chan error, 1)

	go func() {
		res, err := s.Request(context.Background(), "node-1", "confirm", nil, "proceed?", nil, 0)
		done <- res
		errCh <- err
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := s.Pending()
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Respond(id, true, "alice", "looks good", map[string]any{"note": "ok"}))

	res := <-done
	require.NoError(t, <-errCh)
	assert.True(t, res.Approved)
	assert.Equal(t, StatusApproved, res.Status)
}

func TestRequestDeniedResolvesImmediately(t *testing.T) {
	s := New()
	done := make(chan Result, 1)

	go func() {
		res, _ := s.Request(context.Background(), "node-1", "confirm", nil, "proceed?", nil, 0)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, time.Second, time.Millisecond)
	id := s.Pending()[0].ID
	require.NoError(t, s.Respond(id, false, "bob", "not now", nil))

	res := <-done
	assert.False(t, res.Approved)
	assert.Equal(t, StatusDenied, res.Status)
}

func TestRequestExpiresAfterTimeout(t *testing.T) {
	s := New()
	res, err := s.Request(context.Background(), "node-1", "confirm", nil, "proceed?", nil, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestRespondRejectsUnknownID(t *testing.T) {
	s := New()
	err := s.Respond("does-not-exist", true, "alice", "", nil)
	require.Error(t, err)
}

func TestRespondRejectsAlreadyResolvedRequest(t *testing.T) {
	s := New()
	done := make(chan struct{})
	go func() {
		s.Request(context.Background(), "node-1", "confirm", nil, "", nil, 0)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, time.Second, time.Millisecond)
	id := s.Pending()[0].ID
	require.NoError(t, s.Respond(id, true, "alice", "", nil))
	<-done

	err := s.Respond(id, false, "bob", "", nil)
	require.Error(t, err)
}

func TestSweepExpiredResolvesPastDeadlineRequests(t *testing.T) {
	s := New()
	done := make(chan Result, 1)
	go func() {
		res, _ := s.Request(context.Background(), "node-1", "confirm", nil, "", nil, time.Millisecond)
		done <- res
	}()
	time.Sleep(5 * time.Millisecond)
	s.SweepExpired()

	res := <-done
	assert.Equal(t, StatusExpired, res.Status)
}
