// Package lease implements the task-lease protocol that makes task
// execution crash-safe: acquisition, heartbeats, release, and orphan
// recovery on engine startup.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/smithers-ai/smithers/internal/errs"
)

// Status mirrors the task record's status enum relevant to leasing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusOrphaned   Status = "orphaned"
)

// Record is the in-memory view of one task's lease the Manager tracks.
// The durable task row is the system of record; Manager mirrors just
// enough of it to arbitrate ownership without round-tripping to SQLite on
// every heartbeat.
type Record struct {
	TaskID        string
	Owner         string
	ExpiresAt     time.Time
	LastHeartbeat time.Time
	RetryCount    int
	Status        Status
}

// Config bounds lease lifetime and heartbeat cadence.
type Config struct {
	LeaseDuration    time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig matches the spec's defaults: 30s lease, 10s heartbeat.
func DefaultConfig() Config {
	return Config{LeaseDuration: 30 * time.Second, HeartbeatInterval: 10 * time.Second}
}

// Manager arbitrates lease ownership for a single process identified by
// OwnerID (typically a process id or a UUID minted at startup).
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	OwnerID string
	records map[string]*Record
	cancels map[string]chan struct{}
	now     func() time.Time
}

// New constructs a Manager for one process.
func New(ownerID string, cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		OwnerID: ownerID,
		records: make(map[string]*Record),
		cancels: make(map[string]chan struct{}),
		now:     time.Now,
	}
}

// AcquireLease succeeds if no current owner holds a live lease on taskID,
// or the current owner's lease has expired. On success this process
// becomes owner and expires_at is set to now + LeaseDuration.
func (m *Manager) AcquireLease(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[taskID]
	if ok && rec.Owner != "" && rec.Owner != m.OwnerID && rec.ExpiresAt.After(now) {
		return false
	}

	m.records[taskID] = &Record{
		TaskID:        taskID,
		Owner:         m.OwnerID,
		ExpiresAt:     now.Add(m.cfg.LeaseDuration),
		LastHeartbeat: now,
		Status:        StatusRunning,
	}
	return true
}

// Heartbeat extends expires_at if this process still owns the lease; a
// no-op otherwise (e.g. the lease was reclaimed by another process).
func (m *Manager) Heartbeat(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[taskID]
	if !ok || rec.Owner != m.OwnerID {
		return nil
	}
	rec.LastHeartbeat = m.now()
	rec.ExpiresAt = rec.LastHeartbeat.Add(m.cfg.LeaseDuration)
	return nil
}

// ReleaseLease clears ownership on this process's lease and stops its
// heartbeat loop, if one is running.
func (m *Manager) ReleaseLease(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[taskID]; ok && rec.Owner == m.OwnerID {
		rec.Owner = ""
	}
	if stop, ok := m.cancels[taskID+":heartbeat"]; ok {
		close(stop)
		delete(m.cancels, taskID+":heartbeat")
	}
}

// RunHeartbeatLoop starts an automatic heartbeat goroutine that renews the
// lease every HeartbeatInterval until ctx is done or ReleaseLease is called.
func (m *Manager) RunHeartbeatLoop(ctx context.Context, taskID string) {
	stop := make(chan struct{})
	m.mu.Lock()
	m.cancels[taskID+":heartbeat"] = stop
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = m.Heartbeat(taskID)
			}
		}
	}()
}

// OrphanPolicy governs what happens to a task whose lease expired without
// completion, discovered on startup.
type OrphanPolicy string

const (
	PolicyRetry  OrphanPolicy = "retry"
	PolicyFail   OrphanPolicy = "fail"
	PolicyIgnore OrphanPolicy = "ignore"
)

// OrphanAction is the recovery decision for one orphaned task, to be
// applied to the durable task row by the caller (the engine, which owns
// the store transaction).
type OrphanAction struct {
	TaskID        string
	NewStatus     Status
	RetryCount    int
	ClearLease    bool
	EmitRetryTask bool
	EmitMarkFailed bool
}

// RecoverOrphans scans the given candidate tasks (status=running with an
// expired lease, as loaded from the durable store by the caller) and
// returns the recovery action for each, per policy.
func RecoverOrphans(candidates []Record, policy OrphanPolicy, maxRetries int, now time.Time) []OrphanAction {
	actions := make([]OrphanAction, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Status != StatusRunning || rec.ExpiresAt.After(now) {
			continue
		}
		switch policy {
		case PolicyRetry:
			if rec.RetryCount < maxRetries {
				actions = append(actions, OrphanAction{
					TaskID: rec.TaskID, NewStatus: StatusPending,
					RetryCount: rec.RetryCount + 1, ClearLease: true, EmitRetryTask: true,
				})
				continue
			}
			actions = append(actions, OrphanAction{
				TaskID: rec.TaskID, NewStatus: StatusOrphaned, ClearLease: true, EmitMarkFailed: true,
			})
		case PolicyFail:
			actions = append(actions, OrphanAction{
				TaskID: rec.TaskID, NewStatus: StatusOrphaned, ClearLease: true, EmitMarkFailed: true,
			})
		case PolicyIgnore:
			actions = append(actions, OrphanAction{
				TaskID: rec.TaskID, NewStatus: StatusOrphaned, ClearLease: true,
			})
		}
	}
	return actions
}

// ---------------------------------------------------------------------------
// Cancellation handler
// ---------------------------------------------------------------------------

// CancellationHandler holds a cancel signal per task id. A running task's
// agent stream loop observes the signal at its suspension points.
type CancellationHandler struct {
	mu      sync.Mutex
	signals map[string]chan struct{}
}

// NewCancellationHandler builds an empty handler.
func NewCancellationHandler() *CancellationHandler {
	return &CancellationHandler{signals: make(map[string]chan struct{})}
}

// Signal returns the (lazily created) cancel channel for taskID. Closed
// once RequestCancel fires.
func (c *CancellationHandler) Signal(taskID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.signals[taskID]
	if !ok {
		ch = make(chan struct{})
		c.signals[taskID] = ch
	}
	return ch
}

// RequestCancel sets the cancel signal for taskID. Idempotent.
func (c *CancellationHandler) RequestCancel(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.signals[taskID]
	if !ok {
		ch = make(chan struct{})
		c.signals[taskID] = ch
	}
	select {
	case <-ch:
		// already cancelled
	default:
		close(ch)
	}
}

// IsCancelled reports whether cancellation was requested for taskID.
func (c *CancellationHandler) IsCancelled(taskID string) bool {
	c.mu.Lock()
	ch, ok := c.signals[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Forget releases the channel for a completed/cancelled task id.
func (c *CancellationHandler) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signals, taskID)
}

// errLeaseHeld is returned by callers that want a typed error rather than
// a bool from AcquireLease; Manager itself returns bool per the spec's
// contract, but engine-level callers may prefer this wrapper.
func errLeaseHeld(taskID, owner string) error {
	return errs.LeaseHeld(taskID, owner)
}
