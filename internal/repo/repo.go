// Package repo persists the tables beyond the generic key/value `state`
// table that DurableStore already owns: executions, frames, tasks, and
// events. It is the tick loop's read/write surface onto everything the CLI
// and external-control surface later inspect.
package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/smithers-ai/smithers/internal/errs"
)

// Repo wraps a *sqlx.DB with the queries the tick loop issues outside the
// generic state/transitions path.
type Repo struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps db for one process's lifetime; it is not scoped to a single
// execution the way DurableStore is.
func New(db *sqlx.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

func (r *Repo) ts() string { return r.now().UTC().Format(time.RFC3339Nano) }

// CreateExecution inserts a new execution row in status "running".
func (r *Repo) CreateExecution(id, name, sourceRef, configJSON string) error {
	now := r.ts()
	_, err := r.db.Exec(`
		INSERT INTO executions (id, name, source_ref, config_json, status, created_at, started_at)
		VALUES (?, ?, ?, ?, 'running', ?, ?)
	`, id, name, sourceRef, configJSON, now, now)
	if err != nil {
		return errs.Database("insert-execution", err)
	}
	return nil
}

// FinishExecution marks an execution terminal (completed or failed), with
// an optional stop reason.
func (r *Repo) FinishExecution(id, status, stopReason string) error {
	_, err := r.db.Exec(`
		UPDATE executions SET status = ?, stop_reason = ?, completed_at = ? WHERE id = ?
	`, status, nullIfEmpty(stopReason), r.ts(), id)
	if err != nil {
		return errs.Database("finish-execution", err)
	}
	return nil
}

// ExecutionStatus returns the current status column for id.
func (r *Repo) ExecutionStatus(id string) (string, error) {
	var status string
	if err := r.db.Get(&status, `SELECT status FROM executions WHERE id = ?`, id); err != nil {
		return "", errs.Database("get-execution-status", err)
	}
	return status, nil
}

// IncrementExecutionCounters adds to the running iteration/token/tool-call
// counters, used by stop-condition evaluation.
func (r *Repo) IncrementExecutionCounters(id string, iterations, tokens, toolCalls int) error {
	_, err := r.db.Exec(`
		UPDATE executions SET iterations = iterations + ?, total_tokens = total_tokens + ?, total_tool_calls = total_tool_calls + ?
		WHERE id = ?
	`, iterations, tokens, toolCalls, id)
	if err != nil {
		return errs.Database("increment-execution-counters", err)
	}
	return nil
}

// ExecutionCounters is the subset of an execution row stop-condition
// evaluation needs.
type ExecutionCounters struct {
	Iterations     int    `db:"iterations"`
	TotalTokens    int    `db:"total_tokens"`
	TotalToolCalls int    `db:"total_tool_calls"`
	CreatedAt      string `db:"created_at"`
}

func (r *Repo) ExecutionCounters(id string) (ExecutionCounters, error) {
	var c ExecutionCounters
	if err := r.db.Get(&c, `SELECT iterations, total_tokens, total_tool_calls, created_at FROM executions WHERE id = ?`, id); err != nil {
		return c, errs.Database("get-execution-counters", err)
	}
	return c, nil
}

// InsertFrame inserts a new frame row if seq is not already present for
// this execution (frame coalescing is enforced by the caller choosing not
// to call InsertFrame at all when the serialized plan is unchanged; this
// method itself is unconditional).
func (r *Repo) InsertFrame(executionID string, seq int64, planText string, mountedIDsJSON, phase, step string) error {
	_, err := r.db.Exec(`
		INSERT INTO frames (execution_id, sequence, plan_json, mounted_ids_json, phase, step, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, executionID, seq, planText, mountedIDsJSON, nullIfEmpty(phase), nullIfEmpty(step), r.ts())
	if err != nil {
		return errs.Database("insert-frame", err)
	}
	return nil
}

// LatestFrameSequence returns the highest sequence number recorded for
// executionID, or 0 if none exist yet.
func (r *Repo) LatestFrameSequence(executionID string) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.Get(&seq, `SELECT MAX(sequence) FROM frames WHERE execution_id = ?`, executionID); err != nil {
		return 0, errs.Database("latest-frame-sequence", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CountFrames returns how many frame rows exist for executionID.
func (r *Repo) CountFrames(executionID string) (int64, error) {
	var n int64
	if err := r.db.Get(&n, `SELECT COUNT(*) FROM frames WHERE execution_id = ?`, executionID); err != nil {
		return 0, errs.Database("count-frames", err)
	}
	return n, nil
}

// TaskRow mirrors the tasks table.
type TaskRow struct {
	ID             string         `db:"id"`
	ExecutionID    string         `db:"execution_id"`
	NodeID         string         `db:"node_id"`
	Status         string         `db:"status"`
	LeaseOwner     sql.NullString `db:"lease_owner"`
	LeaseExpiresAt sql.NullString `db:"lease_expires_at"`
	LastHeartbeat  sql.NullString `db:"last_heartbeat"`
	RetryCount     int            `db:"retry_count"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
}

// InsertTask creates a task row in status "running".
func (r *Repo) InsertTask(id, executionID, nodeID string) error {
	_, err := r.db.Exec(`
		INSERT INTO tasks (id, execution_id, node_id, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
	`, id, executionID, nodeID, r.ts())
	if err != nil {
		return errs.Database("insert-task", err)
	}
	return nil
}

// UpdateTaskStatus transitions a task to a terminal or intermediate status.
func (r *Repo) UpdateTaskStatus(id, status string) error {
	var completedAt any
	if status == "completed" || status == "failed" || status == "cancelled" || status == "orphaned" {
		completedAt = r.ts()
	}
	_, err := r.db.Exec(`UPDATE tasks SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`, status, completedAt, id)
	if err != nil {
		return errs.Database("update-task-status", err)
	}
	return nil
}

// SetTaskLease records the lease fields after a successful acquisition.
func (r *Repo) SetTaskLease(id, owner string, expiresAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE tasks SET lease_owner = ?, lease_expires_at = ?, last_heartbeat = ? WHERE id = ?
	`, owner, expiresAt.UTC().Format(time.RFC3339Nano), r.ts(), id)
	if err != nil {
		return errs.Database("set-task-lease", err)
	}
	return nil
}

// IncrementTaskRetry bumps retry_count and clears the lease, for orphan
// recovery under the retry policy.
func (r *Repo) IncrementTaskRetry(id string) error {
	_, err := r.db.Exec(`
		UPDATE tasks SET status = 'pending', retry_count = retry_count + 1, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?
	`, id)
	if err != nil {
		return errs.Database("increment-task-retry", err)
	}
	return nil
}

// RunningTasksWithExpiredLeases lists tasks eligible for orphan recovery.
func (r *Repo) RunningTasksWithExpiredLeases(executionID string, asOf time.Time) ([]TaskRow, error) {
	var rows []TaskRow
	err := r.db.Select(&rows, `
		SELECT id, execution_id, node_id, status, lease_owner, lease_expires_at, last_heartbeat, retry_count, started_at, completed_at
		FROM tasks
		WHERE execution_id = ? AND status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at < ?)
	`, executionID, asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errs.Database("running-tasks-expired-leases", err)
	}
	return rows, nil
}

// InsertEvent appends an audit/notification event row.
func (r *Repo) InsertEvent(executionID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Serialization("event-payload", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO events (execution_id, kind, payload_json, created_at) VALUES (?, ?, ?, ?)
	`, executionID, kind, string(raw), r.ts())
	if err != nil {
		return errs.Database("insert-event", err)
	}
	return nil
}

// ExecutionRow mirrors the executions table in full, for the CLI and the
// external-control surface's "executions" resource.
type ExecutionRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	SourceRef      string         `db:"source_ref"`
	ConfigJSON     string         `db:"config_json"`
	Status         string         `db:"status"`
	Iterations     int            `db:"iterations"`
	TotalTokens    int            `db:"total_tokens"`
	TotalToolCalls int            `db:"total_tool_calls"`
	StopReason     sql.NullString `db:"stop_reason"`
	CreatedAt      string         `db:"created_at"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
}

// ListExecutions returns the most recent executions, newest first, bounded
// by limit.
func (r *Repo) ListExecutions(limit int) ([]ExecutionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ExecutionRow
	err := r.db.Select(&rows, `
		SELECT id, name, source_ref, config_json, status, iterations, total_tokens, total_tool_calls,
		       stop_reason, created_at, started_at, completed_at
		FROM executions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errs.Database("list-executions", err)
	}
	return rows, nil
}

// GetExecution returns the full row for id, or by id-prefix match when no
// execution has exactly that id (the CLI's "inspect <prefix>"). When
// several ids share the prefix, one of them is returned; ambiguity is not
// reported.
func (r *Repo) GetExecution(idOrPrefix string) (ExecutionRow, error) {
	var row ExecutionRow
	err := r.db.Get(&row, `SELECT id, name, source_ref, config_json, status, iterations, total_tokens, total_tool_calls,
		       stop_reason, created_at, started_at, completed_at FROM executions WHERE id = ?`, idOrPrefix)
	if err == nil {
		return row, nil
	}
	err = r.db.Get(&row, `SELECT id, name, source_ref, config_json, status, iterations, total_tokens, total_tool_calls,
		       stop_reason, created_at, started_at, completed_at FROM executions WHERE id LIKE ? || '%' LIMIT 1`, idOrPrefix)
	if err != nil {
		return row, errs.NotFound("execution", idOrPrefix)
	}
	return row, nil
}

// FrameRow mirrors the frames table.
type FrameRow struct {
	ExecutionID    string `db:"execution_id"`
	Sequence       int64  `db:"sequence"`
	PlanJSON       string `db:"plan_json"`
	MountedIDsJSON string `db:"mounted_ids_json"`
	Phase          sql.NullString `db:"phase"`
	Step           sql.NullString `db:"step"`
	CreatedAt      string `db:"created_at"`
}

// ListFrames returns frames for executionID with sequence in [from, to]
// inclusive; to<=0 means "no upper bound".
func (r *Repo) ListFrames(executionID string, from, to int64) ([]FrameRow, error) {
	var rows []FrameRow
	var err error
	if to > 0 {
		err = r.db.Select(&rows, `SELECT * FROM frames WHERE execution_id = ? AND sequence BETWEEN ? AND ? ORDER BY sequence`, executionID, from, to)
	} else {
		err = r.db.Select(&rows, `SELECT * FROM frames WHERE execution_id = ? AND sequence >= ? ORDER BY sequence`, executionID, from)
	}
	if err != nil {
		return nil, errs.Database("list-frames", err)
	}
	return rows, nil
}

// GetFrame returns one frame by sequence number.
func (r *Repo) GetFrame(executionID string, sequence int64) (FrameRow, error) {
	var row FrameRow
	err := r.db.Get(&row, `SELECT * FROM frames WHERE execution_id = ? AND sequence = ?`, executionID, sequence)
	if err != nil {
		return row, errs.NotFound("frame", fmt.Sprintf("%s@%d", executionID, sequence))
	}
	return row, nil
}

// ListTasks returns every task row recorded for executionID, oldest first.
func (r *Repo) ListTasks(executionID string) ([]TaskRow, error) {
	var rows []TaskRow
	err := r.db.Select(&rows, `SELECT * FROM tasks WHERE execution_id = ? ORDER BY started_at`, executionID)
	if err != nil {
		return nil, errs.Database("list-tasks", err)
	}
	return rows, nil
}

// EventRow mirrors the events table.
type EventRow struct {
	ID          int64  `db:"id"`
	ExecutionID string `db:"execution_id"`
	Kind        string `db:"kind"`
	PayloadJSON sql.NullString `db:"payload_json"`
	CreatedAt   string `db:"created_at"`
}

// ListEvents returns events for executionID with id > sinceID, oldest
// first, bounded by limit — the shape the SSE notification stream and the
// CLI's "logs" subcommand both need for replay-from-a-cursor semantics.
func (r *Repo) ListEvents(executionID string, sinceID int64, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []EventRow
	err := r.db.Select(&rows, `
		SELECT * FROM events WHERE execution_id = ? AND id > ? ORDER BY id LIMIT ?
	`, executionID, sinceID, limit)
	if err != nil {
		return nil, errs.Database("list-events", err)
	}
	return rows, nil
}

// TransitionRow mirrors the transitions table.
type TransitionRow struct {
	ID           int64          `db:"id"`
	ExecutionID  string         `db:"execution_id"`
	Key          string         `db:"key"`
	OldValueJSON sql.NullString `db:"old_value_json"`
	NewValueJSON sql.NullString `db:"new_value_json"`
	Trigger      sql.NullString `db:"trigger"`
	NodeID       sql.NullString `db:"node_id"`
	FrameID      int64          `db:"frame_id"`
	CreatedAt    string         `db:"created_at"`
}

// ListTransitions returns the last N transitions for executionID, newest
// first (the CLI's "db transitions --last N").
func (r *Repo) ListTransitions(executionID string, last int) ([]TransitionRow, error) {
	if last <= 0 {
		last = 50
	}
	var rows []TransitionRow
	err := r.db.Select(&rows, `SELECT * FROM transitions WHERE execution_id = ? ORDER BY id DESC LIMIT ?`, executionID, last)
	if err != nil {
		return nil, errs.Database("list-transitions", err)
	}
	return rows, nil
}

// State returns every key/value row currently committed for executionID
// (the CLI's "db state <id>").
func (r *Repo) State(executionID string) (map[string]string, error) {
	rows, err := r.db.Queryx(`SELECT key, value_json FROM state WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, errs.Database("select-state", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key string
		var val sql.NullString
		if err := rows.Scan(&key, &val); err != nil {
			return nil, errs.Database("scan-state", err)
		}
		out[key] = val.String
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
