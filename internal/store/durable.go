package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/smithers-ai/smithers/internal/errs"
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens a SQLite database at path in WAL mode with a busy timeout and
// foreign keys enforced, and applies all pending schema migrations.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Database("open", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; SQLite serializes writers regardless

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies every pending embedded migration against db.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errs.Database("migration-source", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errs.Database("migration-driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return errs.Database("migration-init", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errs.Database("migration-up", err)
	}
	if err := sourceDriver.Close(); err != nil {
		return errs.Database("migration-source-close", err)
	}
	return nil
}

// DurableStore is a SQLite-backed Store scoped to one execution. It shares
// VolatileStore's queue semantics but commits atomically to a single
// transaction covering both the state table and the transition log.
type DurableStore struct {
	mu          sync.Mutex
	db          *sqlx.DB
	executionID string
	cache       map[string]any // mirrors committed `state` rows for fast Get/Snapshot
	queue       []Op
	frameID     int64
	nodeID      string
	now         func() time.Time
}

// NewDurable constructs a DurableStore bound to one execution, loading the
// current committed state from disk into the in-memory read cache.
func NewDurable(db *sqlx.DB, executionID string) (*DurableStore, error) {
	s := &DurableStore{db: db, executionID: executionID, cache: make(map[string]any), now: time.Now}
	rows, err := db.Queryx(`SELECT key, value_json FROM state WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, errs.Database("load-state", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var raw sql.NullString
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, errs.Database("scan-state", err)
		}
		if !raw.Valid {
			s.cache[key] = nil
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
			return nil, errs.Database("decode-state", err)
		}
		s.cache[key] = v
	}
	return s, rows.Err()
}

// SetFrameContext records the frame/node context that will be attached to
// the next commit's transition rows. Called by the tick loop before flush.
func (s *DurableStore) SetFrameContext(frameID int64, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameID = frameID
	s.nodeID = nodeID
}

func (s *DurableStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok
}

func (s *DurableStore) Set(key string, value any, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, Op{Key: key, Kind: OpSet, Value: value, Trigger: trigger})
}

func (s *DurableStore) Delete(key string, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, Op{Key: key, Kind: OpDelete, Trigger: trigger})
}

func (s *DurableStore) Update(key string, trigger string, reducer func(prev any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, Op{Key: key, Kind: OpUpdate, Reducer: reducer, Trigger: trigger})
}

func (s *DurableStore) Enqueue(ops []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, ops...)
}

func (s *DurableStore) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.cache)
}

func (s *DurableStore) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *DurableStore) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// Commit wraps all queued writes and their transition-log entries in a
// single SQL transaction: either all are visible afterward, or none are.
func (s *DurableStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}

	next, err := applyOps(s.cache, s.queue)
	if err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return errs.Database("begin-tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	now := s.now().UTC().Format(time.RFC3339Nano)

	touched := make(map[string]bool)
	for _, op := range s.queue {
		touched[op.Key] = true
	}

	for key := range touched {
		oldVal := s.cache[key]
		newVal, present := next[key]

		oldJSON, err := marshalNullable(oldVal)
		if err != nil {
			return err
		}
		newJSON, err := marshalNullable(newVal)
		if err != nil {
			return err
		}

		if !present || newVal == nil {
			if _, err := tx.Exec(`DELETE FROM state WHERE execution_id = ? AND key = ?`, s.executionID, key); err != nil {
				return errs.Database("delete-state", err)
			}
		} else {
			if _, err := tx.Exec(`
				INSERT INTO state (execution_id, key, value_json, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(execution_id, key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
			`, s.executionID, key, newJSON, now); err != nil {
				return errs.Database("upsert-state", err)
			}
		}

		trigger := triggerFor(s.queue, key)
		if _, err := tx.Exec(`
			INSERT INTO transitions (execution_id, key, old_value_json, new_value_json, trigger, node_id, frame_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, s.executionID, key, oldJSON, newJSON, trigger, s.nodeID, s.frameID, now); err != nil {
			return errs.Database("insert-transition", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Database("commit-tx", err)
	}

	s.cache = next
	s.queue = nil
	return nil
}

// triggerFor returns the trigger of the last op touching key (matching the
// action queue's "latest trigger wins" rule for the transition record).
func triggerFor(ops []Op, key string) string {
	trigger := ""
	for _, op := range ops {
		if op.Key == key {
			trigger = op.Trigger
		}
	}
	return trigger
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New(errs.CodeSerialization, "value cannot be serialized", 500).WithDetails("cause", err.Error())
	}
	return string(raw), nil
}
