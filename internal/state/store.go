// Package state provides the durable record store behind the orchestrator.
//
// The store provides:
//   - Persistent storage via SQLite (pure Go modernc.org/sqlite driver) in WAL mode
//   - One table per record kind: commands, jobs and agents
//   - JSON-encoded records with indexed status columns for restart recovery
//
// Components never share an in-memory map as their source of truth across
// restarts; the queue restores non-terminal jobs from here, the lifecycle
// service reads commands from here, and the registry persists agent records.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/foreman/internal/clock"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Options configures the SQLite store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source for updated_at columns
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// SQLiteStore implements the command, job and agent stores.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at opts.Path.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.Path != ":memory:" {
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
		if opts.WALMode {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// ":memory:" databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock.OrReal(opts.Clock)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens a throwaway in-memory store, used by tests and `foreman serve -ephemeral`.
func OpenMemory() (*SQLiteStore, error) {
	return NewSQLiteStore(Options{Path: ":memory:"})
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			command_id TEXT NOT NULL,
			state TEXT NOT NULL,
			finished_at INTEGER,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
		CREATE INDEX IF NOT EXISTS idx_commands_user ON commands(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_command ON jobs(command_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withDB runs fn under the read lock unless the store is closed.
func (s *SQLiteStore) withDB(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn(s.db)
}

func (s *SQLiteStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

// Ping verifies the database is reachable; used by /healthz.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.withDB(func(db *sql.DB) error {
		return db.PingContext(ctx)
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func millis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
