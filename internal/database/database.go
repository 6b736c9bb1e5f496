package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateRun = errors.New("automation run already exists")
)

// DB is the mirror store: tasks, contacts, owners, list memberships,
// automation runs and sync bookkeeping, all in one sqlite file.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one so
	// every caller sees the same schema.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Mirror database initialized")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
            external_id TEXT PRIMARY KEY,
            subject TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'NOT_STARTED',
            due_at DATETIME,
            completed_at DATETIME,
            owner_id TEXT NOT NULL DEFAULT '',
            queue_ids TEXT NOT NULL DEFAULT '',
            sequence_pos INTEGER NOT NULL DEFAULT 0,
            automation_id TEXT NOT NULL DEFAULT '',
            created_by_run_id INTEGER NOT NULL DEFAULT 0,
            contact_id TEXT NOT NULL DEFAULT '',
            deal_id TEXT NOT NULL DEFAULT '',
            company_id TEXT NOT NULL DEFAULT '',
            archived BOOLEAN NOT NULL DEFAULT 0,
            pending_push BOOLEAN NOT NULL DEFAULT 0,
            last_modified DATETIME NOT NULL,
            local_updated_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS contacts (
            external_id TEXT PRIMARY KEY,
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            owner_id TEXT NOT NULL DEFAULT '',
            last_modified DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS owners (
            external_id TEXT PRIMARY KEY,
            email TEXT NOT NULL DEFAULT '',
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            team_id TEXT NOT NULL DEFAULT '',
            archived BOOLEAN NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS list_memberships (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            list_id TEXT NOT NULL,
            object_id TEXT NOT NULL,
            entered_at DATETIME NOT NULL,
            exited_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS automation_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            automation_id TEXT NOT NULL,
            membership_id INTEGER NOT NULL,
            contact_id TEXT NOT NULL DEFAULT '',
            position INTEGER NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            owner_rule TEXT NOT NULL DEFAULT 'none',
            owner_id TEXT NOT NULL DEFAULT '',
            planned_at DATETIME NOT NULL,
            created_task BOOLEAN NOT NULL DEFAULT 0,
            terminated BOOLEAN NOT NULL DEFAULT 0,
            failure_reason TEXT NOT NULL DEFAULT '',
            task_external_id TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(automation_id, membership_id, position)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_executions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            type TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'running',
            started_at DATETIME NOT NULL,
            finished_at DATETIME,
            duration_ms INTEGER NOT NULL DEFAULT 0,
            added INTEGER NOT NULL DEFAULT 0,
            updated INTEGER NOT NULL DEFAULT 0,
            deleted INTEGER NOT NULL DEFAULT 0,
            cursor DATETIME,
            error TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS task_sync_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            execution_id INTEGER NOT NULL DEFAULT 0,
            external_id TEXT NOT NULL,
            action TEXT NOT NULL,
            status TEXT NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            attempt INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS sync_control (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            is_paused BOOLEAN NOT NULL DEFAULT 0,
            cursor_override DATETIME,
            notes TEXT NOT NULL DEFAULT '',
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`INSERT OR IGNORE INTO sync_control (id, is_paused) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            external_id TEXT NOT NULL,
            field TEXT NOT NULL,
            local_value TEXT NOT NULL DEFAULT '',
            crm_value TEXT NOT NULL DEFAULT '',
            strategy TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'open',
            detected_at DATETIME NOT NULL,
            resolved_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS push_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            external_id TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		// The active-membership uniqueness invariant: at most one open row
		// per (list, object) pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_active
            ON list_memberships(list_id, object_id) WHERE exited_at IS NULL`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_last_modified ON tasks(last_modified)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(created_by_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_contact ON tasks(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_list ON list_memberships(list_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_due ON automation_runs(created_task, terminated, planned_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_membership ON automation_runs(membership_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_external ON task_sync_attempts(external_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_execution ON task_sync_attempts(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started ON sync_executions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status)`,

		// One open conflict per (task, field); re-detection is idempotent.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open
            ON conflicts(external_id, field) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ExecContext proxies to the underlying handle.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext proxies to the underlying handle.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext proxies to the underlying handle.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

// BeginTx proxies to the underlying handle.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return db.db.BeginTx(ctx, opts)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func nullTime(t *sql.NullTime) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
