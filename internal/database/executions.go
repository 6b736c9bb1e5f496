package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/models"

	"github.com/google/uuid"
)

// StartExecution opens a sync bookkeeping row in status running.
func (db *DB) StartExecution(ctx context.Context, syncType string) (*models.SyncExecution, error) {
	exec := &models.SyncExecution{
		RunID:     uuid.NewString(),
		Type:      syncType,
		Status:    models.SyncStatusRunning,
		StartedAt: time.Now(),
	}
	res, err := db.ExecContext(ctx, `
        INSERT INTO sync_executions (run_id, type, status, started_at)
        VALUES (?, ?, ?, ?)
    `, exec.RunID, exec.Type, exec.Status, exec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	exec.ID = id
	return exec, nil
}

// FinishExecution closes a bookkeeping row with its terminal status and
// counters.
func (db *DB) FinishExecution(ctx context.Context, exec *models.SyncExecution) error {
	now := time.Now()
	exec.FinishedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()

	_, err := db.ExecContext(ctx, `
        UPDATE sync_executions
        SET status = ?, finished_at = ?, duration_ms = ?, added = ?, updated = ?, deleted = ?, cursor = ?, error = ?
        WHERE id = ?
    `, exec.Status, exec.FinishedAt, exec.DurationMS, exec.Added, exec.Updated, exec.Deleted, exec.Cursor, exec.Error, exec.ID)
	if err != nil {
		return fmt.Errorf("finish execution %d: %w", exec.ID, err)
	}
	return nil
}

// RecordAttempt appends one per-task attempt row.
func (db *DB) RecordAttempt(ctx context.Context, a *models.TaskSyncAttempt) error {
	if a.Attempt == 0 {
		a.Attempt = 1
	}
	res, err := db.ExecContext(ctx, `
        INSERT INTO task_sync_attempts (execution_id, external_id, action, status, error, attempt, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, a.ExecutionID, a.ExternalID, a.Action, a.Status, a.Error, a.Attempt, time.Now())
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.ExternalID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func scanExecution(scan func(dest ...interface{}) error) (*models.SyncExecution, error) {
	var e models.SyncExecution
	var finished, cursor sql.NullTime
	err := scan(&e.ID, &e.RunID, &e.Type, &e.Status, &e.StartedAt, &finished,
		&e.DurationMS, &e.Added, &e.Updated, &e.Deleted, &cursor, &e.Error)
	if err != nil {
		return nil, err
	}
	e.FinishedAt = nullTime(&finished)
	e.Cursor = nullTime(&cursor)
	return &e, nil
}

const executionColumns = `id, run_id, type, status, started_at, finished_at,
        duration_ms, added, updated, deleted, cursor, error`

// LastCompletedExecution returns the most recent completed run, any type.
func (db *DB) LastCompletedExecution(ctx context.Context) (*models.SyncExecution, error) {
	row := db.QueryRowContext(ctx, `
        SELECT `+executionColumns+` FROM sync_executions
        WHERE status = ? ORDER BY started_at DESC LIMIT 1
    `, models.SyncStatusCompleted)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// LatestCursor is the stored incremental cursor: the cursor of the last
// completed execution, falling back to max(last_modified) over the mirror.
func (db *DB) LatestCursor(ctx context.Context) (time.Time, error) {
	var cursor sql.NullTime
	err := db.QueryRowContext(ctx, `
        SELECT cursor FROM sync_executions
        WHERE status = ? AND cursor IS NOT NULL
        ORDER BY started_at DESC LIMIT 1
    `, models.SyncStatusCompleted).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("latest cursor: %w", err)
	}
	if cursor.Valid {
		return cursor.Time, nil
	}
	return db.MaxLastModified(ctx)
}

// RecentExecutions returns bookkeeping rows started within the window,
// newest first.
func (db *DB) RecentExecutions(ctx context.Context, since time.Time) ([]models.SyncExecution, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+executionColumns+` FROM sync_executions
        WHERE started_at >= ? ORDER BY started_at DESC, id DESC
    `, since)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var execs []models.SyncExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

func (db *DB) CountRunningExecutions(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_executions WHERE status = ?`, models.SyncStatusRunning).Scan(&n)
	return n, err
}

// FlaggedExternalIDs returns ids with at least threshold failed attempts in
// the window, the operator-attention list.
func (db *DB) FlaggedExternalIDs(ctx context.Context, threshold int, since time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT external_id FROM task_sync_attempts
        WHERE status = ? AND created_at >= ?
        GROUP BY external_id HAVING COUNT(*) >= ?
        ORDER BY COUNT(*) DESC
    `, models.AttemptStatusFailed, since, threshold)
	if err != nil {
		return nil, fmt.Errorf("flagged external ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountAttempts returns attempt rows for an external id, any outcome.
func (db *DB) CountAttempts(ctx context.Context, externalID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_sync_attempts WHERE external_id = ?`, externalID).Scan(&n)
	return n, err
}

// PruneBookkeeping deletes executions, attempts and processed push tasks
// older than the cutoff. Returns total rows removed.
func (db *DB) PruneBookkeeping(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM sync_executions WHERE started_at < ? AND status != 'running'`,
		`DELETE FROM task_sync_attempts WHERE created_at < ?`,
		`DELETE FROM push_queue WHERE created_at < ? AND status IN ('completed', 'failed')`,
	} {
		res, err := db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune bookkeeping: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
