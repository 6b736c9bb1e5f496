package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/models"
)

const taskColumns = `external_id, subject, status, due_at, completed_at, owner_id, queue_ids,
        sequence_pos, automation_id, created_by_run_id, contact_id, deal_id, company_id,
        archived, pending_push, last_modified, local_updated_at, created_at`

func scanTask(scan func(dest ...interface{}) error) (*models.MirrorTask, error) {
	var t models.MirrorTask
	var dueAt, completedAt, localUpdated, createdAt sql.NullTime
	err := scan(
		&t.ExternalID, &t.Subject, &t.Status, &dueAt, &completedAt, &t.OwnerID, &t.QueueIDs,
		&t.SequencePos, &t.AutomationID, &t.CreatedByRunID, &t.ContactID, &t.DealID, &t.CompanyID,
		&t.Archived, &t.PendingPush, &t.LastModified, &localUpdated, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	t.DueAt = nullTime(&dueAt)
	t.CompletedAt = nullTime(&completedAt)
	if localUpdated.Valid {
		t.LocalUpdatedAt = localUpdated.Time
	}
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	return &t, nil
}

// UpsertTaskFromCRM writes a CRM-sourced record into the mirror keyed by
// external id. The guard on last_modified makes racing incremental syncs
// converge on the record with the later CRM timestamp. CRM-owned fields are
// overwritten; pending_push and local_updated_at are left alone so the
// conflict resolver can still see local mutations. While pending_push is
// set, status, completed_at and owner_id keep their local values: those are
// the columns local actions mutate, and letting a sync overwrite them would
// hide the divergence from conflict detection before the push lands.
func (db *DB) UpsertTaskFromCRM(ctx context.Context, t *models.MirrorTask) (inserted bool, err error) {
	var exists bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE external_id = ?)`, t.ExternalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check task existence: %w", err)
	}

	query := `
        INSERT INTO tasks (external_id, subject, status, due_at, completed_at, owner_id, queue_ids,
                           sequence_pos, automation_id, created_by_run_id, contact_id, deal_id, company_id,
                           archived, pending_push, last_modified, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(external_id) DO UPDATE SET
            subject = excluded.subject,
            status = CASE WHEN tasks.pending_push = 1 THEN tasks.status ELSE excluded.status END,
            due_at = excluded.due_at,
            completed_at = CASE WHEN tasks.pending_push = 1 THEN tasks.completed_at ELSE excluded.completed_at END,
            owner_id = CASE WHEN tasks.pending_push = 1 THEN tasks.owner_id ELSE excluded.owner_id END,
            queue_ids = excluded.queue_ids,
            sequence_pos = excluded.sequence_pos,
            contact_id = excluded.contact_id,
            deal_id = excluded.deal_id,
            company_id = excluded.company_id,
            archived = excluded.archived,
            last_modified = excluded.last_modified
        WHERE excluded.last_modified >= tasks.last_modified
    `
	_, err = db.ExecContext(ctx, query,
		t.ExternalID, t.Subject, t.Status, t.DueAt, t.CompletedAt, t.OwnerID, t.QueueIDs,
		t.SequencePos, t.AutomationID, t.CreatedByRunID, t.ContactID, t.DealID, t.CompanyID,
		t.Archived, t.LastModified,
	)
	if err != nil {
		return false, fmt.Errorf("upsert task %s: %w", t.ExternalID, err)
	}
	return !exists, nil
}

// InsertMirrorTask records a task this service itself created in the CRM
// (automation path). Idempotent on external id.
func (db *DB) InsertMirrorTask(ctx context.Context, t *models.MirrorTask) error {
	query := `
        INSERT OR IGNORE INTO tasks (external_id, subject, status, due_at, completed_at, owner_id, queue_ids,
                           sequence_pos, automation_id, created_by_run_id, contact_id, deal_id, company_id,
                           archived, pending_push, last_modified, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP)
    `
	_, err := db.ExecContext(ctx, query,
		t.ExternalID, t.Subject, t.Status, t.DueAt, t.CompletedAt, t.OwnerID, t.QueueIDs,
		t.SequencePos, t.AutomationID, t.CreatedByRunID, t.ContactID, t.DealID, t.CompanyID,
		t.Archived, t.LastModified,
	)
	if err != nil {
		return fmt.Errorf("insert mirror task %s: %w", t.ExternalID, err)
	}
	return nil
}

// InsertTasksBatch inserts one full-sync batch inside a transaction.
func (db *DB) InsertTasksBatch(ctx context.Context, tasks []models.MirrorTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO tasks (external_id, subject, status, due_at, completed_at, owner_id, queue_ids,
                           sequence_pos, automation_id, created_by_run_id, contact_id, deal_id, company_id,
                           archived, pending_push, last_modified, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(external_id) DO UPDATE SET
            subject = excluded.subject,
            status = excluded.status,
            due_at = excluded.due_at,
            completed_at = excluded.completed_at,
            owner_id = excluded.owner_id,
            queue_ids = excluded.queue_ids,
            last_modified = excluded.last_modified
    `)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for i := range tasks {
		t := &tasks[i]
		if _, err := stmt.ExecContext(ctx,
			t.ExternalID, t.Subject, t.Status, t.DueAt, t.CompletedAt, t.OwnerID, t.QueueIDs,
			t.SequencePos, t.AutomationID, t.CreatedByRunID, t.ContactID, t.DealID, t.CompanyID,
			t.Archived, t.LastModified,
		); err != nil {
			return fmt.Errorf("batch insert task %s: %w", t.ExternalID, err)
		}
	}

	return tx.Commit()
}

// WipeTasks clears the task mirror ahead of a full reload.
func (db *DB) WipeTasks(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return fmt.Errorf("wipe tasks: %w", err)
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, externalID string) (*models.MirrorTask, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE external_id = ?`, externalID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// MarkTaskDeleted flips the row to DELETED. Returns whether anything
// changed; a second call with the same id is a no-op.
func (db *DB) MarkTaskDeleted(ctx context.Context, externalID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, local_updated_at = ? WHERE external_id = ? AND status != ?`,
		models.TaskStatusDeleted, time.Now(), externalID, models.TaskStatusDeleted)
	if err != nil {
		return false, fmt.Errorf("mark task deleted %s: %w", externalID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetOrphanTasks returns non-archived, non-deleted tasks with no contact,
// deal or company association.
func (db *DB) GetOrphanTasks(ctx context.Context) ([]models.MirrorTask, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+taskColumns+` FROM tasks
        WHERE archived = 0 AND status != ?
          AND contact_id = '' AND deal_id = '' AND company_id = ''
        ORDER BY external_id
    `, models.TaskStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("select orphan tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.MirrorTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan orphan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ArchiveTasks marks the given external ids archived, after the CRM batch
// archive call confirmed them.
func (db *DB) ArchiveTasks(ctx context.Context, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET archived = 1 WHERE external_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare archive: %w", err)
	}
	defer stmt.Close()

	for _, id := range externalIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("archive task %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// MaxLastModified returns the highest CRM timestamp present in the mirror,
// the fallback incremental cursor.
func (db *DB) MaxLastModified(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := db.QueryRowContext(ctx, `SELECT MAX(last_modified) FROM tasks`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("max last_modified: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// UpdateTaskOwner applies a local owner assignment. pending marks the row as
// awaiting CRM confirmation.
func (db *DB) UpdateTaskOwner(ctx context.Context, externalID, ownerID string, pending bool) error {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET owner_id = ?, pending_push = ?, local_updated_at = ? WHERE external_id = ?`,
		ownerID, pending, time.Now(), externalID)
	if err != nil {
		return fmt.Errorf("update task owner %s: %w", externalID, err)
	}
	return requireAffected(res)
}

// UpdateTaskStatusLocal applies a local status transition (complete, skip,
// delete).
func (db *DB) UpdateTaskStatusLocal(ctx context.Context, externalID, status string, completedAt *time.Time, pending bool) error {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, pending_push = ?, local_updated_at = ? WHERE external_id = ?`,
		status, completedAt, pending, time.Now(), externalID)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", externalID, err)
	}
	return requireAffected(res)
}

// ClearPendingPush is called once the push worker confirmed the CRM write.
func (db *DB) ClearPendingPush(ctx context.Context, externalID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE tasks SET pending_push = 0 WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("clear pending push %s: %w", externalID, err)
	}
	return nil
}

// TaskExistsForRun reports whether a mirror task already references the
// automation run, the duplicate-creation guard for retried ticks.
func (db *DB) TaskExistsForRun(ctx context.Context, runID int64) (string, bool, error) {
	var externalID string
	err := db.QueryRowContext(ctx,
		`SELECT external_id FROM tasks WHERE created_by_run_id = ? LIMIT 1`, runID).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("task for run %d: %w", runID, err)
	}
	return externalID, true, nil
}

// GetTasksModifiedSince returns mirror rows with local updates newer than
// the given time, input to conflict detection.
func (db *DB) GetTasksModifiedSince(ctx context.Context, since time.Time) ([]models.MirrorTask, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+taskColumns+` FROM tasks
        WHERE local_updated_at IS NOT NULL AND local_updated_at > ?
    `, since)
	if err != nil {
		return nil, fmt.Errorf("select locally modified tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.MirrorTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (db *DB) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
