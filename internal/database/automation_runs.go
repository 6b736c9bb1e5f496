package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/models"
)

const runColumns = `id, automation_id, membership_id, contact_id, position, subject, owner_rule,
        owner_id, planned_at, created_task, terminated, failure_reason, task_external_id, created_at`

func scanRun(scan func(dest ...interface{}) error) (*models.AutomationRun, error) {
	var r models.AutomationRun
	var createdAt sql.NullTime
	err := scan(
		&r.ID, &r.AutomationID, &r.MembershipID, &r.ContactID, &r.Position, &r.Subject, &r.OwnerRule,
		&r.OwnerID, &r.PlannedAt, &r.CreatedTask, &r.Terminated, &r.FailureReason, &r.TaskExternalID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	return &r, nil
}

// InsertAutomationRuns materializes a membership's run sequence. The unique
// (automation, membership, position) constraint makes re-entry idempotent:
// existing rows are left untouched.
func (db *DB) InsertAutomationRuns(ctx context.Context, runs []models.AutomationRun) (int, error) {
	if len(runs) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin run insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR IGNORE INTO automation_runs
            (automation_id, membership_id, contact_id, position, subject, owner_rule, owner_id, planned_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return 0, fmt.Errorf("prepare run insert: %w", err)
	}
	defer stmt.Close()

	created := 0
	for i := range runs {
		r := &runs[i]
		res, err := stmt.ExecContext(ctx,
			r.AutomationID, r.MembershipID, r.ContactID, r.Position, r.Subject, r.OwnerRule, r.OwnerID, r.PlannedAt)
		if err != nil {
			return 0, fmt.Errorf("insert run %s/%d/%d: %w", r.AutomationID, r.MembershipID, r.Position, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// MembershipsMissingRuns returns active memberships on listID that have no
// run rows for automationID. These are entries whose materialization was
// lost (the entry event fired once and its handler failed); the scheduler
// backfills them.
func (db *DB) MembershipsMissingRuns(ctx context.Context, listID, automationID string) ([]models.ListMembership, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT m.id, m.list_id, m.object_id, m.entered_at
        FROM list_memberships m
        WHERE m.list_id = ? AND m.exited_at IS NULL
          AND NOT EXISTS (
            SELECT 1 FROM automation_runs r
            WHERE r.membership_id = m.id AND r.automation_id = ?
          )
    `, listID, automationID)
	if err != nil {
		return nil, fmt.Errorf("memberships missing runs %s/%s: %w", listID, automationID, err)
	}
	defer rows.Close()

	var memberships []models.ListMembership
	for rows.Next() {
		var m models.ListMembership
		if err := rows.Scan(&m.ID, &m.ListID, &m.ObjectID, &m.EnteredAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// GetDueRuns selects runs eligible for this tick: not yet created, not
// terminated, planned before now+window. Past-due runs (earlier failures)
// are included so retry happens on the very next tick.
func (db *DB) GetDueRuns(ctx context.Context, now time.Time, window time.Duration) ([]models.AutomationRun, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+runColumns+` FROM automation_runs
        WHERE created_task = 0 AND terminated = 0 AND planned_at < ?
        ORDER BY planned_at, id
    `, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("select due runs: %w", err)
	}
	defer rows.Close()

	var runs []models.AutomationRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// MarkRunCreated flips created_task exactly once and records the external id
// of the task that was created. A second call is a no-op.
func (db *DB) MarkRunCreated(ctx context.Context, id int64, ownerID, taskExternalID string) error {
	_, err := db.ExecContext(ctx, `
        UPDATE automation_runs
        SET created_task = 1, owner_id = ?, task_external_id = ?, failure_reason = ''
        WHERE id = ? AND created_task = 0
    `, ownerID, taskExternalID, id)
	if err != nil {
		return fmt.Errorf("mark run created %d: %w", id, err)
	}
	return nil
}

// MarkRunFailed records a failure description; the run stays eligible.
func (db *DB) MarkRunFailed(ctx context.Context, id int64, reason string) error {
	_, err := db.ExecContext(ctx, `
        UPDATE automation_runs SET failure_reason = ? WHERE id = ? AND created_task = 0
    `, reason, id)
	if err != nil {
		return fmt.Errorf("mark run failed %d: %w", id, err)
	}
	return nil
}

// TerminateRuns excludes a membership's not-yet-created runs under one
// automation from future ticks. Rows are kept for audit.
func (db *DB) TerminateRuns(ctx context.Context, membershipID int64, automationID string) (int, error) {
	res, err := db.ExecContext(ctx, `
        UPDATE automation_runs SET terminated = 1
        WHERE membership_id = ? AND automation_id = ? AND created_task = 0 AND terminated = 0
    `, membershipID, automationID)
	if err != nil {
		return 0, fmt.Errorf("terminate runs for membership %d: %w", membershipID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (db *DB) GetRun(ctx context.Context, id int64) (*models.AutomationRun, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (db *DB) GetRunsForMembership(ctx context.Context, membershipID int64) ([]models.AutomationRun, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+runColumns+` FROM automation_runs
        WHERE membership_id = ? ORDER BY position
    `, membershipID)
	if err != nil {
		return nil, fmt.Errorf("runs for membership %d: %w", membershipID, err)
	}
	defer rows.Close()

	var runs []models.AutomationRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// PreviousRunOwner returns the owner of the nearest earlier created run in
// the same sequence, for the previous-task-owner rule resolved lazily at
// execution time.
func (db *DB) PreviousRunOwner(ctx context.Context, membershipID int64, position int) (string, error) {
	var ownerID string
	err := db.QueryRowContext(ctx, `
        SELECT owner_id FROM automation_runs
        WHERE membership_id = ? AND position < ? AND created_task = 1
        ORDER BY position DESC LIMIT 1
    `, membershipID, position).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("previous run owner %d/%d: %w", membershipID, position, err)
	}
	return ownerID, nil
}
