package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskmirror/internal/models"
)

const conflictColumns = `id, external_id, field, local_value, crm_value, strategy, status, detected_at, resolved_at`

func scanConflict(scan func(dest ...interface{}) error) (*models.Conflict, error) {
	var c models.Conflict
	var resolvedAt sql.NullTime
	err := scan(&c.ID, &c.ExternalID, &c.Field, &c.LocalValue, &c.CRMValue,
		&c.Strategy, &c.Status, &c.DetectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.ResolvedAt = nullTime(&resolvedAt)
	return &c, nil
}

// InsertConflict opens a conflict row. The partial unique index makes
// repeated detection of the same (task, field) pair a no-op; reports
// whether a new row was created.
func (db *DB) InsertConflict(ctx context.Context, c *models.Conflict) (bool, error) {
	res, err := db.ExecContext(ctx, `
        INSERT OR IGNORE INTO conflicts (external_id, field, local_value, crm_value, strategy, status, detected_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, c.ExternalID, c.Field, c.LocalValue, c.CRMValue, c.Strategy, models.ConflictStatusOpen, c.DetectedAt)
	if err != nil {
		return false, fmt.Errorf("insert conflict %s/%s: %w", c.ExternalID, c.Field, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) GetConflict(ctx context.Context, id int64) (*models.Conflict, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// OpenConflicts returns every unresolved conflict, oldest first.
func (db *DB) OpenConflicts(ctx context.Context) ([]models.Conflict, error) {
	return db.queryConflicts(ctx, `
        SELECT `+conflictColumns+` FROM conflicts WHERE status = ? ORDER BY detected_at, id
    `, models.ConflictStatusOpen)
}

// OpenConflictsForTask returns the unresolved conflicts of one mirror row.
func (db *DB) OpenConflictsForTask(ctx context.Context, externalID string) ([]models.Conflict, error) {
	return db.queryConflicts(ctx, `
        SELECT `+conflictColumns+` FROM conflicts
        WHERE status = ? AND external_id = ? ORDER BY field
    `, models.ConflictStatusOpen, externalID)
}

func (db *DB) queryConflicts(ctx context.Context, query string, args ...interface{}) ([]models.Conflict, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict closes an open conflict, recording the strategy that was
// actually applied. Resolving an already-closed conflict is ErrNotFound.
func (db *DB) ResolveConflict(ctx context.Context, id int64, strategy string) error {
	res, err := db.ExecContext(ctx, `
        UPDATE conflicts SET status = ?, strategy = ?, resolved_at = CURRENT_TIMESTAMP
        WHERE id = ? AND status = ?
    `, models.ConflictStatusResolved, strategy, id, models.ConflictStatusOpen)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	return requireAffected(res)
}

var conflictFieldColumns = map[string]string{
	"subject":  "subject",
	"status":   "status",
	"due_at":   "due_at",
	"owner_id": "owner_id",
}

// ApplyCRMField overwrites one locally-mutated column with the CRM-side
// value after a crm-wins resolution. pending_push is left for the resolver
// to clear once no open conflicts remain on the row.
func (db *DB) ApplyCRMField(ctx context.Context, externalID, field string, value interface{}) error {
	col, ok := conflictFieldColumns[field]
	if !ok {
		return fmt.Errorf("unknown conflict field %q", field)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET `+col+` = ? WHERE external_id = ?`, value, externalID)
	if err != nil {
		return fmt.Errorf("apply crm value %s.%s: %w", externalID, field, err)
	}
	return requireAffected(res)
}
