package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskmirror/internal/models"
)

// GetSyncControl reads the singleton gate row. Callers must re-read at the
// start of every run; the value is never cached.
func (db *DB) GetSyncControl(ctx context.Context) (*models.SyncControl, error) {
	var c models.SyncControl
	var override, updated sql.NullTime
	err := db.QueryRowContext(ctx, `
        SELECT is_paused, cursor_override, notes, updated_at FROM sync_control WHERE id = 1
    `).Scan(&c.IsPaused, &override, &c.Notes, &updated)
	if err != nil {
		return nil, fmt.Errorf("get sync control: %w", err)
	}
	c.CursorOverride = nullTime(&override)
	if updated.Valid {
		c.UpdatedAt = updated.Time
	}
	return &c, nil
}

// SetPaused toggles the global pause flag. Takes effect on the next run;
// work already in flight is not interrupted.
func (db *DB) SetPaused(ctx context.Context, paused bool, notes string) error {
	_, err := db.ExecContext(ctx, `
        UPDATE sync_control SET is_paused = ?, notes = ?, updated_at = ? WHERE id = 1
    `, paused, notes, time.Now())
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// SetCursorOverride installs a synthetic incremental cursor, used to rewind
// after an incident. Pass nil to clear.
func (db *DB) SetCursorOverride(ctx context.Context, cursor *time.Time, notes string) error {
	_, err := db.ExecContext(ctx, `
        UPDATE sync_control SET cursor_override = ?, notes = ?, updated_at = ? WHERE id = 1
    `, cursor, notes, time.Now())
	if err != nil {
		return fmt.Errorf("set cursor override: %w", err)
	}
	return nil
}

// ClearCursorOverride removes the synthetic cursor once it has been
// consumed by a completed incremental run.
func (db *DB) ClearCursorOverride(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
        UPDATE sync_control SET cursor_override = NULL, updated_at = ? WHERE id = 1
    `, time.Now())
	if err != nil {
		return fmt.Errorf("clear cursor override: %w", err)
	}
	return nil
}
