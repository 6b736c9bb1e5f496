package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/models"
)

// GetActiveMemberships returns the stored active set for one list, keyed by
// object id in the returned map.
func (db *DB) GetActiveMemberships(ctx context.Context, listID string) (map[string]models.ListMembership, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, list_id, object_id, entered_at, exited_at
        FROM list_memberships WHERE list_id = ? AND exited_at IS NULL
    `, listID)
	if err != nil {
		return nil, fmt.Errorf("active memberships %s: %w", listID, err)
	}
	defer rows.Close()

	active := make(map[string]models.ListMembership)
	for rows.Next() {
		var m models.ListMembership
		var exited sql.NullTime
		if err := rows.Scan(&m.ID, &m.ListID, &m.ObjectID, &m.EnteredAt, &exited); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.ExitedAt = nullTime(&exited)
		active[m.ObjectID] = m
	}
	return active, rows.Err()
}

// InsertMembership opens a membership. The partial unique index rejects a
// second active row for the same (list, object) pair; callers treat that as
// a consistency violation, not a fatal error.
func (db *DB) InsertMembership(ctx context.Context, m *models.ListMembership) error {
	res, err := db.ExecContext(ctx, `
        INSERT INTO list_memberships (list_id, object_id, entered_at, exited_at)
        VALUES (?, ?, ?, NULL)
    `, m.ListID, m.ObjectID, m.EnteredAt)
	if err != nil {
		return fmt.Errorf("insert membership %s/%s: %w", m.ListID, m.ObjectID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// UpdateMembershipEnteredAt corrects the entry timestamp when the CRM
// snapshot reports a different one.
func (db *DB) UpdateMembershipEnteredAt(ctx context.Context, id int64, enteredAt time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE list_memberships SET entered_at = ? WHERE id = ?`, enteredAt, id)
	if err != nil {
		return fmt.Errorf("update membership %d: %w", id, err)
	}
	return requireAffected(res)
}

// CloseMembership sets the exit timestamp. Exit rows are never deleted.
func (db *DB) CloseMembership(ctx context.Context, id int64, exitedAt time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE list_memberships SET exited_at = ? WHERE id = ? AND exited_at IS NULL`, exitedAt, id)
	if err != nil {
		return fmt.Errorf("close membership %d: %w", id, err)
	}
	return requireAffected(res)
}

func (db *DB) GetMembership(ctx context.Context, id int64) (*models.ListMembership, error) {
	var m models.ListMembership
	var exited sql.NullTime
	err := db.QueryRowContext(ctx, `
        SELECT id, list_id, object_id, entered_at, exited_at
        FROM list_memberships WHERE id = ?
    `, id).Scan(&m.ID, &m.ListID, &m.ObjectID, &m.EnteredAt, &exited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ExitedAt = nullTime(&exited)
	return &m, nil
}

// DuplicateActiveMemberships reports (list, object) pairs violating the
// active-uniqueness invariant. With the partial unique index in place this
// should always come back empty; it exists for operator review.
func (db *DB) DuplicateActiveMemberships(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT list_id || '/' || object_id
        FROM list_memberships WHERE exited_at IS NULL
        GROUP BY list_id, object_id HAVING COUNT(*) > 1
    `)
	if err != nil {
		return nil, fmt.Errorf("duplicate active memberships: %w", err)
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var pair string
		if err := rows.Scan(&pair); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}
