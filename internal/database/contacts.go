package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/models"
)

// UpsertContact mirrors a CRM contact, last-write-wins on the CRM timestamp.
func (db *DB) UpsertContact(ctx context.Context, c *models.Contact) error {
	query := `
        INSERT INTO contacts (external_id, first_name, last_name, email, owner_id, last_modified)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(external_id) DO UPDATE SET
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            email = excluded.email,
            owner_id = excluded.owner_id,
            last_modified = excluded.last_modified
        WHERE excluded.last_modified >= contacts.last_modified
    `
	_, err := db.ExecContext(ctx, query,
		c.ExternalID, c.FirstName, c.LastName, c.Email, c.OwnerID, c.LastModified)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.ExternalID, err)
	}
	return nil
}

func (db *DB) GetContact(ctx context.Context, externalID string) (*models.Contact, error) {
	var c models.Contact
	err := db.QueryRowContext(ctx, `
        SELECT external_id, first_name, last_name, email, owner_id, last_modified
        FROM contacts WHERE external_id = ?
    `, externalID).Scan(&c.ExternalID, &c.FirstName, &c.LastName, &c.Email, &c.OwnerID, &c.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestContactModified returns the newest CRM timestamp in the contact
// mirror, or nil when the mirror is empty.
func (db *DB) LatestContactModified(ctx context.Context) (*time.Time, error) {
	var raw sql.NullTime
	err := db.QueryRowContext(ctx, `SELECT MAX(last_modified) FROM contacts`).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("latest contact modified: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	t := raw.Time.UTC()
	return &t, nil
}

// UpsertOwner mirrors a CRM user.
func (db *DB) UpsertOwner(ctx context.Context, o *models.Owner) error {
	query := `
        INSERT INTO owners (external_id, email, first_name, last_name, team_id, archived)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(external_id) DO UPDATE SET
            email = excluded.email,
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            team_id = excluded.team_id,
            archived = excluded.archived
    `
	_, err := db.ExecContext(ctx, query,
		o.ExternalID, o.Email, o.FirstName, o.LastName, o.TeamID, o.Archived)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", o.ExternalID, err)
	}
	return nil
}

func (db *DB) GetOwner(ctx context.Context, externalID string) (*models.Owner, error) {
	var o models.Owner
	err := db.QueryRowContext(ctx, `
        SELECT external_id, email, first_name, last_name, team_id, archived
        FROM owners WHERE external_id = ?
    `, externalID).Scan(&o.ExternalID, &o.Email, &o.FirstName, &o.LastName, &o.TeamID, &o.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (db *DB) ListOwners(ctx context.Context) ([]models.Owner, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT external_id, email, first_name, last_name, team_id, archived
        FROM owners WHERE archived = 0 ORDER BY email
    `)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []models.Owner
	for rows.Next() {
		var o models.Owner
		if err := rows.Scan(&o.ExternalID, &o.Email, &o.FirstName, &o.LastName, &o.TeamID, &o.Archived); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
