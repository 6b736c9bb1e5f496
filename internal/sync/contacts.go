package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/models"
)

// ContactLister is the slice of the CRM client the contact mirror needs.
type ContactLister interface {
	SearchContacts(ctx context.Context, since *time.Time, fn func(page []crm.ContactRecord) error) error
	ListOwners(ctx context.Context) ([]models.Owner, error)
}

// ContactSyncer keeps the contact and owner mirrors warm so automation
// owner resolution never needs a CRM round trip. Contacts refresh
// incrementally from the newest mirrored timestamp; owners are few and
// always fetched whole.
type ContactSyncer struct {
	db     *database.DB
	client ContactLister
	logger zerolog.Logger
}

func NewContactSyncer(db *database.DB, client ContactLister, logger zerolog.Logger) *ContactSyncer {
	return &ContactSyncer{
		db:     db,
		client: client,
		logger: logger.With().Str("component", "contact_sync").Logger(),
	}
}

// Refresh pulls changed contacts and the full owner roster. Malformed
// contact records are skipped per-record; a page keeps flowing.
func (s *ContactSyncer) Refresh(ctx context.Context) (int, error) {
	since, err := s.db.LatestContactModified(ctx)
	if err != nil {
		return 0, err
	}

	upserted := 0
	err = s.client.SearchContacts(ctx, since, func(page []crm.ContactRecord) error {
		for _, rec := range page {
			if rec.Err != nil {
				s.logger.Warn().Err(rec.Err).Str("contact_id", rec.ID).Msg("skipping malformed contact")
				continue
			}
			if err := s.db.UpsertContact(ctx, &rec.Contact); err != nil {
				return err
			}
			upserted++
		}
		return nil
	})
	if err != nil {
		return upserted, fmt.Errorf("refresh contacts: %w", err)
	}

	owners, err := s.client.ListOwners(ctx)
	if err != nil {
		return upserted, fmt.Errorf("refresh owners: %w", err)
	}
	for i := range owners {
		if err := s.db.UpsertOwner(ctx, &owners[i]); err != nil {
			return upserted, err
		}
	}

	s.logger.Info().Int("contacts", upserted).Int("owners", len(owners)).Msg("contact mirror refreshed")
	return upserted, nil
}
