package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/domain"
	"taskmirror/internal/events"
	"taskmirror/internal/models"
	syncengine "taskmirror/internal/sync"
)

// MembershipLister is the slice of the CRM client the reconciler needs.
type MembershipLister interface {
	ListMemberships(ctx context.Context, listID string) ([]crm.MembershipRecord, error)
}

// Summary is what one reconcile pass did to one list.
type Summary struct {
	ListID           string
	Entries          int
	TimestampUpdates int
	Exits            int
}

// Reconciler keeps the local membership mirror of each automation-enabled
// list in step with the CRM. The membership API has no change cursor, so
// every pass fetches the complete snapshot and diffs it against the stored
// active set. Exits have no external timestamp; the pass start time is
// used, and this diff is the only exit-detection mechanism in the system.
type Reconciler struct {
	db     *database.DB
	client MembershipLister
	locks  domain.DedupStore
	bus    domain.EventPublisher
	logger zerolog.Logger
}

func NewReconciler(db *database.DB, client MembershipLister, locks domain.DedupStore, bus domain.EventPublisher, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		db:     db,
		client: client,
		locks:  locks,
		bus:    bus,
		logger: logger.With().Str("component", "membership_reconciler").Logger(),
	}
}

// ReconcileList runs one full-snapshot diff for listID. Passes for the
// same list are serialized through a lock; a held lock means another
// replica is already on it and this pass is a no-op.
func (r *Reconciler) ReconcileList(ctx context.Context, listID string) (*Summary, error) {
	lockName := "membership_reconcile:" + listID
	acquired, err := r.locks.AcquireLock(ctx, lockName, 10*time.Minute)
	if err != nil {
		r.logger.Error().Err(err).Str("list_id", listID).Msg("Reconcile lock unavailable, proceeding unlocked")
	} else if !acquired {
		r.logger.Info().Str("list_id", listID).Msg("Reconcile already in progress, skipping")
		return &Summary{ListID: listID}, nil
	} else {
		defer func() {
			if err := r.locks.ReleaseLock(ctx, lockName); err != nil {
				r.logger.Error().Err(err).Str("list_id", listID).Msg("Failed to release reconcile lock")
			}
		}()
	}

	runStart := time.Now().UTC()

	records, err := r.client.ListMemberships(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("fetch memberships for %s: %w", listID, err)
	}
	stored, err := r.db.GetActiveMemberships(ctx, listID)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]time.Time, len(records))
	for _, rec := range records {
		snapshot[rec.ObjectID] = rec.EnteredAt
	}
	storedTimes := make(map[string]time.Time, len(stored))
	for objectID, m := range stored {
		storedTimes[objectID] = m.EnteredAt
	}

	delta := syncengine.DiffSnapshot(snapshot, storedTimes)
	summary := &Summary{ListID: listID}

	for _, objectID := range delta.Added {
		m := models.ListMembership{
			ListID:    listID,
			ObjectID:  objectID,
			EnteredAt: snapshot[objectID],
		}
		if err := r.db.InsertMembership(ctx, &m); err != nil {
			// The partial unique index fires here when a duplicate active
			// row would result; flag it and keep going.
			r.logger.Error().Err(err).Str("list_id", listID).Str("object_id", objectID).
				Msg("Failed to open membership")
			continue
		}
		summary.Entries++
		r.publish(events.EventMembershipEntered, &m)
	}

	for _, objectID := range delta.Changed {
		m := stored[objectID]
		if err := r.db.UpdateMembershipEnteredAt(ctx, m.ID, snapshot[objectID]); err != nil {
			r.logger.Error().Err(err).Int64("membership_id", m.ID).Msg("Failed to update entry timestamp")
			continue
		}
		summary.TimestampUpdates++
		// Timestamp corrections do not re-trigger automations.
	}

	for _, objectID := range delta.Removed {
		m := stored[objectID]
		if err := r.db.CloseMembership(ctx, m.ID, runStart); err != nil {
			r.logger.Error().Err(err).Int64("membership_id", m.ID).Msg("Failed to close membership")
			continue
		}
		summary.Exits++
		m.ExitedAt = &runStart
		r.publish(events.EventMembershipExited, &m)
	}

	r.checkConsistency(ctx)

	r.logger.Info().Str("list_id", listID).Int("snapshot", len(records)).
		Int("entries", summary.Entries).Int("timestamp_updates", summary.TimestampUpdates).
		Int("exits", summary.Exits).Msg("List reconciled")
	return summary, nil
}

func (r *Reconciler) publish(eventType string, m *models.ListMembership) {
	if r.bus == nil {
		return
	}
	err := r.bus.PublishJSON(eventType, events.MembershipEventPayload{
		MembershipID: m.ID,
		ListID:       m.ListID,
		ObjectID:     m.ObjectID,
		EnteredAt:    m.EnteredAt,
		ExitedAt:     m.ExitedAt,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("event", eventType).Int64("membership_id", m.ID).
			Msg("Failed to publish membership event")
	}
}

// checkConsistency looks for duplicate active rows. A violation is logged
// for operator review and never aborts the pass.
func (r *Reconciler) checkConsistency(ctx context.Context) {
	pairs, err := r.db.DuplicateActiveMemberships(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Consistency check failed")
		return
	}
	if len(pairs) > 0 {
		r.logger.Error().Strs("pairs", pairs).Msg("Duplicate active memberships detected")
	}
}
