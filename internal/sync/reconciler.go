package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/domain"
	"taskmirror/internal/events"
	"taskmirror/internal/metrics"
	"taskmirror/internal/models"
)

// TaskArchiver is the slice of the CRM client the reconciler needs.
type TaskArchiver interface {
	BatchArchiveTasks(ctx context.Context, ids []string) error
}

// DeletionReconciler handles the two delete paths the CRM offers: webhook
// notifications (at-least-once, duplicated) and the periodic orphan sweep
// for tasks that lost every association.
type DeletionReconciler struct {
	db             *database.DB
	client         TaskArchiver
	dedup          domain.DedupStore
	bus            domain.EventPublisher
	taskObjectType string
	logger         zerolog.Logger
}

func NewDeletionReconciler(db *database.DB, client TaskArchiver, dedup domain.DedupStore, bus domain.EventPublisher, taskObjectType string, logger zerolog.Logger) *DeletionReconciler {
	return &DeletionReconciler{
		db:             db,
		client:         client,
		dedup:          dedup,
		bus:            bus,
		taskObjectType: taskObjectType,
		logger:         logger.With().Str("component", "deletion_reconciler").Logger(),
	}
}

// HandleDeletionEvents applies a webhook batch. Events for other object
// types or other change flags are ignored; duplicate deliveries are dropped
// through the dedup store; an id with no local row is recorded and
// otherwise ignored since sync will reconcile it if it ever appears.
func (r *DeletionReconciler) HandleDeletionEvents(ctx context.Context, batch []crm.WebhookEvent) error {
	for _, event := range batch {
		if event.ObjectTypeID != r.taskObjectType || event.ChangeFlag != crm.ChangeFlagDeleted {
			metrics.IncWebhookEvent("ignored")
			continue
		}
		if event.ObjectID == "" {
			metrics.IncWebhookEvent("malformed")
			r.logger.Warn().Str("event_id", event.EventID).Msg("Webhook event without object id")
			continue
		}

		seen, err := r.dedup.Seen(ctx, event.DedupKey(), models.DedupTTLSeconds*time.Second)
		if err != nil {
			// Dedup is hardening, not correctness: MarkTaskDeleted is
			// idempotent, so process the event anyway.
			r.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Dedup check failed")
		} else if seen {
			metrics.IncWebhookEvent("duplicate")
			continue
		}

		changed, err := r.db.MarkTaskDeleted(ctx, event.ObjectID)
		status := models.AttemptStatusOK
		errDetail := ""
		switch {
		case err != nil:
			status = models.AttemptStatusFailed
			errDetail = err.Error()
			metrics.IncWebhookEvent("failed")
			r.logger.Error().Err(err).Str("external_id", event.ObjectID).Msg("Failed to apply deletion event")
			// The marker went in before the apply; drop it so the sender's
			// redelivery is not swallowed as a duplicate.
			if fErr := r.dedup.Forget(ctx, event.DedupKey()); fErr != nil {
				r.logger.Error().Err(fErr).Str("event_id", event.EventID).Msg("Failed to unmark event after apply failure")
			}
		case !changed:
			// Unknown id or already deleted; record and move on.
			status = models.AttemptStatusSkipped
			metrics.IncWebhookEvent("noop")
		default:
			metrics.IncWebhookEvent("applied")
			if r.bus != nil {
				_ = r.bus.PublishJSON(events.EventTaskDeleted, events.TaskEventPayload{
					ExternalID: event.ObjectID,
					Status:     models.TaskStatusDeleted,
					Source:     "webhook",
				})
			}
		}

		attempt := &models.TaskSyncAttempt{
			ExternalID: event.ObjectID,
			Action:     models.AttemptActionWebhook,
			Status:     status,
			Error:      errDetail,
		}
		if recErr := r.db.RecordAttempt(ctx, attempt); recErr != nil {
			r.logger.Error().Err(recErr).Str("external_id", event.ObjectID).Msg("Failed to record webhook attempt")
		}
	}
	return nil
}

// SweepOrphans archives tasks with no contact, deal, or company behind
// them. The external archive call goes first; only a confirmed batch is
// archived locally and counted. One failed batch does not stop the rest.
func (r *DeletionReconciler) SweepOrphans(ctx context.Context) (int, error) {
	orphans, err := r.db.GetOrphanTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("select orphans: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	r.logger.Info().Int("count", len(orphans)).Msg("Orphan sweep started")

	ids := make([]string, len(orphans))
	for i, task := range orphans {
		ids[i] = task.ExternalID
	}

	archived := 0
	var lastErr error
	for start := 0; start < len(ids); start += models.CRMBatchSize {
		end := start + models.CRMBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		if err := r.client.BatchArchiveTasks(ctx, batch); err != nil {
			lastErr = err
			r.logger.Error().Err(err).Int("batch_start", start).Msg("Orphan archive batch failed")
			r.recordSweepAttempts(ctx, batch, models.AttemptStatusFailed, err)
			continue
		}
		if err := r.db.ArchiveTasks(ctx, batch); err != nil {
			lastErr = err
			r.logger.Error().Err(err).Int("batch_start", start).Msg("Local archive failed after external success")
			continue
		}
		archived += len(batch)
		r.recordSweepAttempts(ctx, batch, models.AttemptStatusOK, nil)
	}

	r.logger.Info().Int("archived", archived).Int("total", len(ids)).Msg("Orphan sweep finished")
	return archived, lastErr
}

func (r *DeletionReconciler) recordSweepAttempts(ctx context.Context, ids []string, status string, cause error) {
	for _, id := range ids {
		attempt := &models.TaskSyncAttempt{
			ExternalID: id,
			Action:     models.AttemptActionArchive,
			Status:     status,
		}
		if cause != nil {
			attempt.Error = cause.Error()
		}
		if err := r.db.RecordAttempt(ctx, attempt); err != nil {
			r.logger.Error().Err(err).Str("external_id", id).Msg("Failed to record sweep attempt")
		}
	}
}
