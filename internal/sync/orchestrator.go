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

// TaskSearcher is the slice of the CRM client the orchestrator needs.
type TaskSearcher interface {
	SearchTasks(ctx context.Context, since *time.Time, fn func(page []crm.TaskRecord) error) error
}

// Orchestrator runs full and incremental task syncs against the mirror.
// Every run starts by reading the sync control row: a set pause flag turns
// the run into a recorded no-op, and a cursor override beats the stored
// cursor for exactly one incremental run.
type Orchestrator struct {
	db     *database.DB
	client TaskSearcher
	bus    domain.EventPublisher
	logger zerolog.Logger

	batchDelay time.Duration
}

func NewOrchestrator(db *database.DB, client TaskSearcher, bus domain.EventPublisher, batchDelay time.Duration, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:         db,
		client:     client,
		bus:        bus,
		batchDelay: batchDelay,
		logger:     logger.With().Str("component", "sync_orchestrator").Logger(),
	}
}

// RunFullSync reloads the whole task mirror: fetch every page, wipe the
// table, insert in batches. A batch failure aborts the run and leaves the
// partial state for the next run to repair; atomicity across the whole
// dataset is deliberately not attempted.
func (o *Orchestrator) RunFullSync(ctx context.Context) error {
	control, err := o.db.GetSyncControl(ctx)
	if err != nil {
		return fmt.Errorf("read sync control: %w", err)
	}
	if control.IsPaused {
		return o.recordSkipped(ctx, models.SyncTypeFull)
	}

	exec, err := o.db.StartExecution(ctx, models.SyncTypeFull)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	log := o.logger.With().Str("run_id", exec.RunID).Str("type", exec.Type).Logger()
	log.Info().Msg("Full sync started")

	var (
		tasks   []models.MirrorTask
		skipped int
		cursor  time.Time
	)
	err = o.client.SearchTasks(ctx, nil, func(page []crm.TaskRecord) error {
		for _, rec := range page {
			if rec.Err != nil {
				skipped++
				log.Warn().Err(rec.Err).Str("external_id", rec.ID).Msg("Skipping malformed record")
				o.recordAttempt(ctx, exec.ID, rec.ID, models.AttemptActionUpsert, models.AttemptStatusSkipped, rec.Err)
				continue
			}
			tasks = append(tasks, rec.Task)
			if rec.Task.LastModified.After(cursor) {
				cursor = rec.Task.LastModified
			}
		}
		return nil
	})
	if err != nil {
		return o.fail(ctx, exec, fmt.Errorf("fetch tasks: %w", err))
	}

	if err := o.db.WipeTasks(ctx); err != nil {
		return o.fail(ctx, exec, fmt.Errorf("wipe mirror: %w", err))
	}

	for start := 0; start < len(tasks); start += models.CRMBatchSize {
		end := start + models.CRMBatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		if err := o.db.InsertTasksBatch(ctx, tasks[start:end]); err != nil {
			return o.fail(ctx, exec, fmt.Errorf("insert batch at %d: %w", start, err))
		}
		exec.Added += end - start
		if end < len(tasks) {
			o.sleep(ctx)
		}
	}

	exec.Status = models.SyncStatusCompleted
	if !cursor.IsZero() {
		exec.Cursor = &cursor
	}
	if err := o.db.FinishExecution(ctx, exec); err != nil {
		return err
	}
	o.finishMetrics(exec, skipped, log)
	return nil
}

// RunIncrementalSync upserts every task modified since the cursor. The
// guarded upsert keeps a record fetched with an older last-modified from
// overwriting a newer row, so overlapping runs converge on the latest
// CRM state.
func (o *Orchestrator) RunIncrementalSync(ctx context.Context) error {
	control, err := o.db.GetSyncControl(ctx)
	if err != nil {
		return fmt.Errorf("read sync control: %w", err)
	}
	if control.IsPaused {
		return o.recordSkipped(ctx, models.SyncTypeIncremental)
	}

	var since *time.Time
	overridden := control.CursorOverride != nil
	if overridden {
		since = control.CursorOverride
	} else {
		stored, err := o.db.LatestCursor(ctx)
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		if !stored.IsZero() {
			since = &stored
		}
	}

	exec, err := o.db.StartExecution(ctx, models.SyncTypeIncremental)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	log := o.logger.With().Str("run_id", exec.RunID).Str("type", exec.Type).Logger()
	if since != nil {
		log.Info().Time("since", *since).Bool("override", overridden).Msg("Incremental sync started")
	} else {
		log.Info().Msg("Incremental sync started with empty cursor")
	}

	cursor := time.Time{}
	if since != nil {
		cursor = *since
	}
	skipped := 0
	err = o.client.SearchTasks(ctx, since, func(page []crm.TaskRecord) error {
		for _, rec := range page {
			if rec.Err != nil {
				skipped++
				log.Warn().Err(rec.Err).Str("external_id", rec.ID).Msg("Skipping malformed record")
				o.recordAttempt(ctx, exec.ID, rec.ID, models.AttemptActionUpsert, models.AttemptStatusSkipped, rec.Err)
				continue
			}
			task := rec.Task
			inserted, err := o.db.UpsertTaskFromCRM(ctx, &task)
			if err != nil {
				o.recordAttempt(ctx, exec.ID, rec.ID, models.AttemptActionUpsert, models.AttemptStatusFailed, err)
				return fmt.Errorf("upsert %s: %w", rec.ID, err)
			}
			if inserted {
				exec.Added++
			} else {
				exec.Updated++
			}
			o.recordAttempt(ctx, exec.ID, rec.ID, models.AttemptActionUpsert, models.AttemptStatusOK, nil)
			if task.LastModified.After(cursor) {
				cursor = task.LastModified
			}
		}
		return nil
	})
	if err != nil {
		return o.fail(ctx, exec, err)
	}

	exec.Status = models.SyncStatusCompleted
	if !cursor.IsZero() {
		exec.Cursor = &cursor
	}
	if err := o.db.FinishExecution(ctx, exec); err != nil {
		return err
	}
	// A consumed override applies to exactly one run.
	if overridden {
		if err := o.db.ClearCursorOverride(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to clear cursor override")
		}
	}
	o.finishMetrics(exec, skipped, log)
	return nil
}

// recordSkipped books a paused run as a no-op so operators can see that
// the schedule fired while paused.
func (o *Orchestrator) recordSkipped(ctx context.Context, syncType string) error {
	exec, err := o.db.StartExecution(ctx, syncType)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	exec.Status = models.SyncStatusSkipped
	if err := o.db.FinishExecution(ctx, exec); err != nil {
		return err
	}
	metrics.IncSyncRun(syncType, models.SyncStatusSkipped)
	o.logger.Info().Str("type", syncType).Msg("Sync paused, skipping run")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, exec *models.SyncExecution, cause error) error {
	exec.Status = models.SyncStatusFailed
	exec.Error = cause.Error()
	if err := o.db.FinishExecution(ctx, exec); err != nil {
		o.logger.Error().Err(err).Int64("execution_id", exec.ID).Msg("Failed to finish execution")
	}
	metrics.IncSyncRun(exec.Type, models.SyncStatusFailed)
	o.logger.Error().Err(cause).Str("run_id", exec.RunID).Str("type", exec.Type).
		Int("added", exec.Added).Int("updated", exec.Updated).Msg("Sync failed")
	return cause
}

func (o *Orchestrator) finishMetrics(exec *models.SyncExecution, skipped int, log zerolog.Logger) {
	metrics.IncSyncRun(exec.Type, exec.Status)
	metrics.AddUpserted(exec.Added + exec.Updated)
	metrics.SetLastSyncAge(0)
	log.Info().Int("added", exec.Added).Int("updated", exec.Updated).
		Int("skipped", skipped).Int64("duration_ms", exec.DurationMS).Msg("Sync completed")

	if o.bus != nil {
		_ = o.bus.PublishJSON(events.EventSyncCompleted, events.SyncEventPayload{
			RunID:   exec.RunID,
			Type:    exec.Type,
			Status:  exec.Status,
			Added:   exec.Added,
			Updated: exec.Updated,
			Deleted: exec.Deleted,
		})
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, execID int64, externalID, action, status string, cause error) {
	attempt := &models.TaskSyncAttempt{
		ExecutionID: execID,
		ExternalID:  externalID,
		Action:      action,
		Status:      status,
	}
	if cause != nil {
		attempt.Error = cause.Error()
	}
	if err := o.db.RecordAttempt(ctx, attempt); err != nil {
		o.logger.Error().Err(err).Str("external_id", externalID).Msg("Failed to record sync attempt")
	}
}

func (o *Orchestrator) sleep(ctx context.Context) {
	if o.batchDelay <= 0 {
		return
	}
	select {
	case <-time.After(o.batchDelay):
	case <-ctx.Done():
	}
}
