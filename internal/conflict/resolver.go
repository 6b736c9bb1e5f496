package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/domain"
	"taskmirror/internal/events"
	"taskmirror/internal/models"
)

// CRMClient is the slice of the CRM client the resolver needs: reading the
// current external state and pushing a winning local value.
type CRMClient interface {
	BatchReadTasks(ctx context.Context, ids []string) ([]crm.TaskRecord, error)
	PatchTask(ctx context.Context, externalID string, properties map[string]string) error
}

// Resolver detects and settles write conflicts on mirror rows. A conflict
// exists when a row was mutated locally after the last completed sync and
// the CRM now reports a different value for the same CRM-owned field.
// Detected conflicts carry the configured default strategy; manual ones
// accumulate until an operator settles them.
type Resolver struct {
	db       *database.DB
	client   CRMClient
	bus      domain.EventPublisher
	strategy string
	logger   zerolog.Logger
}

func NewResolver(db *database.DB, client CRMClient, bus domain.EventPublisher, strategy string, logger zerolog.Logger) *Resolver {
	if !models.ValidStrategy(strategy) {
		strategy = models.StrategyCRMWins
	}
	return &Resolver{
		db:       db,
		client:   client,
		bus:      bus,
		strategy: strategy,
		logger:   logger.With().Str("component", "conflict_resolver").Logger(),
	}
}

// Detect compares one mirror row against the current CRM record and opens a
// conflict per divergent field. Returns the row's open conflicts, including
// ones from earlier passes.
func (r *Resolver) Detect(ctx context.Context, externalID string) ([]models.Conflict, error) {
	task, err := r.db.GetTask(ctx, externalID)
	if err != nil {
		return nil, err
	}

	baseline, err := r.db.LastCompletedExecution(ctx)
	if errors.Is(err, database.ErrNotFound) {
		// No completed sync yet means no window to conflict within.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !task.LocalUpdatedAt.After(baseline.StartedAt) {
		return r.db.OpenConflictsForTask(ctx, externalID)
	}

	records, err := r.client.BatchReadTasks(ctx, []string{externalID})
	if err != nil {
		return nil, fmt.Errorf("read crm task %s: %w", externalID, err)
	}
	var remote *models.MirrorTask
	for i := range records {
		if records[i].ID != externalID {
			continue
		}
		if records[i].Err != nil {
			r.logger.Warn().Err(records[i].Err).Str("external_id", externalID).
				Msg("CRM record unreadable, skipping detection")
			return r.db.OpenConflictsForTask(ctx, externalID)
		}
		remote = &records[i].Task
	}
	if remote == nil {
		// Deleted externally; the deletion reconciler owns that case.
		return r.db.OpenConflictsForTask(ctx, externalID)
	}

	now := time.Now().UTC()
	for field, pair := range fieldValues(task, remote) {
		if pair.local == pair.remote {
			continue
		}
		created, err := r.db.InsertConflict(ctx, &models.Conflict{
			ExternalID: externalID,
			Field:      field,
			LocalValue: pair.local,
			CRMValue:   pair.remote,
			Strategy:   r.strategy,
			DetectedAt: now,
		})
		if err != nil {
			return nil, err
		}
		if created {
			r.logger.Warn().Str("external_id", externalID).Str("field", field).
				Str("local", pair.local).Str("crm", pair.remote).Msg("Write conflict detected")
			if r.bus != nil {
				_ = r.bus.PublishJSON(events.EventConflictDetected, events.ConflictEventPayload{
					ExternalID: externalID,
					Field:      field,
					Strategy:   r.strategy,
				})
			}
		}
	}

	return r.db.OpenConflictsForTask(ctx, externalID)
}

// Resolve settles one conflict with the given strategy. Manual is a no-op:
// the conflict stays queued for an operator. Merge delegates to a per-field
// winner table.
func (r *Resolver) Resolve(ctx context.Context, c models.Conflict, strategy string) error {
	if strategy == models.StrategyManual {
		return nil
	}
	if strategy == models.StrategyMerge {
		strategy = mergeWinner(c.Field)
	}

	switch strategy {
	case models.StrategyCRMWins:
		if err := r.applyCRMValue(ctx, c); err != nil {
			return err
		}
	case models.StrategyLocalWins:
		prop, ok := crm.PropertyFor(c.Field)
		if !ok {
			return fmt.Errorf("no CRM property for field %q", c.Field)
		}
		if err := r.client.PatchTask(ctx, c.ExternalID, map[string]string{prop: c.LocalValue}); err != nil {
			return fmt.Errorf("push local value %s.%s: %w", c.ExternalID, c.Field, err)
		}
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}

	if err := r.db.ResolveConflict(ctx, c.ID, strategy); err != nil {
		return err
	}
	r.logger.Info().Str("external_id", c.ExternalID).Str("field", c.Field).
		Str("strategy", strategy).Msg("Conflict resolved")

	remaining, err := r.db.OpenConflictsForTask(ctx, c.ExternalID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return r.db.ClearPendingPush(ctx, c.ExternalID)
	}
	return nil
}

// AutoResolve is the timer pass: detect conflicts on every locally-modified
// row, then settle all non-manual ones with their recorded strategy.
// Returns how many conflicts were settled; per-conflict errors are logged
// and the pass continues, returning the last error seen.
func (r *Resolver) AutoResolve(ctx context.Context) (int, error) {
	baseline, err := r.db.LastCompletedExecution(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	modified, err := r.db.GetTasksModifiedSince(ctx, baseline.StartedAt)
	if err != nil {
		return 0, err
	}
	var lastErr error
	for i := range modified {
		if _, err := r.Detect(ctx, modified[i].ExternalID); err != nil {
			r.logger.Error().Err(err).Str("external_id", modified[i].ExternalID).Msg("Conflict detection failed")
			lastErr = err
		}
	}

	open, err := r.db.OpenConflicts(ctx)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, c := range open {
		if c.Strategy == models.StrategyManual {
			continue
		}
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if err := r.Resolve(ctx, c, c.Strategy); err != nil {
			r.logger.Error().Err(err).Str("external_id", c.ExternalID).Str("field", c.Field).
				Msg("Conflict resolution failed")
			lastErr = err
			continue
		}
		resolved++
	}
	return resolved, lastErr
}

func (r *Resolver) applyCRMValue(ctx context.Context, c models.Conflict) error {
	var value interface{} = c.CRMValue
	if c.Field == crm.FieldDueAt {
		if c.CRMValue == "" {
			value = nil
		} else {
			t, err := time.Parse(time.RFC3339, c.CRMValue)
			if err != nil {
				return fmt.Errorf("bad due timestamp %q: %w", c.CRMValue, err)
			}
			value = t.UTC()
		}
	}
	return r.db.ApplyCRMField(ctx, c.ExternalID, c.Field, value)
}

// mergeWinner is the field-level merge policy: the CRM owns content and
// scheduling, the local side owns assignment.
func mergeWinner(field string) string {
	if field == crm.FieldOwner {
		return models.StrategyLocalWins
	}
	return models.StrategyCRMWins
}

type valuePair struct {
	local  string
	remote string
}

func fieldValues(local, remote *models.MirrorTask) map[string]valuePair {
	return map[string]valuePair{
		crm.FieldSubject: {local.Subject, remote.Subject},
		crm.FieldStatus:  {local.Status, remote.Status},
		crm.FieldDueAt:   {formatDue(local.DueAt), formatDue(remote.DueAt)},
		crm.FieldOwner:   {local.OwnerID, remote.OwnerID},
	}
}

func formatDue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return crm.FormatTime(*t)
}
