package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/models"
	"taskmirror/internal/worker"
)

var ErrEmptyOwner = errors.New("owner id required")

// TaskPatcher is the slice of the CRM client the write path needs.
type TaskPatcher interface {
	PatchTask(ctx context.Context, externalID string, properties map[string]string) error
}

// PushEnqueuer hands a failed CRM write to the push worker for durable retry.
type PushEnqueuer interface {
	Enqueue(ctx context.Context, taskType, externalID string, properties map[string]string) error
}

// TaskService exposes the write operations the display layer invokes on
// mirrored tasks. Every operation patches the CRM first; the mirror is
// updated as confirmed on success. When the CRM call fails, the mirror
// takes the change optimistically with pending_push set and the write is
// queued for the push worker, to be reconciled by a later incremental sync.
type TaskService struct {
	db     *database.DB
	client TaskPatcher
	queue  PushEnqueuer
	logger zerolog.Logger
}

func NewTaskService(db *database.DB, client TaskPatcher, queue PushEnqueuer, logger zerolog.Logger) *TaskService {
	return &TaskService{
		db:     db,
		client: client,
		queue:  queue,
		logger: logger.With().Str("component", "task_service").Logger(),
	}
}

// Assign sets the task's owner.
func (s *TaskService) Assign(ctx context.Context, externalID, ownerID string) error {
	if ownerID == "" {
		return ErrEmptyOwner
	}
	if _, err := s.db.GetTask(ctx, externalID); err != nil {
		return err
	}

	prop, _ := crm.PropertyFor(crm.FieldOwner)
	props := map[string]string{prop: ownerID}
	pending := s.pushExternal(ctx, worker.TaskAssign, externalID, props)
	if err := s.db.UpdateTaskOwner(ctx, externalID, ownerID, pending); err != nil {
		return err
	}
	s.logOp("assign", externalID, pending)
	return nil
}

// Complete marks the task done, stamping the completion time.
func (s *TaskService) Complete(ctx context.Context, externalID string) error {
	now := time.Now().UTC()
	return s.setStatus(ctx, worker.TaskComplete, externalID, models.TaskStatusCompleted, &now)
}

// Delete logically deletes the task. The row is kept; status DELETED is the
// terminal state the rest of the system understands.
func (s *TaskService) Delete(ctx context.Context, externalID string) error {
	return s.setStatus(ctx, worker.TaskDelete, externalID, models.TaskStatusDeleted, nil)
}

// Skip dismisses a task without doing it: completed status, no completion
// timestamp, so reporting can tell skipped from done.
func (s *TaskService) Skip(ctx context.Context, externalID string) error {
	return s.setStatus(ctx, worker.TaskSkip, externalID, models.TaskStatusCompleted, nil)
}

// Retry re-pushes a pending row's local state to the CRM, the manual
// affordance for flagged tasks. Clears pending on confirmed success.
func (s *TaskService) Retry(ctx context.Context, externalID string) error {
	task, err := s.db.GetTask(ctx, externalID)
	if err != nil {
		return err
	}
	if !task.PendingPush {
		return nil
	}

	statusProp, _ := crm.PropertyFor(crm.FieldStatus)
	ownerProp, _ := crm.PropertyFor(crm.FieldOwner)
	props := map[string]string{
		statusProp: task.Status,
		ownerProp:  task.OwnerID,
	}
	if task.CompletedAt != nil {
		completedProp, _ := crm.PropertyFor(crm.FieldCompletedAt)
		props[completedProp] = crm.FormatTime(*task.CompletedAt)
	}

	if err := s.client.PatchTask(ctx, externalID, props); err != nil {
		s.recordAttempt(ctx, externalID, models.AttemptStatusFailed, err)
		return err
	}
	s.recordAttempt(ctx, externalID, models.AttemptStatusOK, nil)
	return s.db.ClearPendingPush(ctx, externalID)
}

func (s *TaskService) setStatus(ctx context.Context, op, externalID, status string, completedAt *time.Time) error {
	if _, err := s.db.GetTask(ctx, externalID); err != nil {
		return err
	}

	statusProp, _ := crm.PropertyFor(crm.FieldStatus)
	props := map[string]string{statusProp: status}
	if completedAt != nil {
		completedProp, _ := crm.PropertyFor(crm.FieldCompletedAt)
		props[completedProp] = crm.FormatTime(*completedAt)
	}

	pending := s.pushExternal(ctx, op, externalID, props)
	if err := s.db.UpdateTaskStatusLocal(ctx, externalID, status, completedAt, pending); err != nil {
		return err
	}
	s.logOp(op, externalID, pending)
	return nil
}

// pushExternal attempts the CRM write and reports whether the mirror row
// must be marked pending. A failure never fails the operation: the local
// state carries it and the push worker retries.
func (s *TaskService) pushExternal(ctx context.Context, op, externalID string, props map[string]string) (pending bool) {
	if err := s.client.PatchTask(ctx, externalID, props); err != nil {
		s.logger.Warn().Err(err).Str("external_id", externalID).Str("op", op).
			Msg("CRM write failed, queued for push worker")
		if qErr := s.queue.Enqueue(ctx, op, externalID, props); qErr != nil {
			s.logger.Error().Err(qErr).Str("external_id", externalID).Msg("Failed to enqueue push task")
		}
		s.recordAttempt(ctx, externalID, models.AttemptStatusFailed, err)
		return true
	}
	s.recordAttempt(ctx, externalID, models.AttemptStatusOK, nil)
	return false
}

func (s *TaskService) recordAttempt(ctx context.Context, externalID, status string, cause error) {
	attempt := &models.TaskSyncAttempt{
		ExternalID: externalID,
		Action:     models.AttemptActionPush,
		Status:     status,
	}
	if cause != nil {
		attempt.Error = cause.Error()
	}
	if err := s.db.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record push attempt")
	}
}

func (s *TaskService) logOp(op, externalID string, pending bool) {
	s.logger.Info().Str("op", op).Str("external_id", externalID).Bool("pending", pending).
		Msg("Task operation applied")
}
