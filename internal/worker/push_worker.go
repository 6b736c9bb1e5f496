package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/database"
	"taskmirror/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TaskAssign   = "assign"
	TaskComplete = "complete"
	TaskDelete   = "delete"
	TaskSkip     = "skip"
)

// CRMWriter is the slice of the CRM client the push worker needs.
type CRMWriter interface {
	PatchTask(ctx context.Context, externalID string, properties map[string]string) error
}

// pushPayload is persisted in PushTask.Payload as JSON.
type pushPayload struct {
	ExternalID string            `json:"external_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// PushWorker drains the push queue: local write operations whose synchronous
// CRM call failed are retried here until the CRM confirms them, then the
// mirror row's pending flag is cleared.
type PushWorker struct {
	db            *database.DB
	crm           CRMWriter
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.PushTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        zerolog.Logger
}

// NewPushWorker builds a worker with sane defaults.
func NewPushWorker(db *database.DB, crm CRMWriter, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *PushWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "push_worker").Logger()
	} else {
		log = zerolog.Nop()
	}

	return &PushWorker{
		db:            db,
		crm:           crm,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.PushTask, models.WorkerQueueSize),
		redisQueueKey: "crm:push",
		deadLetterKey: "crm:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        log,
	}
}

// Enqueue persists the write to the DB queue and schedules it via redis or
// the in-memory channel.
func (w *PushWorker) Enqueue(ctx context.Context, taskType, externalID string, properties map[string]string) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if externalID == "" {
		return errors.New("external id is required")
	}

	payloadBytes, err := json.Marshal(pushPayload{ExternalID: externalID, Properties: properties})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	pushTask := models.PushTask{
		TaskType:   taskType,
		ExternalID: externalID,
		Payload:    string(payloadBytes),
		Status:     "pending",
	}

	if err := w.db.CreatePushTask(ctx, &pushTask); err != nil {
		return fmt.Errorf("persist push task: %w", err)
	}

	// Try redis first for durability.
	if w.redis != nil {
		if err := w.pushRedis(ctx, pushTask); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	// Fallback to in-memory queue if redis missing or failed.
	select {
	case w.queue <- pushTask:
	default:
		w.logger.Warn().Int64("task_id", pushTask.ID).Msg("in-memory queue full, task dropped to polling")
	}

	return nil
}

// Start launches the main loop; stops when ctx is done.
func (w *PushWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("push worker started")
	defer w.logger.Info().Msg("push worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.db.GetPendingPushTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending push tasks")
			time.Sleep(w.pollInterval)
			continue
		}
		if len(tasks) == 0 {
			time.Sleep(w.pollInterval)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *PushWorker) tryLocalQueue() (models.PushTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.PushTask{}, false
	}
}

func (w *PushWorker) tryRedis(ctx context.Context) (models.PushTask, bool) {
	if w.redis == nil {
		return models.PushTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return models.PushTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		return models.PushTask{}, false
	}
	if len(res) != 2 {
		return models.PushTask{}, false
	}
	var task models.PushTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis push task")
		return models.PushTask{}, false
	}
	return task, true
}

func (w *PushWorker) processTask(ctx context.Context, task *models.PushTask) {
	payload, err := w.decodePayload(task.Payload)
	if err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := w.handlePushTask(ctx, task.TaskType, payload); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.db.UpdatePushTaskStatus(ctx, task.ID, "completed", "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark push task completed")
	}
	if err := w.db.ClearPendingPush(ctx, payload.ExternalID); err != nil {
		w.logger.Error().Err(err).Str("external_id", payload.ExternalID).Msg("clear pending flag")
	}
	w.recordAttempt(ctx, task, models.AttemptStatusOK, "")
}

func (w *PushWorker) handlePushTask(ctx context.Context, taskType string, payload pushPayload) error {
	switch taskType {
	case TaskAssign, TaskComplete, TaskDelete, TaskSkip:
		if len(payload.Properties) == 0 {
			return errors.New("properties missing")
		}
		return w.crm.PatchTask(ctx, payload.ExternalID, payload.Properties)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (w *PushWorker) retryOrFail(ctx context.Context, task *models.PushTask, cause error) {
	attempt := task.RetryCount + 1
	w.recordAttempt(ctx, task, models.AttemptStatusFailed, cause.Error())

	if attempt >= w.retryPolicy.MaxRetries {
		if err := w.db.UpdatePushTaskStatus(ctx, task.ID, "failed", cause.Error(), nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark push task failed")
		}
		w.pushDeadLetter(ctx, task)
		return
	}

	nextDelay := w.retryPolicy.NextDelay(attempt)
	nextTime := time.Now().Add(nextDelay)
	if err := w.db.UpdatePushTaskStatus(ctx, task.ID, "retry", cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark push task retry")
	}
}

func (w *PushWorker) failTask(ctx context.Context, task *models.PushTask, err error) {
	if uerr := w.db.UpdatePushTaskStatus(ctx, task.ID, "failed", err.Error(), nil); uerr != nil {
		w.logger.Error().Err(uerr).Int64("task_id", task.ID).Msg("mark push task failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *PushWorker) recordAttempt(ctx context.Context, task *models.PushTask, status, errMsg string) {
	err := w.db.RecordAttempt(ctx, &models.TaskSyncAttempt{
		ExternalID: task.ExternalID,
		Action:     models.AttemptActionPush,
		Status:     status,
		Error:      errMsg,
		Attempt:    task.RetryCount + 1,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("external_id", task.ExternalID).Msg("record push attempt")
	}
}

func (w *PushWorker) decodePayload(raw string) (pushPayload, error) {
	var payload pushPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func (w *PushWorker) pushRedis(ctx context.Context, task models.PushTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *PushWorker) pushDeadLetter(ctx context.Context, task *models.PushTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
