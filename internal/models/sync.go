package models

import "time"

const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"

	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusSkipped   = "skipped" // pause flag was set, run was a no-op
)

// SyncExecution is the bookkeeping row for one sync run. Append-only, pruned
// by age.
type SyncExecution struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"` // uuid, correlates log lines and attempts
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMS int64      `json:"duration_ms"`
	Added      int        `json:"added"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Cursor     *time.Time `json:"cursor"`
	Error      string     `json:"error"`
}

const (
	AttemptActionUpsert  = "upsert"
	AttemptActionDelete  = "delete"
	AttemptActionArchive = "archive"
	AttemptActionCreate  = "create"
	AttemptActionWebhook = "webhook_delete"
	AttemptActionPush    = "push"

	AttemptStatusOK      = "ok"
	AttemptStatusFailed  = "failed"
	AttemptStatusSkipped = "skipped"
)

// TaskSyncAttempt records one touch of one external id within an execution
// or webhook event. Ids with repeated failures surface as operator issues.
type TaskSyncAttempt struct {
	ID          int64     `json:"id"`
	ExecutionID int64     `json:"execution_id"` // 0 for webhook-path attempts
	ExternalID  string    `json:"external_id"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Error       string    `json:"error"`
	Attempt     int       `json:"attempt"`
	CreatedAt   time.Time `json:"created_at"`
}

// SyncControl is the singleton operational gate read at the start of every
// run. CursorOverride, when set, takes precedence over the stored cursor.
type SyncControl struct {
	IsPaused       bool       `json:"is_paused"`
	CursorOverride *time.Time `json:"cursor_override"`
	Notes          string     `json:"notes"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PushTask is a queued outbound CRM write that failed its first synchronous
// attempt and is retried by the push worker.
type PushTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	ExternalID  string     `json:"external_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
