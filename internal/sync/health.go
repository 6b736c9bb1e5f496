package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmirror/internal/database"
	"taskmirror/internal/metrics"
	"taskmirror/internal/models"
)

// Health thresholds. Critical means the mirror can no longer be trusted as
// fresh; warning means someone should look before it gets there.
const (
	lastSyncWarnAge    = 10 * time.Minute
	lastSyncCritAge    = 30 * time.Minute
	failureRateWarn    = 0.10
	failureRateCrit    = 0.50
	healthLookbackSpan = 24 * time.Hour
)

// HealthReport is the aggregate state exposed on the health endpoint.
type HealthReport struct {
	Status       string     `json:"status"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	LastSyncAge  string     `json:"last_sync_age,omitempty"`
	FailureRate  float64    `json:"failure_rate_24h"`
	RunsTotal    int        `json:"runs_24h"`
	RunningCount int        `json:"running_count"`
	TaskCount    int        `json:"task_count"`
	FlaggedTasks []string   `json:"flagged_tasks"`
	ComputedAt   time.Time  `json:"computed_at"`
}

// ComputeHealth derives the health status from the trailing 24h of
// bookkeeping. Failures never propagate to callers of the sync engine, so
// this is how they surface.
func ComputeHealth(ctx context.Context, db *database.DB, now time.Time) (*HealthReport, error) {
	report := &HealthReport{Status: models.HealthOK, ComputedAt: now}

	last, err := db.LastCompletedExecution(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("last completed execution: %w", err)
	}
	if last != nil && last.FinishedAt != nil {
		report.LastSyncAt = last.FinishedAt
		age := now.Sub(*last.FinishedAt)
		report.LastSyncAge = age.Round(time.Second).String()
		metrics.SetLastSyncAge(age.Seconds())
	}

	recent, err := db.RecentExecutions(ctx, now.Add(-healthLookbackSpan))
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	failed := 0
	counted := 0
	for _, exec := range recent {
		switch exec.Status {
		case models.SyncStatusFailed:
			failed++
			counted++
		case models.SyncStatusCompleted:
			counted++
		}
		// Skipped and running rows stay out of the rate.
	}
	report.RunsTotal = counted
	if counted > 0 {
		report.FailureRate = float64(failed) / float64(counted)
	}

	report.RunningCount, err = db.CountRunningExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	report.TaskCount, err = db.CountTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	report.FlaggedTasks, err = db.FlaggedExternalIDs(ctx, models.FailureFlagThreshold, now.Add(-healthLookbackSpan))
	if err != nil {
		return nil, fmt.Errorf("flagged ids: %w", err)
	}

	report.Status = healthStatus(report, now)
	return report, nil
}

func healthStatus(report *HealthReport, now time.Time) string {
	age := time.Duration(0)
	if report.LastSyncAt != nil {
		age = now.Sub(*report.LastSyncAt)
	}

	switch {
	case report.LastSyncAt == nil && report.RunsTotal > 0:
		// Runs happened but none completed.
		return models.HealthCritical
	case age > lastSyncCritAge, report.FailureRate > failureRateCrit:
		return models.HealthCritical
	case age > lastSyncWarnAge, report.FailureRate > failureRateWarn:
		return models.HealthWarning
	default:
		return models.HealthOK
	}
}
