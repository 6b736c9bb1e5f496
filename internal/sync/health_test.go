package sync

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmirror/internal/database"
	"taskmirror/internal/models"
)

func finishExec(t *testing.T, db *database.DB, syncType, status string) *models.SyncExecution {
	t.Helper()
	ctx := context.Background()
	exec, err := db.StartExecution(ctx, syncType)
	require.NoError(t, err)
	exec.Status = status
	require.NoError(t, db.FinishExecution(ctx, exec))
	return exec
}

func TestHealthFreshInstall(t *testing.T) {
	db := newTestDB(t)

	report, err := ComputeHealth(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.HealthOK, report.Status)
	assert.Nil(t, report.LastSyncAt)
	assert.Zero(t, report.FailureRate)
}

func TestHealthOKAfterRecentSync(t *testing.T) {
	db := newTestDB(t)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)

	report, err := ComputeHealth(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.HealthOK, report.Status)
	require.NotNil(t, report.LastSyncAt)
	assert.Equal(t, 1, report.RunsTotal)
}

func TestHealthWarningOnStaleSync(t *testing.T) {
	db := newTestDB(t)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)

	// Evaluate 15 minutes in the future: past the warning age, short of critical.
	report, err := ComputeHealth(context.Background(), db, time.Now().Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.HealthWarning, report.Status)
}

func TestHealthCriticalOnVeryStaleSync(t *testing.T) {
	db := newTestDB(t)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)

	report, err := ComputeHealth(context.Background(), db, time.Now().Add(45*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.HealthCritical, report.Status)
}

func TestHealthFailureRates(t *testing.T) {
	db := newTestDB(t)

	// 1 failure out of 4 counted runs: 25%, warning territory.
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusFailed)
	// Skipped runs stay out of the rate.
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusSkipped)

	report, err := ComputeHealth(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, report.RunsTotal)
	assert.InDelta(t, 0.25, report.FailureRate, 0.001)
	assert.Equal(t, models.HealthWarning, report.Status)

	// Push past 50%: critical.
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusFailed)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusFailed)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusFailed)

	report, err = ComputeHealth(context.Background(), db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.HealthCritical, report.Status)
}

func TestHealthFlagsRepeatedFailures(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)

	for i := 0; i < models.FailureFlagThreshold; i++ {
		require.NoError(t, db.RecordAttempt(ctx, &models.TaskSyncAttempt{
			ExternalID: "flaky",
			Action:     models.AttemptActionUpsert,
			Status:     models.AttemptStatusFailed,
			Error:      "boom",
		}))
	}
	require.NoError(t, db.RecordAttempt(ctx, &models.TaskSyncAttempt{
		ExternalID: "healthy",
		Action:     models.AttemptActionUpsert,
		Status:     models.AttemptStatusOK,
	}))

	report, err := ComputeHealth(ctx, db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, report.FlaggedTasks)
}

func TestCleanupOldData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	exec := finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)
	// Age the row past retention.
	_, err := db.ExecContext(ctx,
		`UPDATE sync_executions SET started_at = ? WHERE id = ?`,
		time.Now().AddDate(0, 0, -10), exec.ID)
	require.NoError(t, err)
	finishExec(t, db, models.SyncTypeIncremental, models.SyncStatusCompleted)

	require.NoError(t, CleanupOldData(ctx, db, models.DefaultRetentionDays, zerolog.New(io.Discard)))

	execs, err := db.RecentExecutions(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}
