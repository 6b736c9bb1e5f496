package database

import (
	"context"
	"testing"
	"time"

	"taskmirror/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertTaskFromCRM(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	task := testTask("101", base)
	inserted, err := db.UpsertTaskFromCRM(ctx, task)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same id again is an update, not an insert.
	task.Subject = "Updated subject"
	task.LastModified = base.Add(time.Minute)
	inserted, err = db.UpsertTaskFromCRM(ctx, task)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := db.GetTask(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "Updated subject", got.Subject)
}

func TestUpsertTaskStaleRecordLoses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newer := testTask("200", base.Add(time.Hour))
	newer.Subject = "newer"
	_, err := db.UpsertTaskFromCRM(ctx, newer)
	require.NoError(t, err)

	// A record observed by an earlier-cursor sync must not overwrite.
	stale := testTask("200", base)
	stale.Subject = "stale"
	_, err = db.UpsertTaskFromCRM(ctx, stale)
	require.NoError(t, err)

	got, err := db.GetTask(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Subject)
	assert.Equal(t, base.Add(time.Hour).Unix(), got.LastModified.Unix())
}

func TestMarkTaskDeletedIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertTaskFromCRM(ctx, testTask("300", time.Now()))
	require.NoError(t, err)

	changed, err := db.MarkTaskDeleted(ctx, "300")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.MarkTaskDeleted(ctx, "300")
	require.NoError(t, err)
	assert.False(t, changed)

	// Unknown id is not an error, just no change.
	changed, err = db.MarkTaskDeleted(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOrphanSelectionAndArchive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	orphan := testTask("400", now)
	orphan.ContactID = ""
	_, err := db.UpsertTaskFromCRM(ctx, orphan)
	require.NoError(t, err)

	linked := testTask("401", now)
	_, err = db.UpsertTaskFromCRM(ctx, linked)
	require.NoError(t, err)

	deletedOrphan := testTask("402", now)
	deletedOrphan.ContactID = ""
	_, err = db.UpsertTaskFromCRM(ctx, deletedOrphan)
	require.NoError(t, err)
	_, err = db.MarkTaskDeleted(ctx, "402")
	require.NoError(t, err)

	orphans, err := db.GetOrphanTasks(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "400", orphans[0].ExternalID)

	require.NoError(t, db.ArchiveTasks(ctx, []string{"400"}))
	orphans, err = db.GetOrphanTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestWipeAndBatchInsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	batch := []models.MirrorTask{*testTask("1", now), *testTask("2", now), *testTask("3", now)}
	require.NoError(t, db.InsertTasksBatch(ctx, batch))

	n, err := db.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, db.WipeTasks(ctx))
	n, err = db.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLocalMutationsSetPendingPush(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertTaskFromCRM(ctx, testTask("500", time.Now()))
	require.NoError(t, err)

	require.NoError(t, db.UpdateTaskOwner(ctx, "500", "owner-9", true))
	got, err := db.GetTask(ctx, "500")
	require.NoError(t, err)
	assert.Equal(t, "owner-9", got.OwnerID)
	assert.True(t, got.PendingPush)
	assert.False(t, got.LocalUpdatedAt.IsZero())

	require.NoError(t, db.ClearPendingPush(ctx, "500"))
	got, err = db.GetTask(ctx, "500")
	require.NoError(t, err)
	assert.False(t, got.PendingPush)

	assert.ErrorIs(t, db.UpdateTaskOwner(ctx, "missing", "owner-9", true), ErrNotFound)
}

func TestUpsertPreservesLocalEditsUnderPendingPush(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := db.UpsertTaskFromCRM(ctx, testTask("700", base))
	require.NoError(t, err)

	// Local completion not yet pushed to the CRM.
	completedAt := base.Add(time.Minute)
	require.NoError(t, db.UpdateTaskStatusLocal(ctx, "700", models.TaskStatusCompleted, &completedAt, true))
	require.NoError(t, db.UpdateTaskOwner(ctx, "700", "owner-local", true))

	// A newer CRM record arrives before the push lands. It must not clobber
	// the locally mutated columns, or the divergence would never surface as
	// a conflict.
	remote := testTask("700", base.Add(time.Hour))
	remote.Subject = "Remote subject edit"
	remote.OwnerID = "owner-remote"
	_, err = db.UpsertTaskFromCRM(ctx, remote)
	require.NoError(t, err)

	got, err := db.GetTask(ctx, "700")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "owner-local", got.OwnerID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt.Unix(), got.CompletedAt.Unix())
	assert.True(t, got.PendingPush)
	// Columns the CRM owns still advance.
	assert.Equal(t, "Remote subject edit", got.Subject)
	assert.Equal(t, base.Add(time.Hour).Unix(), got.LastModified.Unix())

	// Once the push clears the flag, the next sync may overwrite again.
	require.NoError(t, db.ClearPendingPush(ctx, "700"))
	later := testTask("700", base.Add(2*time.Hour))
	later.Status = models.TaskStatusNotStarted
	later.OwnerID = "owner-remote"
	_, err = db.UpsertTaskFromCRM(ctx, later)
	require.NoError(t, err)

	got, err = db.GetTask(ctx, "700")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusNotStarted, got.Status)
	assert.Equal(t, "owner-remote", got.OwnerID)
}

func TestTaskExistsForRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := testTask("600", time.Now())
	task.CreatedByRunID = 42
	require.NoError(t, db.InsertMirrorTask(ctx, task))

	id, ok, err := db.TaskExistsForRun(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "600", id)

	_, ok, err = db.TaskExistsForRun(ctx, 43)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaxLastModified(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Empty mirror yields the zero time.
	cursor, err := db.MaxLastModified(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)
	_, err = db.UpsertTaskFromCRM(ctx, testTask("700", t1))
	require.NoError(t, err)
	_, err = db.UpsertTaskFromCRM(ctx, testTask("701", t2))
	require.NoError(t, err)

	cursor, err = db.MaxLastModified(ctx)
	require.NoError(t, err)
	assert.Equal(t, t2.Unix(), cursor.Unix())
}
