package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmirror/internal/database"
	"taskmirror/internal/models"
	"taskmirror/internal/worker"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakePatcher struct {
	err   error
	calls []map[string]string
}

func (f *fakePatcher) PatchTask(ctx context.Context, externalID string, properties map[string]string) error {
	f.calls = append(f.calls, properties)
	return f.err
}

type enqueueCall struct {
	taskType   string
	externalID string
	properties map[string]string
}

type fakeQueue struct {
	calls []enqueueCall
}

func (f *fakeQueue) Enqueue(ctx context.Context, taskType, externalID string, properties map[string]string) error {
	f.calls = append(f.calls, enqueueCall{taskType: taskType, externalID: externalID, properties: properties})
	return nil
}

func seedTask(t *testing.T, db *database.DB, externalID string) {
	t.Helper()
	_, err := db.UpsertTaskFromCRM(context.Background(), &models.MirrorTask{
		ExternalID:   externalID,
		Subject:      "Call customer",
		Status:       models.TaskStatusNotStarted,
		OwnerID:      "o-1",
		LastModified: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
}

func newService(db *database.DB, patcher *fakePatcher, queue *fakeQueue) *TaskService {
	return NewTaskService(db, patcher, queue, zerolog.New(io.Discard))
}

func TestAssignConfirmed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{}
	queue := &fakeQueue{}
	s := newService(db, patcher, queue)

	require.NoError(t, s.Assign(ctx, "t-1", "o-2"))

	require.Len(t, patcher.calls, 1)
	assert.Equal(t, map[string]string{"owner_id": "o-2"}, patcher.calls[0])
	assert.Empty(t, queue.calls)

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "o-2", task.OwnerID)
	assert.False(t, task.PendingPush)
}

func TestAssignFallsBackToPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{err: errors.New("network down")}
	queue := &fakeQueue{}
	s := newService(db, patcher, queue)

	require.NoError(t, s.Assign(ctx, "t-1", "o-2"), "a failed CRM write is not an operation failure")

	require.Len(t, queue.calls, 1)
	assert.Equal(t, worker.TaskAssign, queue.calls[0].taskType)
	assert.Equal(t, "t-1", queue.calls[0].externalID)
	assert.Equal(t, map[string]string{"owner_id": "o-2"}, queue.calls[0].properties)

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "o-2", task.OwnerID, "optimistic local state")
	assert.True(t, task.PendingPush)

	n, err := db.CountAttempts(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssignValidation(t *testing.T) {
	db := newTestDB(t)
	s := newService(db, &fakePatcher{}, &fakeQueue{})

	assert.ErrorIs(t, s.Assign(context.Background(), "t-1", ""), ErrEmptyOwner)
	assert.ErrorIs(t, s.Assign(context.Background(), "missing", "o-2"), database.ErrNotFound)
}

func TestCompleteStampsTime(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{}
	s := newService(db, patcher, &fakeQueue{})

	require.NoError(t, s.Complete(ctx, "t-1"))

	require.Len(t, patcher.calls, 1)
	assert.Equal(t, models.TaskStatusCompleted, patcher.calls[0]["task_status"])
	assert.NotEmpty(t, patcher.calls[0]["task_completed_at"])

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.WithinDuration(t, time.Now(), *task.CompletedAt, 5*time.Second)
}

func TestDeleteIsLogical(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{}
	s := newService(db, patcher, &fakeQueue{})

	require.NoError(t, s.Delete(ctx, "t-1"))

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeleted, task.Status)
	assert.Equal(t, models.TaskStatusDeleted, patcher.calls[0]["task_status"])
}

func TestRetryClearsPendingOnSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	failing := &fakePatcher{err: errors.New("network down")}
	queue := &fakeQueue{}
	require.NoError(t, newService(db, failing, queue).Assign(ctx, "t-1", "o-2"))

	patcher := &fakePatcher{}
	s := newService(db, patcher, queue)
	require.NoError(t, s.Retry(ctx, "t-1"))

	require.Len(t, patcher.calls, 1)
	assert.Equal(t, "o-2", patcher.calls[0]["owner_id"])
	assert.Equal(t, models.TaskStatusNotStarted, patcher.calls[0]["task_status"])

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, task.PendingPush)
}

func TestRetryIsNoopWithoutPending(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{}
	s := newService(db, patcher, &fakeQueue{})

	require.NoError(t, s.Retry(context.Background(), "t-1"))
	assert.Empty(t, patcher.calls)
}

func TestSkipLeavesNoCompletionTime(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "t-1")
	patcher := &fakePatcher{}
	s := newService(db, patcher, &fakeQueue{})

	require.NoError(t, s.Skip(ctx, "t-1"))

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Nil(t, task.CompletedAt)
	_, hasStamp := patcher.calls[0]["task_completed_at"]
	assert.False(t, hasStamp)
}
