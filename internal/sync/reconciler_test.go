package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/models"
	"taskmirror/internal/repository"
)

const testObjectType = "0-27"

type fakeArchiver struct {
	calls     [][]string
	failCalls map[int]bool
}

func (f *fakeArchiver) BatchArchiveTasks(ctx context.Context, ids []string) error {
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), ids...))
	if f.failCalls[call] {
		return errors.New("archive rejected")
	}
	return nil
}

func newReconciler(db *database.DB, archiver TaskArchiver) *DeletionReconciler {
	return NewDeletionReconciler(db, archiver, repository.NewMemoryDedupStore(), nil,
		testObjectType, zerolog.New(io.Discard))
}

func deleteEvent(eventID, objectID string) crm.WebhookEvent {
	return crm.WebhookEvent{
		EventID:      eventID,
		ObjectID:     objectID,
		ObjectTypeID: testObjectType,
		ChangeFlag:   crm.ChangeFlagDeleted,
		OccurredAt:   time.Now(),
	}
}

func seedTask(t *testing.T, db *database.DB, id, contactID string) {
	t.Helper()
	task := models.MirrorTask{
		ExternalID:   id,
		Subject:      "task " + id,
		Status:       models.TaskStatusNotStarted,
		ContactID:    contactID,
		LastModified: time.Now().Add(-time.Hour),
	}
	require.NoError(t, db.InsertMirrorTask(context.Background(), &task))
}

func TestHandleDeletionEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "42", "c-1")

	rec := newReconciler(db, &fakeArchiver{})
	require.NoError(t, rec.HandleDeletionEvents(ctx, []crm.WebhookEvent{deleteEvent("evt-1", "42")}))

	task, err := db.GetTask(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeleted, task.Status)

	count, err := db.CountAttempts(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleDeletionEventsDuplicateDelivery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "42", "c-1")

	rec := newReconciler(db, &fakeArchiver{})
	event := deleteEvent("evt-1", "42")
	require.NoError(t, rec.HandleDeletionEvents(ctx, []crm.WebhookEvent{event, event}))
	require.NoError(t, rec.HandleDeletionEvents(ctx, []crm.WebhookEvent{event}))

	// One applied delivery, one attempt row; duplicates leave no trace.
	count, err := db.CountAttempts(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedeliveredDeletionAppliesAfterFailedApply(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedTask(t, db, "42", "c-1")

	logger := zerolog.New(io.Discard)
	brokenDB, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	require.NoError(t, brokenDB.Close())

	dedup := repository.NewMemoryDedupStore()
	event := deleteEvent("evt-1", "42")

	// First delivery hits a database outage and the apply fails.
	failing := NewDeletionReconciler(brokenDB, &fakeArchiver{}, dedup, nil, testObjectType, zerolog.New(io.Discard))
	require.NoError(t, failing.HandleDeletionEvents(ctx, []crm.WebhookEvent{event}))

	task, err := db.GetTask(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusNotStarted, task.Status)

	// The sender redelivers the same event id. A failed apply must not have
	// consumed the dedup marker, or the deletion is lost for good.
	healthy := NewDeletionReconciler(db, &fakeArchiver{}, dedup, nil, testObjectType, zerolog.New(io.Discard))
	require.NoError(t, healthy.HandleDeletionEvents(ctx, []crm.WebhookEvent{event}))

	task, err = db.GetTask(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeleted, task.Status)
}

func TestHandleDeletionEventsUnknownID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := newReconciler(db, &fakeArchiver{})
	require.NoError(t, rec.HandleDeletionEvents(ctx, []crm.WebhookEvent{deleteEvent("evt-1", "ghost")}))

	// Recorded but otherwise ignored; sync reconciles it if it ever shows up.
	count, err := db.CountAttempts(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, err = db.GetTask(ctx, "ghost")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestHandleDeletionEventsFiltersOtherObjectTypes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTask(t, db, "42", "c-1")

	event := deleteEvent("evt-1", "42")
	event.ObjectTypeID = "0-1"
	rec := newReconciler(db, &fakeArchiver{})
	require.NoError(t, rec.HandleDeletionEvents(ctx, []crm.WebhookEvent{event}))

	task, err := db.GetTask(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusNotStarted, task.Status)
}

func TestSweepOrphans(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seedTask(t, db, "o-1", "")
	seedTask(t, db, "o-2", "")
	seedTask(t, db, "linked", "c-1")

	archiver := &fakeArchiver{}
	rec := newReconciler(db, archiver)

	archived, err := rec.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)
	require.Len(t, archiver.calls, 1)
	assert.ElementsMatch(t, []string{"o-1", "o-2"}, archiver.calls[0])

	// Archived locally only after the external call confirmed.
	task, err := db.GetTask(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, task.Archived)

	// Idempotent: nothing left to sweep.
	archived, err = rec.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
	assert.Len(t, archiver.calls, 1)
}

func TestSweepOrphansBatchFailureDoesNotBlockRest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var batch []models.MirrorTask
	for i := 0; i < models.CRMBatchSize+20; i++ {
		batch = append(batch, models.MirrorTask{
			ExternalID:   fmt.Sprintf("o-%03d", i),
			Status:       models.TaskStatusNotStarted,
			LastModified: time.Now().Add(-time.Hour),
		})
	}
	require.NoError(t, db.InsertTasksBatch(ctx, batch))

	archiver := &fakeArchiver{failCalls: map[int]bool{0: true}}
	rec := newReconciler(db, archiver)

	archived, err := rec.SweepOrphans(ctx)
	require.Error(t, err)
	assert.Equal(t, 20, archived)
	require.Len(t, archiver.calls, 2)
	assert.Len(t, archiver.calls[0], models.CRMBatchSize)
	assert.Len(t, archiver.calls[1], 20)

	// The failed batch stays eligible for the next sweep.
	archiver2 := &fakeArchiver{}
	rec2 := newReconciler(db, archiver2)
	archived, err = rec2.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CRMBatchSize, archived)
}
