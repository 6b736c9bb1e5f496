package conflict

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/events"
	"taskmirror/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type patchCall struct {
	externalID string
	properties map[string]string
}

type fakeCRM struct {
	remote  map[string]models.MirrorTask
	reads   int
	patches []patchCall
}

func (f *fakeCRM) BatchReadTasks(ctx context.Context, ids []string) ([]crm.TaskRecord, error) {
	f.reads++
	var out []crm.TaskRecord
	for _, id := range ids {
		if task, ok := f.remote[id]; ok {
			out = append(out, crm.TaskRecord{ID: id, Task: task})
		}
	}
	return out, nil
}

func (f *fakeCRM) PatchTask(ctx context.Context, externalID string, properties map[string]string) error {
	f.patches = append(f.patches, patchCall{externalID: externalID, properties: properties})
	return nil
}

// seedSyncedTask mirrors a CRM task and books a completed sync so conflict
// detection has a baseline window.
func seedSyncedTask(t *testing.T, db *database.DB, task models.MirrorTask) {
	t.Helper()
	ctx := context.Background()
	if task.LastModified.IsZero() {
		task.LastModified = time.Now().UTC().Add(-time.Hour)
	}
	_, err := db.UpsertTaskFromCRM(ctx, &task)
	require.NoError(t, err)

	exec, err := db.StartExecution(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)
	exec.Status = models.SyncStatusCompleted
	require.NoError(t, db.FinishExecution(ctx, exec))
}

func TestDetectOpensConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", Subject: "Call", OwnerID: "o-old"})
	require.NoError(t, db.UpdateTaskOwner(ctx, "t-1", "o-local", true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", Subject: "Call", OwnerID: "o-crm"},
	}}
	bus := events.NewEventBus()
	var flagged []events.ConflictEventPayload
	bus.Subscribe(events.EventConflictDetected, func(event *events.Event) error {
		var p events.ConflictEventPayload
		require.NoError(t, json.Unmarshal(event.Payload, &p))
		flagged = append(flagged, p)
		return nil
	})
	r := NewResolver(db, client, bus, models.StrategyCRMWins, zerolog.New(io.Discard))

	conflicts, err := r.Detect(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "owner_id", conflicts[0].Field)
	assert.Equal(t, "o-local", conflicts[0].LocalValue)
	assert.Equal(t, "o-crm", conflicts[0].CRMValue)
	assert.Equal(t, models.StrategyCRMWins, conflicts[0].Strategy)
	require.Len(t, flagged, 1)
	assert.Equal(t, "t-1", flagged[0].ExternalID)

	// Re-detection is idempotent and does not re-flag.
	conflicts, err = r.Detect(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
	assert.Len(t, flagged, 1)
}

func TestDetectSkipsUnmodifiedRows(t *testing.T) {
	db := newTestDB(t)
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", Subject: "Call"})
	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", Subject: "Renamed"},
	}}
	r := NewResolver(db, client, nil, models.StrategyCRMWins, zerolog.New(io.Discard))

	conflicts, err := r.Detect(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Zero(t, client.reads, "no CRM read without a local modification")
}

func TestResolveCRMWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", Status: models.TaskStatusNotStarted})
	require.NoError(t, db.UpdateTaskStatusLocal(ctx, "t-1", models.TaskStatusCompleted, nil, true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", Status: models.TaskStatusWaiting},
	}}
	r := NewResolver(db, client, nil, models.StrategyCRMWins, zerolog.New(io.Discard))

	conflicts, err := r.Detect(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, r.Resolve(ctx, conflicts[0], models.StrategyCRMWins))

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusWaiting, task.Status)
	assert.False(t, task.PendingPush, "pending cleared once every conflict is settled")
	assert.Empty(t, client.patches)

	open, err := db.OpenConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveLocalWinsPushesToCRM(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", OwnerID: "o-old"})
	require.NoError(t, db.UpdateTaskOwner(ctx, "t-1", "o-local", true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", OwnerID: "o-crm"},
	}}
	r := NewResolver(db, client, nil, models.StrategyLocalWins, zerolog.New(io.Discard))

	conflicts, err := r.Detect(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, r.Resolve(ctx, conflicts[0], models.StrategyLocalWins))

	require.Len(t, client.patches, 1)
	assert.Equal(t, "t-1", client.patches[0].externalID)
	assert.Equal(t, map[string]string{"owner_id": "o-local"}, client.patches[0].properties)

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "o-local", task.OwnerID)
	assert.False(t, task.PendingPush)
}

func TestResolveMergeSplitsByField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", Subject: "Call", OwnerID: "o-old", Status: models.TaskStatusNotStarted})
	require.NoError(t, db.UpdateTaskOwner(ctx, "t-1", "o-local", true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", Subject: "Renamed", OwnerID: "o-crm", Status: models.TaskStatusNotStarted},
	}}
	r := NewResolver(db, client, nil, models.StrategyMerge, zerolog.New(io.Discard))

	conflicts, err := r.Detect(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	for _, c := range conflicts {
		require.NoError(t, r.Resolve(ctx, c, models.StrategyMerge))
	}

	// The CRM keeps content, the local side keeps assignment.
	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", task.Subject)
	assert.Equal(t, "o-local", task.OwnerID)
	require.Len(t, client.patches, 1)
	assert.Equal(t, map[string]string{"owner_id": "o-local"}, client.patches[0].properties)
	assert.False(t, task.PendingPush)
}

func TestManualConflictsAccumulate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", OwnerID: "o-old"})
	require.NoError(t, db.UpdateTaskOwner(ctx, "t-1", "o-local", true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", OwnerID: "o-crm"},
	}}
	r := NewResolver(db, client, nil, models.StrategyManual, zerolog.New(io.Discard))

	resolved, err := r.AutoResolve(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	open, err := db.OpenConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.StrategyManual, open[0].Strategy)

	// A second pass neither duplicates nor drops the queued conflict.
	_, err = r.AutoResolve(ctx)
	require.NoError(t, err)
	open, err = db.OpenConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// The operator settles it explicitly.
	require.NoError(t, r.Resolve(ctx, open[0], models.StrategyCRMWins))
	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "o-crm", task.OwnerID)
}

func TestAutoResolvePass(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSyncedTask(t, db, models.MirrorTask{ExternalID: "t-1", Status: models.TaskStatusNotStarted})
	require.NoError(t, db.UpdateTaskStatusLocal(ctx, "t-1", models.TaskStatusCompleted, nil, true))

	client := &fakeCRM{remote: map[string]models.MirrorTask{
		"t-1": {ExternalID: "t-1", Status: models.TaskStatusDeleted},
	}}
	r := NewResolver(db, client, nil, models.StrategyCRMWins, zerolog.New(io.Discard))

	resolved, err := r.AutoResolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	task, err := db.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDeleted, task.Status)
	assert.False(t, task.PendingPush)
}
