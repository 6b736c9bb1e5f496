package membership

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/events"
	"taskmirror/internal/repository"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeLister struct {
	snapshots map[string][]crm.MembershipRecord
	err       error
}

func (f *fakeLister) ListMemberships(ctx context.Context, listID string) ([]crm.MembershipRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshots[listID], nil
}

type capturedEvent struct {
	eventType string
	payload   events.MembershipEventPayload
}

func captureMembershipEvents(bus *events.EventBus) *[]capturedEvent {
	var captured []capturedEvent
	handler := func(eventType string) events.EventHandler {
		return func(event *events.Event) error {
			var payload events.MembershipEventPayload
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return err
			}
			captured = append(captured, capturedEvent{eventType: eventType, payload: payload})
			return nil
		}
	}
	bus.Subscribe(events.EventMembershipEntered, handler(events.EventMembershipEntered))
	bus.Subscribe(events.EventMembershipExited, handler(events.EventMembershipExited))
	return &captured
}

func newReconcilerForTest(db *database.DB, lister MembershipLister, bus *events.EventBus) *Reconciler {
	return NewReconciler(db, lister, repository.NewMemoryDedupStore(), bus, zerolog.New(io.Discard))
}

func TestReconcileListNewMemberships(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {
			{ObjectID: "c-1", EnteredAt: entered},
			{ObjectID: "c-2", EnteredAt: entered.Add(time.Minute)},
		},
	}}
	bus := events.NewEventBus()
	captured := captureMembershipEvents(bus)

	rec := newReconcilerForTest(db, lister, bus)
	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Entries)
	assert.Zero(t, summary.Exits)

	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.True(t, active["c-1"].EnteredAt.Equal(entered))

	require.Len(t, *captured, 2)
	assert.Equal(t, events.EventMembershipEntered, (*captured)[0].eventType)
	assert.Equal(t, "list-1", (*captured)[0].payload.ListID)
}

func TestReconcileListIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {{ObjectID: "c-1", EnteredAt: entered}},
	}}
	rec := newReconcilerForTest(db, lister, nil)

	_, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)

	// Unchanged snapshot: second pass applies nothing.
	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Zero(t, summary.Entries)
	assert.Zero(t, summary.TimestampUpdates)
	assert.Zero(t, summary.Exits)
}

func TestReconcileListTimestampChange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {{ObjectID: "c-1", EnteredAt: entered}},
	}}
	bus := events.NewEventBus()
	captured := captureMembershipEvents(bus)
	rec := newReconcilerForTest(db, lister, bus)

	_, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)

	moved := entered.Add(2 * time.Hour)
	lister.snapshots["list-1"] = []crm.MembershipRecord{{ObjectID: "c-1", EnteredAt: moved}}

	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TimestampUpdates)
	assert.Zero(t, summary.Entries)
	assert.Zero(t, summary.Exits)

	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	assert.True(t, active["c-1"].EnteredAt.Equal(moved))

	// Only the original entry event; timestamp corrections are silent.
	assert.Len(t, *captured, 1)
}

func TestReconcileListExit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {{ObjectID: "c-1", EnteredAt: entered}, {ObjectID: "c-2", EnteredAt: entered}},
	}}
	bus := events.NewEventBus()
	captured := captureMembershipEvents(bus)
	rec := newReconcilerForTest(db, lister, bus)

	_, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)

	before := time.Now().UTC()
	lister.snapshots["list-1"] = []crm.MembershipRecord{{ObjectID: "c-2", EnteredAt: entered}}

	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exits)

	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	_, stillActive := active["c-1"]
	assert.False(t, stillActive)

	// Exit carries the pass start time, not a CRM timestamp.
	var exitEvent *capturedEvent
	for i := range *captured {
		if (*captured)[i].eventType == events.EventMembershipExited {
			exitEvent = &(*captured)[i]
		}
	}
	require.NotNil(t, exitEvent)
	require.NotNil(t, exitEvent.payload.ExitedAt)
	assert.False(t, exitEvent.payload.ExitedAt.Before(before))
	assert.Equal(t, "c-1", exitEvent.payload.ObjectID)
}

func TestReconcileListReEntryAfterExit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {{ObjectID: "c-1", EnteredAt: entered}},
	}}
	rec := newReconcilerForTest(db, lister, nil)

	_, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)

	lister.snapshots["list-1"] = nil
	_, err = rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)

	reEntered := entered.Add(24 * time.Hour)
	lister.snapshots["list-1"] = []crm.MembershipRecord{{ObjectID: "c-1", EnteredAt: reEntered}}
	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entries)

	// Two rows total, exactly one active: the audit trail survives.
	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active["c-1"].EnteredAt.Equal(reEntered))

	dupes, err := db.DuplicateActiveMemberships(ctx)
	require.NoError(t, err)
	assert.Empty(t, dupes)
}

func TestReconcileListFetchError(t *testing.T) {
	db := newTestDB(t)
	lister := &fakeLister{err: errors.New("listing down")}
	rec := newReconcilerForTest(db, lister, nil)

	_, err := rec.ReconcileList(context.Background(), "list-1")
	require.Error(t, err)
}

func TestReconcileListSkipsWhenLocked(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	lister := &fakeLister{snapshots: map[string][]crm.MembershipRecord{
		"list-1": {{ObjectID: "c-1", EnteredAt: entered}},
	}}
	locks := repository.NewMemoryDedupStore()
	rec := NewReconciler(db, lister, locks, nil, zerolog.New(io.Discard))

	held, err := locks.AcquireLock(ctx, "membership_reconcile:list-1", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	summary, err := rec.ReconcileList(ctx, "list-1")
	require.NoError(t, err)
	assert.Zero(t, summary.Entries)

	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
