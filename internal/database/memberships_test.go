package database

import (
	"context"
	"testing"
	"time"

	"taskmirror/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	entered := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	m := &models.ListMembership{ListID: "list-1", ObjectID: "c-1", EnteredAt: entered}
	require.NoError(t, db.InsertMembership(ctx, m))
	require.NotZero(t, m.ID)

	active, err := db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, entered.Unix(), active["c-1"].EnteredAt.Unix())

	// Entry timestamp correction.
	corrected := entered.Add(time.Hour)
	require.NoError(t, db.UpdateMembershipEnteredAt(ctx, m.ID, corrected))

	exit := entered.Add(48 * time.Hour)
	require.NoError(t, db.CloseMembership(ctx, m.ID, exit))

	active, err = db.GetActiveMemberships(ctx, "list-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := db.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitedAt)
	assert.Equal(t, exit.Unix(), got.ExitedAt.Unix())

	// Closing twice is ErrNotFound: the open row no longer exists.
	assert.ErrorIs(t, db.CloseMembership(ctx, m.ID, exit), ErrNotFound)
}

func TestActiveMembershipUniqueness(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := &models.ListMembership{ListID: "list-1", ObjectID: "c-1", EnteredAt: now}
	require.NoError(t, db.InsertMembership(ctx, first))

	// A second active row for the same pair violates the partial unique
	// index.
	dup := &models.ListMembership{ListID: "list-1", ObjectID: "c-1", EnteredAt: now}
	assert.Error(t, db.InsertMembership(ctx, dup))

	// After exit a new stay may open.
	require.NoError(t, db.CloseMembership(ctx, first.ID, now.Add(time.Hour)))
	again := &models.ListMembership{ListID: "list-1", ObjectID: "c-1", EnteredAt: now.Add(2 * time.Hour)}
	require.NoError(t, db.InsertMembership(ctx, again))

	pairs, err := db.DuplicateActiveMemberships(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
