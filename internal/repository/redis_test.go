package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedupStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	store := NewRedisDedupStore(client)
	ctx := context.Background()

	t.Run("SeenFirstAndDuplicate", func(t *testing.T) {
		seen, err := store.Seen(ctx, "evt-1", time.Hour)
		require.NoError(t, err)
		assert.False(t, seen)

		seen, err = store.Seen(ctx, "evt-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("SeenExpires", func(t *testing.T) {
		seen, err := store.Seen(ctx, "evt-2", time.Second)
		require.NoError(t, err)
		assert.False(t, seen)

		s.FastForward(time.Second + time.Millisecond)

		seen, err = store.Seen(ctx, "evt-2", time.Second)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("ForgetAllowsReprocessing", func(t *testing.T) {
		seen, err := store.Seen(ctx, "evt-3", time.Hour)
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, store.Forget(ctx, "evt-3"))

		seen, err = store.Seen(ctx, "evt-3", time.Hour)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("LockLifecycle", func(t *testing.T) {
		acquired, err := store.AcquireLock(ctx, "reconcile", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = store.AcquireLock(ctx, "reconcile", time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)

		require.NoError(t, store.ReleaseLock(ctx, "reconcile"))

		acquired, err = store.AcquireLock(ctx, "reconcile", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("LockExpires", func(t *testing.T) {
		acquired, err := store.AcquireLock(ctx, "sweep", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)

		s.FastForward(time.Second + time.Millisecond)

		acquired, err = store.AcquireLock(ctx, "sweep", time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("NilClient", func(t *testing.T) {
		store := NewRedisDedupStore(nil)
		_, err := store.Seen(ctx, "x", time.Minute)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		err := Ping(ctx, client)
		assert.NoError(t, err)
	})

	t.Run("Close", func(t *testing.T) {
		err := Close(client)
		assert.NoError(t, err)
	})
}
