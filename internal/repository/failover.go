package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/domain"
)

// FailoverDedupStore serves from Redis until it fails, then degrades to the
// in-memory store and probes the primary once a minute.
type FailoverDedupStore struct {
	primary   domain.DedupStore
	fallback  domain.DedupStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverDedupStore(primary, fallback domain.DedupStore, logger *zerolog.Logger) *FailoverDedupStore {
	return &FailoverDedupStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverDedupStore) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if r.primaryUsable() {
		seen, err := r.primary.Seen(ctx, eventID, ttl)
		if err == nil {
			r.markUp()
			return seen, nil
		}
		r.markDown(err)
	}
	return r.fallback.Seen(ctx, eventID, ttl)
}

// Forget clears the marker from both stores: a degradation window may have
// left it in either one.
func (r *FailoverDedupStore) Forget(ctx context.Context, eventID string) error {
	var primaryErr error
	if r.primaryUsable() {
		if primaryErr = r.primary.Forget(ctx, eventID); primaryErr == nil {
			r.markUp()
		} else {
			r.markDown(primaryErr)
		}
	}
	if err := r.fallback.Forget(ctx, eventID); err != nil {
		return err
	}
	return primaryErr
}

func (r *FailoverDedupStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if r.primaryUsable() {
		acquired, err := r.primary.AcquireLock(ctx, name, ttl)
		if err == nil {
			r.markUp()
			return acquired, nil
		}
		r.markDown(err)
	}
	return r.fallback.AcquireLock(ctx, name, ttl)
}

func (r *FailoverDedupStore) ReleaseLock(ctx context.Context, name string) error {
	if r.primaryUsable() {
		err := r.primary.ReleaseLock(ctx, name)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.ReleaseLock(ctx, name)
}

// primaryUsable reports whether the primary should be tried: either it is
// healthy, or it has been down long enough to probe again.
func (r *FailoverDedupStore) primaryUsable() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(r.lastCheck.Load(), 0)) > time.Minute
}

func (r *FailoverDedupStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary dedup store failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().Unix())
}

func (r *FailoverDedupStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary dedup store recovered")
	}
}
