package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskmirror/internal/config"
)

// RedisDedupStore keeps webhook dedup markers and reconcile locks in Redis
// so restarts and multiple replicas agree on what was already processed.
type RedisDedupStore struct {
	client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisDedupStore(client *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

func (r *RedisDedupStore) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := "webhook_seen:" + eventID
	set, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event in redis: %w", err)
	}
	// SetNX succeeded means we are first; seen is the inverse.
	return !set, nil
}

func (r *RedisDedupStore) Forget(ctx context.Context, eventID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, "webhook_seen:"+eventID).Err(); err != nil {
		return fmt.Errorf("failed to forget event in redis: %w", err)
	}
	return nil
}

func (r *RedisDedupStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := "lock:" + name
	acquired, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock in redis: %w", err)
	}
	return acquired, nil
}

func (r *RedisDedupStore) ReleaseLock(ctx context.Context, name string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, "lock:"+name).Err(); err != nil {
		return fmt.Errorf("failed to release lock in redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
