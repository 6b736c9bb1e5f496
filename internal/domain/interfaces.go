package domain

import (
	"context"
	"time"
)

// DedupStore remembers processed webhook delivery ids and serializes
// reconcile passes across the process. Implementations live in
// internal/repository; Redis is primary with an in-memory fallback.
type DedupStore interface {
	// Seen atomically records eventID and reports whether it was already
	// recorded. A true result means the delivery is a duplicate.
	Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	// Forget drops the marker for eventID so a redelivery is processed.
	// Callers use it to undo Seen when applying the event failed.
	Forget(ctx context.Context, eventID string) error
	// AcquireLock takes a named lock for at most ttl. False means another
	// holder has it.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// EventPublisher decouples producers from the in-process event bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
