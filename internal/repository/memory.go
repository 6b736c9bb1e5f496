package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryDedupStore is the in-process fallback used when Redis is down.
// Markers do not survive a restart, which at worst means one extra
// idempotent reprocessing pass.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{entries: make(map[string]time.Time)}
}

func (m *MemoryDedupStore) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return m.setNX("webhook_seen:"+eventID, ttl), nil
}

func (m *MemoryDedupStore) Forget(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, "webhook_seen:"+eventID)
	return nil
}

func (m *MemoryDedupStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return !m.setNX("lock:"+name, ttl), nil
}

func (m *MemoryDedupStore) ReleaseLock(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, "lock:"+name)
	return nil
}

// setNX stores the key unless a live entry exists; returns true when the
// key was already present.
func (m *MemoryDedupStore) setNX(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := m.entries[key]; ok && now.Before(expiresAt) {
		return true
	}
	m.entries[key] = now.Add(ttl)
	m.sweepLocked(now)
	return false
}

func (m *MemoryDedupStore) sweepLocked(now time.Time) {
	if len(m.entries) < 10000 {
		return
	}
	for key, expiresAt := range m.entries {
		if now.After(expiresAt) {
			delete(m.entries, key)
		}
	}
}
