package notify

import (
	"context"
	"sync"
	"time"
)

// DedupeStore tracks dedupe keys. A key is claimed while its envelope is
// pending and kept for the idempotency window once delivered.
type DedupeStore interface {
	// Claim reserves key for ttl. It returns false when the key is already
	// pending or was delivered within the idempotency window.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	MarkDelivered(ctx context.Context, key string, window time.Duration) error
	// Release forgets key so the same event can be enqueued again.
	Release(ctx context.Context, key string) error
}

type dedupeEntry struct {
	delivered bool
	expiresAt time.Time
}

// InMemoryDedupe is a process-local DedupeStore.
type InMemoryDedupe struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	now     func() time.Time
}

type DedupeOption func(*InMemoryDedupe)

func WithDedupeClock(now func() time.Time) DedupeOption {
	return func(d *InMemoryDedupe) {
		if now != nil {
			d.now = now
		}
	}
}

func NewInMemoryDedupe(opts ...DedupeOption) *InMemoryDedupe {
	d := &InMemoryDedupe{entries: make(map[string]dedupeEntry), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *InMemoryDedupe) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if e, ok := d.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	d.entries[key] = dedupeEntry{expiresAt: now.Add(ttl)}
	d.evictLocked(now)
	return true, nil
}

func (d *InMemoryDedupe) MarkDelivered(_ context.Context, key string, window time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = dedupeEntry{delivered: true, expiresAt: d.now().Add(window)}
	return nil
}

func (d *InMemoryDedupe) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}

func (d *InMemoryDedupe) evictLocked(now time.Time) {
	for key, e := range d.entries {
		if !now.Before(e.expiresAt) {
			delete(d.entries, key)
		}
	}
}
