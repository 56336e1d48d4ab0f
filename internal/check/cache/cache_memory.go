package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"backcheck/internal/platform/metrics"
)

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// InMemoryCache is a process-local Cache with per-entry TTL.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	metrics *metrics.Metrics
}

type MemoryOption func(*InMemoryCache)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *InMemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMemoryMetrics(m *metrics.Metrics) MemoryOption {
	return func(c *InMemoryCache) {
		c.metrics = m
	}
}

func NewInMemoryCache(opts ...MemoryOption) *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the stored value or ErrMiss.
func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(c.now()) {
		c.metrics.IncCacheLookup("memory", "miss")
		return nil, ErrMiss
	}
	c.metrics.IncCacheLookup("memory", "hit")
	return slices.Clone(e.value), nil
}

// Set stores a copy of value. A non-positive ttl means no expiry.
func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: slices.Clone(value), storedAt: c.now(), ttl: ttl}
	return nil
}

func (c *InMemoryCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.metrics.AddCacheInvalidations("memory", len(keys))
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *InMemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
