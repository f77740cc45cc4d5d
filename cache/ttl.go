// Package cache provides a small expiring key/value cache that callers own and
// inject, so lifetime and invalidation stay explicit.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe cache whose entries expire after a fixed duration.
// When MaxEntries is reached the entry closest to expiry is evicted.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	items      map[K]entry[V]
	now        func() time.Time
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewTTL creates a cache. A non-positive maxEntries means unbounded.
func NewTTL[K comparable, V any](ttl time.Duration, maxEntries int, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[K]entry[V]),
		now:        o.now,
	}
}

// Get returns the value for key if it is present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	return item.value, true
}

// Set stores value under key, refreshing its expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of live entries.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	return len(c.items)
}

// Purge drops expired entries.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
}

func (c *TTL[K, V]) purgeLocked(now time.Time) {
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *TTL[K, V]) evictLocked(now time.Time) {
	c.purgeLocked(now)
	if len(c.items) < c.maxEntries {
		return
	}

	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, item := range c.items {
		if !found || item.expiresAt.Before(oldest) {
			oldestKey, oldest, found = k, item.expiresAt, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}
