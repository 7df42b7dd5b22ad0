package cache

import (
	"sync"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/clock"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e ttlEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// TTLCache is an in-process map whose entries expire after their TTL.
// Expired entries are never returned and are dropped lazily or by Sweep.
// A TTL of zero or less keeps the entry until it is deleted.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]ttlEntry[V]
	clock   clock.Clock
}

// NewTTLCache creates an empty cache reading time from clk
func NewTTLCache[K comparable, V any](clk clock.Clock) *TTLCache[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &TTLCache[K, V]{entries: make(map[K]ttlEntry[V]), clock: clk}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *TTLCache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	entry, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if entry.expired(c.clock.Now()) {
		delete(c.entries, key)
		return zero, false
	}
	return entry.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *TTLCache[K, V]) setLocked(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: expiresAt}
}

// Update atomically replaces the entry when fn returns true
func (c *TTLCache[K, V]) Update(key K, ttl time.Duration, fn func(current V, found bool) (V, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, found := c.getLocked(key)
	next, ok := fn(current, found)
	if !ok {
		return false
	}
	c.setLocked(key, next, ttl)
	return true
}

func (c *TTLCache[K, V]) Delete(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
}

// Sweep drops expired entries
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len counts entries, including expired ones not yet swept
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
