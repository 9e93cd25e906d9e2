// Package ttlcache is a bounded in-process TTL cache. It is used as the
// fallback store for thinking text when the durable row has not landed yet.
// Expiry is driven by an injected clock and an explicit Sweep call so tests
// never wait on wall time.
package ttlcache

import (
	"sync"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

type Cache[V any] struct {
	mu         sync.Mutex
	clk        clock.Clock
	ttl        time.Duration
	maxEntries int
	entries    map[string]entry[V]
}

func New[V any](clk clock.Clock, ttl time.Duration, maxEntries int) *Cache[V] {
	if clk == nil {
		clk = clock.Real()
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Cache[V]{
		clk:        clk,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry[V]),
	}
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[key] = entry[V]{value: value, insertedAt: c.clk.Now()}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && c.clk.Now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops every expired entry and reports how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	now := c.clk.Now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.insertedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
