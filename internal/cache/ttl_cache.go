package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/coursepay/internal/clock"
)

// Cache is a small in-memory key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Purge()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	clock clock.Clock
	mu    sync.RWMutex
	items map[K]entry[V]
}

// NewTTLCache returns a Cache backed by the wall clock.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithClock[K, V](clock.SystemClock{})
}

// NewTTLCacheWithClock returns a Cache whose expiry is evaluated against clk.
func NewTTLCacheWithClock[K comparable, V any](clk clock.Clock) Cache[K, V] {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &ttlCache[K, V]{
		clock: clk,
		items: make(map[K]entry[V]),
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !c.clock.Now().Before(item.expiresAt) {
		c.mu.Lock()
		// another writer may have refreshed the entry in between
		if current, ok := c.items[key]; ok && !c.clock.Now().Before(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Purge() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}

// Key normalizes parts into a lower-cased, pipe-joined cache key.
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
