package cache

import (
	"sync"
	"time"
)

// Cache is a thread-safe in-memory cache with per-entry TTL.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	items  map[K]item[V]
	hits   uint64
	misses uint64
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Stats is a snapshot of cache usage counters.
type Stats struct {
	Items  int    `json:"items"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		items: make(map[K]item[V]),
	}
}

// Set stores a value under key. A non-positive ttl means the entry never
// expires.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: expiresAt}
}

// Get retrieves a value. Expired entries are removed on access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, found := c.items[key]
	if !found {
		c.misses++
		var zero V
		return zero, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(c.items, key)
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return it.value, true
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Load errors are returned without caching.
func (c *Cache[K, V]) GetOrLoad(key K, ttl time.Duration, load func() (V, error)) (V, error) {
	if v, found := c.Get(key); found {
		return v, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes a value from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all values and resets the usage counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]item[V])
	c.hits = 0
	c.misses = 0
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the usage counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Items: len(c.items), Hits: c.hits, Misses: c.misses}
}
