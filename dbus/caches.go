package dbus

import "sync"

// cache is a concurrency-safe memo of computed values and errors.
//
// Keys can come from untrusted peers (e.g. signatures received over
// the bus), so the cache is bounded. When full, it is emptied and
// starts over.
type cache[K comparable, V any] struct {
	mu    sync.Mutex
	m     map[K]cacheEntry[V]
	limit int
}

type cacheEntry[V any] struct {
	val V
	err error
}

const defaultCacheLimit = 4096

// Get returns the cached entry for k, and whether it was found.
func (c *cache[K, V]) Get(k K) (ent cacheEntry[V], found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, found = c.m[k]
	return ent, found
}

// Set records val and err as the result for k.
func (c *cache[K, V]) Set(k K, val V, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.limit
	if limit == 0 {
		limit = defaultCacheLimit
	}
	if c.m == nil || len(c.m) >= limit {
		c.m = map[K]cacheEntry[V]{}
	}
	c.m[k] = cacheEntry[V]{val, err}
}

// Len returns the number of cached entries.
func (c *cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
