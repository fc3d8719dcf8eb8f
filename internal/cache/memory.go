package cache

import (
	"sync"
	"sync/atomic"
)

// defaultMemoryCap bounds the in-process cache to roughly 100MB of
// 384-dimension vectors.
const defaultMemoryCap = 65536

// MemoryCache is a bounded in-process vector cache used when Redis is not
// configured. Eviction is FIFO; the embedding workload is append-heavy, so
// recency tracking buys little.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	order   []string
	cap     int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates a memory cache holding at most capacity vectors.
// capacity <= 0 selects the default.
func NewMemory(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultMemoryCap
	}
	return &MemoryCache{
		entries: make(map[string][]float32, capacity),
		cap:     capacity,
	}
}

// Get returns the cached vector for a key.
func (c *MemoryCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	vec, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return vec, ok
}

// Put stores a vector, evicting the oldest entry when full. Re-putting an
// existing key refreshes the value without consuming capacity.
func (c *MemoryCache) Put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = vec
		return
	}

	for len(c.entries) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = vec
	c.order = append(c.order, key)
}

// Stats returns cumulative hit and miss counts.
func (c *MemoryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
