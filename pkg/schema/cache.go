package schema

import (
	"sync"
	"time"
)

// CacheStats are counters for cache observability.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Expirations   int64 `json:"expirations"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions"`
}

type cacheEntry struct {
	schema   *TableSchema
	cachedAt time.Time
	lastUsed int64
}

// Cache is a TTL schema cache bounded by an LRU table count. It is a
// performance aid only, never the source of truth: the manager invalidates
// entries on every successful evolution and bypasses the cache entirely
// during conflict re-resolution.
//
// The cache is owned by a Manager instance rather than shared process-wide,
// so independent pipelines in one process stay isolated. Reads and writes
// are safe under concurrent access; no lock is held across any backend call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	counter int64
	stats   CacheStats
	now     func() time.Time
}

// NewCache creates a cache with the given TTL and maximum table count.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached schema for a table, or nil when absent or expired.
func (c *Cache) Get(table string) *TableSchema {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[table]
	if !ok {
		c.stats.Misses++
		return nil
	}
	if c.now().Sub(entry.cachedAt) >= c.ttl {
		delete(c.entries, table)
		c.stats.Expirations++
		c.stats.Misses++
		return nil
	}

	c.counter++
	entry.lastUsed = c.counter
	c.stats.Hits++
	return entry.schema
}

// Set stores a schema, evicting the least recently used entry when full.
func (c *Cache) Set(table string, s *TableSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[table]; !ok && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	c.counter++
	c.entries[table] = &cacheEntry{
		schema:   s,
		cachedAt: c.now(),
		lastUsed: c.counter,
	}
}

// Invalidate removes a table's cached schema.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[table]; ok {
		delete(c.entries, table)
		c.stats.Invalidations++
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of cached tables.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLRU() {
	var victim string
	var oldest int64 = -1
	for table, entry := range c.entries {
		if oldest == -1 || entry.lastUsed < oldest {
			oldest = entry.lastUsed
			victim = table
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}
