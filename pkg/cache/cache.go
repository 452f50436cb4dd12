// Package cache provides the bounded in-memory content cache used by the
// list engine for loaded pages and rendered rows.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/fruitsalade/vlist/pkg/models"
)

// DefaultSoftRatio is the share of capacity Cleanup trims down to.
const DefaultSoftRatio = 0.8

// Stats is a point-in-time view of cache accounting.
type Stats struct {
	Hits      int64
	Misses    int64
	HitRate   float64 // 0-1, 0 when nothing has been looked up
	Size      int
	Capacity  int
	Evictions int64
}

// Cache is a key/value store with least-recently-accessed eviction.
// Every Get hit refreshes recency; Set on a full cache evicts the oldest
// entry before the new one is counted.
type Cache struct {
	capacity  int
	softLimit int
	enabled   bool
	now       func() time.Time

	mu        sync.Mutex
	lru       *lru.Cache
	entries   map[string]*models.CacheEntry
	hits      int64
	misses    int64
	evictions int64

	// Cleanup drains the list oldest first into drained, then re-adds the
	// survivors in the same order so recency is unchanged.
	draining bool
	drained  []*models.CacheEntry
}

// Option configures a Cache.
type Option func(*Cache)

// WithSoftRatio sets the fraction of capacity Cleanup trims down to.
func WithSoftRatio(r float64) Option {
	return func(c *Cache) {
		if r > 0 && r <= 1 {
			c.softLimit = int(float64(c.capacity) * r)
		}
	}
}

// WithClock overrides the time source for LastAccessedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	c := &Cache{
		capacity:  capacity,
		softLimit: int(float64(capacity) * DefaultSoftRatio),
		enabled:   true,
		now:       time.Now,
		entries:   make(map[string]*models.CacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lru = lru.New(capacity)
	c.lru.OnEvicted = c.onEvicted
	return c, nil
}

// Disabled returns a cache that stores nothing and always misses.
func Disabled() *Cache {
	return &Cache{
		now:     time.Now,
		entries: make(map[string]*models.CacheEntry),
	}
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// onEvicted runs with the lock held, from inside lru operations.
func (c *Cache) onEvicted(key lru.Key, value interface{}) {
	entry := value.(*models.CacheEntry)
	if c.draining {
		c.drained = append(c.drained, entry)
		return
	}
	delete(c.entries, key.(string))
	c.evictions++
}

// Get returns the cached value and refreshes its recency.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses++
		return nil, false
	}

	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	entry := v.(*models.CacheEntry)
	entry.LastAccessedAt = c.now()
	return entry.Value, true
}

// Has reports whether key is cached without touching recency or stats.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Set stores value under key, evicting the least-recently-accessed entry
// when the cache is full.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	entry, ok := c.entries[key]
	if ok {
		entry.Value = value
		entry.LastAccessedAt = c.now()
		c.lru.Add(key, entry)
		return
	}

	entry = &models.CacheEntry{
		Key:            key,
		Value:          value,
		LastAccessedAt: c.now(),
	}
	// Evict first so the cache never holds more than capacity entries.
	for c.lru.Len() >= c.capacity {
		c.lru.RemoveOldest()
	}
	c.entries[key] = entry
	c.lru.Add(key, entry)
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	// Explicit removal is not an eviction.
	evictions := c.evictions
	c.lru.Remove(key)
	c.evictions = evictions
}

// Pin protects key from Cleanup. Pinning a missing key is a no-op.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.Pinned = true
	}
}

// Unpin allows Cleanup to trim key again.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.Pinned = false
	}
}

// IsPinned returns true if key is cached and pinned.
func (c *Cache) IsPinned(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && entry.Pinned
}

// Cleanup trims the cache down to its soft limit, oldest first, skipping
// pinned entries. It returns the number of entries removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return 0
	}

	c.draining = true
	for c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.draining = false

	excess := len(c.drained) - c.softLimit
	removed := 0
	for _, entry := range c.drained {
		if removed < excess && !entry.Pinned {
			delete(c.entries, entry.Key)
			c.evictions++
			removed++
			continue
		}
		c.lru.Add(entry.Key, entry)
	}
	c.drained = nil
	return removed
}

// Clear removes every entry. Hit and miss counters are kept.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	if c.lru != nil {
		evictions := c.evictions
		c.lru.Clear()
		c.evictions = evictions
	}
	c.entries = make(map[string]*models.CacheEntry)
	return n
}

// Entry returns a copy of the entry for key, if present, without touching
// recency.
func (c *Cache) Entry(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return models.CacheEntry{}, false
	}
	return *entry, true
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
