package lrucache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// entry pairs a cached instance with its absolute expiry. A zero expiresAt
// means the entry never expires.
type entry struct {
	value     any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a bounded, process-local LRU of constructed instances. A single
// mutex guards every operation; all operations are O(1) and never block on
// I/O. Expired entries are purged lazily on access, not by a background
// sweep.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *entry]
	maxSize  int
	entryTTL time.Duration
	hits     int64
	misses   int64
	now      func() time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// New creates a cache holding at most maxSize entries, each expiring entryTTL
// after insertion. maxSize 0 disables caching entirely: every Get misses and
// Set is a no-op. entryTTL 0 means entries never expire.
func New(maxSize int, entryTTL time.Duration) (*Cache, error) {
	if maxSize < 0 {
		return nil, fmt.Errorf("cache max size cannot be negative, got %d", maxSize)
	}
	if entryTTL < 0 {
		return nil, fmt.Errorf("cache entry ttl cannot be negative, got %s", entryTTL)
	}
	c := &Cache{
		maxSize:  maxSize,
		entryTTL: entryTTL,
		now:      time.Now,
	}
	if maxSize > 0 {
		lru, err := simplelru.NewLRU[string, *entry](maxSize, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create lru backing store: %w", err)
		}
		c.lru = lru
	}
	return c, nil
}

// Get returns the cached instance for key if present and unexpired, updating
// its recency. An expired entry is removed and counted as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		c.misses++
		return nil, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set inserts or replaces the instance for key using the cache's configured
// TTL, evicting the least-recently-used entry when at capacity.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.entryTTL)
}

// SetWithTTL is Set with a per-entry TTL override. ttl 0 means no expiry.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
}

// Delete removes key if present, reporting whether an entry was removed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return false
	}
	return c.lru.Remove(key)
}

// Clear removes all entries. Hit and miss counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru != nil {
		c.lru.Purge()
	}
}

// Len returns the current number of entries, counting any not-yet-purged
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if c.lru != nil {
		s.Size = c.lru.Len()
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
