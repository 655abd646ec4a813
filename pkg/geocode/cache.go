package geocode

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache stores resolved results by cache key. Implementations must be safe
// for concurrent use; concurrent Sets of the same key are last-writer-wins.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool)
	Set(ctx context.Context, key string, r *Result, ttl time.Duration)
}

// Purger is implemented by caches that hold expired entries until told to
// drop them.
type Purger interface {
	Purge() int
}

type memoryEntry struct {
	result  Result
	expires time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
}

// NewMemoryCache creates an empty cache. A nil clock uses the wall clock.
func NewMemoryCache(clock clockwork.Clock) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: clock}
}

// Get returns a copy of the cached result when it has not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expires) {
		return nil, false
	}
	r := e.result
	return &r, true
}

// Set stores a copy of r. Nil results are ignored.
func (c *MemoryCache) Set(_ context.Context, key string, r *Result, ttl time.Duration) {
	if r == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{result: *r, expires: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// Purge removes expired entries and returns how many were dropped.
func (c *MemoryCache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

var _ Purger = (*MemoryCache)(nil)
