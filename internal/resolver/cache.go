package resolver

import (
	"sync"
	"time"

	"offliner/internal/media"
)

const cacheTTL = 10 * time.Minute

// searchCache memoizes search results for a short window so repeated
// lookups of the same query (common during playlist translation retries)
// skip the external tool. Eviction purges expired entries first, then the
// oldest insertion.
type searchCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]cacheEntry
	order   []string
	now     func() time.Time
}

type cacheEntry struct {
	info     *media.Info
	storedAt time.Time
}

func newSearchCache(max int) *searchCache {
	return &searchCache{
		max:     max,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *searchCache) get(key string) (*media.Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= cacheTTL {
		c.delete(key)
		return nil, false
	}
	return e.info, true
}

func (c *searchCache) put(key string, info *media.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.delete(key)
	}
	if len(c.entries) >= c.max {
		c.evict()
	}
	c.entries[key] = cacheEntry{info: info, storedAt: c.now()}
	c.order = append(c.order, key)
}

func (c *searchCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict frees one slot. Callers hold the lock.
func (c *searchCache) evict() {
	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= cacheTTL {
			c.delete(key)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	if len(c.order) > 0 {
		c.delete(c.order[0])
	}
}

// delete removes a key from both the map and the insertion order. Callers
// hold the lock.
func (c *searchCache) delete(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
