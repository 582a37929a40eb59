package lru

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// recordCache is an LRU-backed implementation of blocked.RecordCache keyed by
// record id. Negative lookups are cached too.
type recordCache struct {
	lru       *lru.Cache[string, blocked.CachedRecord]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// disabledCache is a no-op RecordCache used when size <= 0.
type disabledCache struct{}

// New creates a RecordCache with the given capacity. If size <= 0, a disabled
// cache is returned that always misses and tracks no metrics.
func New(size int) (blocked.RecordCache, error) {
	if size <= 0 {
		return disabledCache{}, nil
	}

	rc := &recordCache{}
	// NewWithEvict also observes Purge and Remove, so they count as evictions.
	cache, err := lru.NewWithEvict(size, func(string, blocked.CachedRecord) {
		rc.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	rc.lru = cache
	return rc, nil
}

// Get looks up a cached answer by record id and counts the hit or miss.
func (c *recordCache) Get(id string) (blocked.CachedRecord, bool) {
	if val, ok := c.lru.Get(id); ok {
		c.hits.Add(1)
		return val, true
	}
	c.misses.Add(1)
	return blocked.CachedRecord{}, false
}

func (c *recordCache) Put(id string, r blocked.CachedRecord) { c.lru.Add(id, r) }

func (c *recordCache) Remove(id string) { c.lru.Remove(id) }

func (c *recordCache) Len() int { return c.lru.Len() }

func (c *recordCache) Purge() { c.lru.Purge() }

// Stats returns cumulative hit/miss/eviction counters.
func (c *recordCache) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (disabledCache) Get(string) (blocked.CachedRecord, bool) { return blocked.CachedRecord{}, false }
func (disabledCache) Put(string, blocked.CachedRecord)        {}
func (disabledCache) Remove(string)                           {}
func (disabledCache) Len() int                                { return 0 }
func (disabledCache) Purge()                                  {}
func (disabledCache) Stats() (uint64, uint64, uint64)         { return 0, 0, 0 }

var (
	_ blocked.RecordCache = (*recordCache)(nil)
	_ blocked.RecordCache = disabledCache{}
)
