package blocked

import (
	"sync"
	"sync/atomic"

	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// minBloomCapacity keeps small or empty datasets from overflowing the filter
// on the first few local inserts.
const minBloomCapacity = 1024

// repository implements Repository by composing a Store, a Bloom filter (via
// factory) and a RecordCache. Reads go cache → bloom → store; writes go to
// the store directly and reach the repository through RecordsChanged.
type repository struct {
	mu      sync.RWMutex
	store   Store
	cache   RecordCache
	factory BloomFactory
	fpRate  float64

	bloom    BloomFilter
	capacity uint64
	members  uint64

	// gen is bumped on every observed commit; a store read only populates
	// the cache when no commit happened while it ran.
	gen uint64

	rebuilding bool
	pending    []string

	bloomSkips atomic.Uint64
}

// NewRepository constructs a Repository and registers it as the store's commit
// observer. The Bloom filter stays unloaded until Rebuild, so reads fall
// through to the store until then.
func NewRepository(store Store, cache RecordCache, factory BloomFactory, fpRate float64) Repository {
	r := &repository{store: store, cache: cache, factory: factory, fpRate: fpRate}
	store.SetObserver(r)
	return r
}

// Get returns the record for (listURI, handle).
func (r *repository) Get(listURI, handle string) (domain.BlockedUser, bool, error) {
	id := domain.RecordID(listURI, handle)
	if !r.checkBloom(id) {
		r.bloomSkips.Add(1)
		return domain.BlockedUser{}, false, nil
	}
	if c, ok := r.checkCache(id); ok {
		return c.User, c.Found, nil
	}
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	u, ok, err := r.store.Get(listURI, handle)
	if err != nil {
		return domain.BlockedUser{}, false, err
	}
	r.updateCache(id, gen, CachedRecord{User: u, Found: ok})
	return u, ok, nil
}

// IsMember answers membership without exposing the record.
func (r *repository) IsMember(listURI, handle string) (bool, error) {
	_, ok, err := r.Get(listURI, handle)
	return ok, err
}

// checkBloom reports whether the store must be consulted. With no filter
// loaded every key is a maybe.
func (r *repository) checkBloom(id string) bool {
	r.mu.RLock()
	bf := r.bloom
	r.mu.RUnlock()
	if bf == nil {
		return true
	}
	return bf.MightContain([]byte(id))
}

func (r *repository) checkCache(id string) (CachedRecord, bool) {
	return r.cache.Get(id)
}

func (r *repository) updateCache(id string, gen uint64, c CachedRecord) {
	r.mu.Lock()
	if r.gen == gen {
		r.cache.Put(id, c)
	}
	r.mu.Unlock()
}

// RecordsChanged invalidates cached answers for every touched id and adds new
// ids to the filter. Rewritten ids are already in the filter. A filter pushed
// past its capacity is dropped until the next Rebuild.
func (r *repository) RecordsChanged(added, changed, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	for _, ids := range [][]string{removed, changed, added} {
		for _, id := range ids {
			r.cache.Remove(id)
		}
	}
	if r.rebuilding {
		r.pending = append(r.pending, added...)
	}
	if r.bloom == nil {
		return
	}
	r.members += uint64(len(added))
	if r.members > r.capacity {
		r.bloom = nil
		return
	}
	for _, id := range added {
		r.bloom.Add([]byte(id))
	}
}

// StoreReset follows a Purge: the cache is dropped and the filter replaced by
// an empty one.
func (r *repository) StoreReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.cache.Purge()
	r.bloom = r.factory.New(minBloomCapacity, r.fpRate)
	r.capacity = minBloomCapacity
	r.members = 0
}

// Rebuild sizes a fresh filter from the store, loads every member and swaps it
// in. Commits observed during the scan are replayed into the new filter.
func (r *repository) Rebuild() error {
	r.mu.Lock()
	r.rebuilding = true
	r.pending = nil
	r.mu.Unlock()

	n := r.store.Stats().Records
	capacity := n + n/2
	if capacity < minBloomCapacity {
		capacity = minBloomCapacity
	}
	bf := r.factory.New(capacity, r.fpRate)
	var loaded uint64
	err := r.store.VisitMembers(func(listURI, handle string) bool {
		bf.Add([]byte(domain.RecordID(listURI, handle)))
		loaded++
		return true
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.pending
	r.rebuilding = false
	r.pending = nil
	if err != nil {
		return err
	}
	for _, id := range pending {
		bf.Add([]byte(id))
	}
	r.bloom = bf
	r.capacity = capacity
	r.members = loaded + uint64(len(pending))
	if r.members > capacity {
		r.bloom = nil
	}
	r.gen++
	r.cache.Purge()
	return nil
}

func (r *repository) RepoStats() RepoStats {
	hits, misses, evictions := r.cache.Stats()
	r.mu.RLock()
	active := r.bloom != nil
	r.mu.RUnlock()
	return RepoStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   evictions,
		BloomSkips:  r.bloomSkips.Load(),
		BloomActive: active,
		Store:       r.store.Stats(),
	}
}

var _ Repository = (*repository)(nil)
