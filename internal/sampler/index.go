package sampler

import (
	lru "github.com/hashicorp/golang-lru"
)

// Index is the sample-headers pointer index from spec section 4.3: it
// maps a user pointer to the underlying block address so free can find
// the block's header without the user pointer itself carrying one.
//
// The spec leaves the index's peak-size bound as an open question
// ("under adversarial workloads with unbounded live sampled set, the
// index grows unboundedly... a production deployment must cap it").
// This implementation answers it: the index is a bounded
// hashicorp/golang-lru cache. When a new insert would exceed capacity,
// the LRU evicts its least-recently-used live entry, which is exactly
// spec section 7's "index insertion failure under memory pressure"
// failure kind — the sampled allocation still succeeds, but that one
// entry is no longer tracked for free-side reconciliation, and the
// eviction is counted.
type Index struct {
	cache *lru.Cache
	stats *Stats
}

// NewIndex builds an Index backed by a capacity-bounded LRU. stats
// receives eviction notifications so index_evictions and
// index_deletes stay consistent with spec section 8's invariant 4.
// Evictions are counted from Add's return value rather than an evict
// callback, because golang-lru also runs that callback on an explicit
// Remove.
func NewIndex(capacity int, stats *Stats) *Index {
	idx := &Index{stats: stats}
	cache, err := lru.New(capacity)
	if err != nil {
		// Only returns an error for size <= 0; DefaultConfig and env
		// parsing both guard against that, so this is unreachable in
		// practice. Fall back to a minimally usable cache of 1 rather
		// than panicking the host process.
		cache, _ = lru.New(1)
	}
	idx.cache = cache
	return idx
}

// Insert records that userPtr's underlying block lives at blockAddr.
func (idx *Index) Insert(userPtr, blockAddr uintptr) {
	if idx.cache.Add(userPtr, blockAddr) {
		idx.stats.IndexEviction()
	}
	idx.stats.IndexInsert(uint64(idx.cache.Len()))
}

// Lookup returns the block address for userPtr, if still tracked. A
// miss means either userPtr was never sampled, or it was evicted under
// memory pressure — both are handled identically by the caller (treat
// the free as non-sampled).
func (idx *Index) Lookup(userPtr uintptr) (blockAddr uintptr, ok bool) {
	v, ok := idx.cache.Get(userPtr)
	if !ok {
		return 0, false
	}
	return v.(uintptr), true
}

// Remove deletes userPtr's entry, e.g. because it was just freed or
// realloc'd into a new address. Removing a key that isn't present is a
// silent no-op, matching golang-lru's own semantics.
func (idx *Index) Remove(userPtr uintptr) {
	if idx.cache.Contains(userPtr) {
		idx.cache.Remove(userPtr)
		idx.stats.IndexDelete()
	}
}

// Len reports the current number of live entries.
func (idx *Index) Len() int {
	if idx == nil || idx.cache == nil {
		return 0
	}
	return idx.cache.Len()
}
