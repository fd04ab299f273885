// Package blockcache provides a bounded least-recently-used cache of stored
// blocks, keyed by (device, sector, block).
//
// Entries live in a fixed arena of slots linked into a recency list by slot
// index; a map from key to slot gives constant-time lookups. The cache is
// write-through: callers send every write to the device themselves, so evicted
// entries are simply dropped.

package blockcache

import (
	"fmt"
	"sync"

	c "github.com/newJimmyChu/lcloud/common"
)

// DefaultCapacity is the number of blocks a cache holds if no size is given.
const DefaultCapacity = 256

// FetchBlockCallback loads a single block from the device when it's missing
// from the cache. `buffer` is always exactly one block.
type FetchBlockCallback func(key c.Location, buffer *c.StoredBlock) error

// EvictionPolicy decides what happens when an insert finds the cache full.
type EvictionPolicy int

const (
	// EvictLRU drops the least recently used entry. The cache never holds more
	// than its capacity.
	EvictLRU EvictionPolicy = iota
	// GrowOnFull doubles the capacity instead of evicting anything, so the
	// cache grows without bound.
	GrowOnFull
)

// Stats gives counters describing how effective the cache has been.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// HitRatio returns the fraction of lookups that were hits, or 0 if there were
// no lookups.
func (stats Stats) HitRatio() float64 {
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0
	}
	return float64(stats.Hits) / float64(total)
}

func (stats Stats) String() string {
	return fmt.Sprintf(
		"hits=%d misses=%d ratio=%.3f evictions=%d size=%d/%d",
		stats.Hits,
		stats.Misses,
		stats.HitRatio(),
		stats.Evictions,
		stats.Size,
		stats.Capacity,
	)
}

const noSlot = -1

type slot struct {
	key  c.Location
	data c.StoredBlock
	prev int
	next int
}

type BlockCache struct {
	mu        sync.Mutex
	slots     []slot
	index     map[c.Location]int
	free      []int
	head      int // most recently used
	tail      int // least recently used
	capacity  int
	policy    EvictionPolicy
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most `capacity` blocks. A capacity below 1 is
// treated as 1.
func New(capacity int, policy EvictionPolicy) *BlockCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockCache{
		slots:    make([]slot, 0, capacity),
		index:    make(map[c.Location]int, capacity),
		head:     noSlot,
		tail:     noSlot,
		capacity: capacity,
		policy:   policy,
	}
}

// Capacity returns the maximum number of blocks the cache currently holds.
func (cache *BlockCache) Capacity() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.capacity
}

// Len returns the number of blocks in the cache.
func (cache *BlockCache) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.index)
}

func (cache *BlockCache) Stats() Stats {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return Stats{
		Hits:      cache.hits,
		Misses:    cache.misses,
		Evictions: cache.evictions,
		Size:      len(cache.index),
		Capacity:  cache.capacity,
	}
}

// Lookup returns a copy of the cached block for `key`. On a hit the entry
// becomes the most recently used one.
func (cache *BlockCache) Lookup(key c.Location) (c.StoredBlock, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.lookup(key)
}

func (cache *BlockCache) lookup(key c.Location) (c.StoredBlock, bool) {
	i, ok := cache.index[key]
	if !ok {
		cache.misses++
		return c.StoredBlock{}, false
	}
	cache.hits++
	cache.moveToFront(i)
	return cache.slots[i].data, true
}

// Put inserts or overwrites the block for `key` and makes it the most recently
// used entry. If the key is new and the cache is full, the least recently used
// entry is evicted first (or the capacity grows, under [GrowOnFull]).
func (cache *BlockCache) Put(key c.Location, data *c.StoredBlock) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.put(key, data)
}

func (cache *BlockCache) put(key c.Location, data *c.StoredBlock) {
	if i, ok := cache.index[key]; ok {
		cache.slots[i].data = *data
		cache.moveToFront(i)
		return
	}

	if len(cache.index) >= cache.capacity {
		if cache.policy == GrowOnFull {
			cache.capacity *= 2
		} else {
			cache.evictTail()
		}
	}

	i := cache.allocateSlot()
	cache.slots[i] = slot{key: key, data: *data, prev: noSlot, next: noSlot}
	cache.index[key] = i
	cache.pushFront(i)
}

// Fetch returns the block for `key`, calling `fetch` to load it from the
// device on a miss and caching the result. If `fetch` fails nothing is cached.
// The cache stays locked while `fetch` runs, so it must not call back into the
// cache.
func (cache *BlockCache) Fetch(key c.Location, fetch FetchBlockCallback) (c.StoredBlock, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	data, ok := cache.lookup(key)
	if ok {
		return data, nil
	}

	err := fetch(key, &data)
	if err != nil {
		return c.StoredBlock{}, err
	}
	cache.put(key, &data)
	return data, nil
}

// Remove drops `key` from the cache if present.
func (cache *BlockCache) Remove(key c.Location) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	i, ok := cache.index[key]
	if !ok {
		return
	}
	cache.unlink(i)
	cache.release(i)
}

// Clear releases every entry. Counters are kept.
func (cache *BlockCache) Clear() {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.slots = cache.slots[:0]
	cache.free = cache.free[:0]
	cache.index = make(map[c.Location]int, cache.capacity)
	cache.head = noSlot
	cache.tail = noSlot
}

// Keys returns the cached keys from most to least recently used.
func (cache *BlockCache) Keys() []c.Location {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	keys := make([]c.Location, 0, len(cache.index))
	for i := cache.head; i != noSlot; i = cache.slots[i].next {
		keys = append(keys, cache.slots[i].key)
	}
	return keys
}

////////////////////////////////////////////////////////////////////////////////
// Recency list

func (cache *BlockCache) allocateSlot() int {
	if n := len(cache.free); n > 0 {
		i := cache.free[n-1]
		cache.free = cache.free[:n-1]
		return i
	}
	cache.slots = append(cache.slots, slot{})
	return len(cache.slots) - 1
}

// release returns an unlinked slot to the free list.
func (cache *BlockCache) release(i int) {
	delete(cache.index, cache.slots[i].key)
	cache.slots[i] = slot{prev: noSlot, next: noSlot}
	cache.free = append(cache.free, i)
}

func (cache *BlockCache) evictTail() {
	victim := cache.tail
	if victim == noSlot {
		return
	}
	cache.unlink(victim)
	cache.release(victim)
	cache.evictions++
}

func (cache *BlockCache) unlink(i int) {
	entry := &cache.slots[i]
	if entry.prev != noSlot {
		cache.slots[entry.prev].next = entry.next
	} else {
		cache.head = entry.next
	}
	if entry.next != noSlot {
		cache.slots[entry.next].prev = entry.prev
	} else {
		cache.tail = entry.prev
	}
	entry.prev = noSlot
	entry.next = noSlot
}

func (cache *BlockCache) pushFront(i int) {
	entry := &cache.slots[i]
	entry.prev = noSlot
	entry.next = cache.head
	if cache.head != noSlot {
		cache.slots[cache.head].prev = i
	}
	cache.head = i
	if cache.tail == noSlot {
		cache.tail = i
	}
}

func (cache *BlockCache) moveToFront(i int) {
	if cache.head == i {
		return
	}
	cache.unlink(i)
	cache.pushFront(i)
}
