// Package answercache implements the per-network DNS answer cache: a bounded hash table of
// query/answer pairs with an MRU eviction order and a pending-request marker set used to
// single-flight concurrent lookups for the same query.
//
// A Cache is not safe for concurrent use on its own. It's designed to be driven entirely from
// inside a lock the caller already holds (internal/netregistry owns that lock, the same way the
// original cache and its network registry shared one mutex) so every method here assumes
// exclusive access and never blocks.
package answercache

import (
	"time"

	"github.com/markdingo/trustydns-core/internal/packetinspector"
)

const noIndex = -1

// entry is one arena slot. bucketNext chains collisions within a hash bucket; mruPrev/mruNext
// thread the same slot into the MRU list. Both link sets use arena indices instead of pointers,
// so the whole cache is a handful of slices with no per-entry heap object.
type entry struct {
	inUse       bool
	fingerprint uint32
	query       []byte
	answer      []byte
	expires     time.Time
	id          uint64

	bucketNext int32
	mruPrev    int32
	mruNext    int32
}

// Stats mirrors the teacher's Reporter-friendly counter block: a plain struct of running totals,
// snapshotted and optionally reset by Report.
type Stats struct {
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	Expirations     uint64
	PendingTimeouts uint64
	AlreadyPresent  uint64
}

// Cache is a bounded, fixed-capacity answer cache for one network.
type Cache struct {
	maxEntries int
	buckets    []int32
	arena      []entry
	freeList   []int32
	mruHead    int32 // sentinel value noIndex when empty
	mruTail    int32
	numEntries int
	lastID     uint64
	pending    map[uint32]struct{}

	stats Stats
}

// New creates a cache with room for maxEntries query/answer pairs, matching resolv_cache_create's
// fixed-size bucket table (bucket count equals entry capacity, same as the original).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &Cache{
		maxEntries: maxEntries,
		buckets:    make([]int32, maxEntries),
		arena:      make([]entry, maxEntries),
		freeList:   make([]int32, maxEntries),
		mruHead:    noIndex,
		mruTail:    noIndex,
		pending:    make(map[uint32]struct{}),
	}
	for i := range c.buckets {
		c.buckets[i] = noIndex
	}
	for i := 0; i < maxEntries; i++ {
		c.freeList[i] = int32(maxEntries - 1 - i)
	}
	return c
}

func (c *Cache) bucketOf(fingerprint uint32) int {
	return int(fingerprint % uint32(c.maxEntries))
}

// find walks the bucket chain for fingerprint looking for a byte-exact match against query. It
// returns the arena index and true on a hit.
func (c *Cache) find(fingerprint uint32, query []byte) (int32, bool) {
	idx := c.buckets[c.bucketOf(fingerprint)]
	for idx != noIndex {
		e := &c.arena[idx]
		if e.fingerprint == fingerprint && packetinspector.Equals(e.query, query) {
			return idx, true
		}
		idx = e.bucketNext
	}
	return noIndex, false
}

func (c *Cache) mruUnlink(idx int32) {
	e := &c.arena[idx]
	if e.mruPrev != noIndex {
		c.arena[e.mruPrev].mruNext = e.mruNext
	} else {
		c.mruHead = e.mruNext
	}
	if e.mruNext != noIndex {
		c.arena[e.mruNext].mruPrev = e.mruPrev
	} else {
		c.mruTail = e.mruPrev
	}
	e.mruPrev, e.mruNext = noIndex, noIndex
}

func (c *Cache) mruPushFront(idx int32) {
	e := &c.arena[idx]
	e.mruPrev = noIndex
	e.mruNext = c.mruHead
	if c.mruHead != noIndex {
		c.arena[c.mruHead].mruPrev = idx
	}
	c.mruHead = idx
	if c.mruTail == noIndex {
		c.mruTail = idx
	}
}

// Touch moves idx to the head of the MRU list. It's a no-op if idx is already there.
func (c *Cache) Touch(idx int32) {
	if idx == c.mruHead {
		return
	}
	c.mruUnlink(idx)
	c.mruPushFront(idx)
}

// Find probes the cache for query, returning the matching arena index. Callers must validate the
// query with packetinspector.ValidateQuery before calling Find; an invalid query never matches
// anything (there's nothing to compare) but Find doesn't re-validate.
func (c *Cache) Find(fingerprint uint32, query []byte) (idx int32, ok bool) {
	return c.find(fingerprint, query)
}

// Entry returns the answer bytes, expiry and debug id for idx. idx must have come from a
// preceding, not-yet-invalidated Find/Admit call.
func (c *Cache) Entry(idx int32) (answer []byte, expires time.Time, id uint64) {
	e := &c.arena[idx]
	return e.answer, e.expires, e.id
}

// Expired reports whether idx's entry has passed its expiry as of now.
func (c *Cache) Expired(idx int32, now time.Time) bool {
	return !now.Before(c.arena[idx].expires)
}

// Evict removes idx from both the bucket chain and the MRU list and returns its slot to the
// free list.
func (c *Cache) Evict(idx int32) {
	e := &c.arena[idx]
	bucket := c.bucketOf(e.fingerprint)

	pp := &c.buckets[bucket]
	for *pp != idx {
		pp = &c.arena[*pp].bucketNext
	}
	*pp = e.bucketNext

	c.mruUnlink(idx)

	e.inUse = false
	e.query = nil
	e.answer = nil
	c.freeList = append(c.freeList, idx)
	c.numEntries--
	c.stats.Evictions++
}

// SweepExpired evicts every entry whose expiry has passed as of now.
func (c *Cache) SweepExpired(now time.Time) {
	idx := c.mruHead
	for idx != noIndex {
		next := c.arena[idx].mruNext
		if c.Expired(idx, now) {
			c.Evict(idx)
			c.stats.Expirations++
		}
		idx = next
	}
}

// EvictOldest removes the least-recently-used entry. It's a no-op on an empty cache.
func (c *Cache) EvictOldest() {
	if c.mruTail == noIndex {
		return
	}
	c.Evict(c.mruTail)
}

// Full reports whether the cache has reached its configured capacity.
func (c *Cache) Full() bool {
	return c.numEntries >= c.maxEntries
}

// Admit inserts a new query/answer pair with the given fingerprint and absolute expiry. The
// caller must already know (via Find) that no matching entry exists, and must have made room if
// Full() was true.
func (c *Cache) Admit(fingerprint uint32, query, answer []byte, expires time.Time) int32 {
	n := len(c.freeList)
	idx := c.freeList[n-1]
	c.freeList = c.freeList[:n-1]

	e := &c.arena[idx]
	*e = entry{
		inUse:       true,
		fingerprint: fingerprint,
		query:       append([]byte(nil), query...),
		answer:      append([]byte(nil), answer...),
		expires:     expires,
	}
	c.lastID++
	e.id = c.lastID

	bucket := c.bucketOf(fingerprint)
	e.bucketNext = c.buckets[bucket]
	c.buckets[bucket] = idx

	e.mruPrev, e.mruNext = noIndex, noIndex
	c.mruPushFront(idx)

	c.numEntries++
	return idx
}

// Flush discards every entry and every pending-request marker.
func (c *Cache) Flush() {
	for i := range c.buckets {
		c.buckets[i] = noIndex
	}
	c.freeList = c.freeList[:0]
	for i := 0; i < c.maxEntries; i++ {
		c.arena[i] = entry{}
		c.freeList = append(c.freeList, int32(c.maxEntries-1-i))
	}
	c.mruHead, c.mruTail = noIndex, noIndex
	c.numEntries = 0
	c.lastID = 0
	c.pending = make(map[uint32]struct{})
}

// HasPendingOrInsert reports whether a pending-request marker already exists for fingerprint. If
// none exists, it inserts one and returns false, making the caller responsible for resolving the
// query (the single-flight producer role).
func (c *Cache) HasPendingOrInsert(fingerprint uint32) bool {
	if _, ok := c.pending[fingerprint]; ok {
		return true
	}
	c.pending[fingerprint] = struct{}{}
	return false
}

// HasPending reports whether a pending-request marker exists for fingerprint, without inserting
// one. Used as the predicate for a condition-variable wait.
func (c *Cache) HasPending(fingerprint uint32) bool {
	_, ok := c.pending[fingerprint]
	return ok
}

// ClearPending removes the pending-request marker for fingerprint, if any, and reports whether
// one was present.
func (c *Cache) ClearPending(fingerprint uint32) bool {
	if _, ok := c.pending[fingerprint]; !ok {
		return false
	}
	delete(c.pending, fingerprint)
	return true
}

// NumEntries reports the current entry count.
func (c *Cache) NumEntries() int {
	return c.numEntries
}

// RecordHit/RecordMiss/RecordPendingTimeout/RecordAlreadyPresent update the running stats block;
// they're split out from the lookup/add algorithm in internal/netregistry so that package can
// attribute counters without reaching into Cache internals.
func (c *Cache) RecordHit()             { c.stats.Hits++ }
func (c *Cache) RecordMiss()            { c.stats.Misses++ }
func (c *Cache) RecordPendingTimeout()  { c.stats.PendingTimeouts++ }
func (c *Cache) RecordAlreadyPresent()  { c.stats.AlreadyPresent++ }

// StatsSnapshot returns a copy of the running counters, optionally resetting them to zero, in
// the same reset-on-read shape internal/reporter uses across this module.
func (c *Cache) StatsSnapshot(reset bool) Stats {
	s := c.stats
	if reset {
		c.stats = Stats{}
	}
	return s
}
