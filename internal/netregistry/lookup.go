package netregistry

import (
	"errors"
	"time"

	"github.com/markdingo/trustydns-core/internal/answercache"
	"github.com/markdingo/trustydns-core/internal/packetinspector"
)

// LookupResult is the outcome of a Lookup call.
type LookupResult int

const (
	Found LookupResult = iota
	NotFound
	Unsupported
	Skip
)

// AddResult is the outcome of an Add call.
type AddResult int

const (
	OK AddResult = iota
	AlreadyPresent
	NoNetwork
	Invalid
)

var ErrBufferTooSmall = errors.New("netregistry: answer buffer too small")

const pendingRequestTimeout = 20 * time.Second

// Lookup implements the cache lookup algorithm: flag short-circuits, validation, single-flight
// coordination and MRU promotion on a hit. On Found, the answer is copied into answerBuf and
// the number of bytes written is returned; on every other result the returned length is 0.
//
// A NotFound result makes the caller responsible for resolving the query and eventually calling
// either Add (on success) or QueryFailed (on failure) - exactly one of the two, always, on every
// code path, or a waiter can block for the full 20s timeout for no reason.
func (r *Registry) Lookup(netid uint32, query []byte, answerBuf []byte, flags Flags) (LookupResult, int, error) {
	if flags.Has(FlagNoCacheLookup) {
		if flags.Has(FlagNoCacheStore) {
			return Skip, 0, nil
		}
		return NotFound, 0, nil
	}

	if !packetinspector.ValidateQuery(query) {
		return Unsupported, 0, nil
	}
	fingerprint := packetinspector.Hash(query)

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return Unsupported, 0, nil
	}

	idx, found := n.cache.Find(fingerprint, query)
	if !found {
		if flags.Has(FlagNoCacheStore) {
			return Skip, 0, nil
		}

		if !n.cache.HasPendingOrInsert(fingerprint) {
			n.cache.RecordMiss()
			return NotFound, 0, nil
		}

		deadline := time.Now().Add(pendingRequestTimeout)
		for n.cache.HasPending(fingerprint) {
			if !r.condWaitUntil(deadline) {
				n.waitForPendingTimeoutCount++
				break
			}
			// The network may have been torn down while we were asleep.
			n, ok = r.nets[netid]
			if !ok {
				return NotFound, 0, nil
			}
		}

		idx, found = n.cache.Find(fingerprint, query)
		if !found {
			return NotFound, 0, nil
		}
	}

	if n.cache.Expired(idx, time.Now()) {
		n.cache.Evict(idx)
		return NotFound, 0, nil
	}

	answer, _, _ := n.cache.Entry(idx)
	if len(answer) > len(answerBuf) {
		return Unsupported, 0, nil
	}
	copy(answerBuf, answer)
	n.cache.Touch(idx)
	n.cache.RecordHit()

	return Found, len(answer), nil
}

// condWaitUntil waits on the registry's condition variable until some caller signals it or
// deadline passes, returning false once deadline has passed. sync.Cond has no built-in timeout,
// so a timer is armed to fire one extra Broadcast at the deadline; every waiter re-checks its own
// predicate after waking; spurious wakeups (someone else's Add or Flush, or this timer) are
// harmless because the caller loops. The caller must hold r.mu; it's released for the duration
// of the wait and reacquired before this returns, matching sync.Cond.Wait's contract.
func (r *Registry) condWaitUntil(deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.cond.Wait()
	return time.Now().Before(deadline)
}

// Add implements the cache admission algorithm: validation, duplicate detection, capacity
// eviction, TTL extraction and pending-marker release. The pending marker for this query's
// fingerprint is always cleared before Add returns, on every branch, so a concurrent waiter is
// never left blocked past its timeout by a producer that called Add instead of QueryFailed.
func (r *Registry) Add(netid uint32, query, answer []byte) (AddResult, error) {
	if !packetinspector.ValidateQuery(query) {
		return Invalid, nil
	}
	fingerprint := packetinspector.Hash(query)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()

	n, ok := r.nets[netid]
	if !ok {
		return NoNetwork, nil
	}

	if _, found := n.cache.Find(fingerprint, query); found {
		n.cache.ClearPending(fingerprint)
		n.cache.RecordAlreadyPresent()
		return AlreadyPresent, nil
	}

	if n.cache.Full() {
		n.cache.SweepExpired(time.Now())
		if n.cache.Full() {
			n.cache.EvictOldest()
		}
		if _, found := n.cache.Find(fingerprint, query); found {
			n.cache.ClearPending(fingerprint)
			return AlreadyPresent, nil
		}
	}

	ttl := answercache.AnswerTTL(answer)
	if ttl > 0 {
		n.cache.Admit(fingerprint, query, answer, time.Now().Add(time.Duration(ttl)*time.Second))
	}

	n.cache.ClearPending(fingerprint)
	return OK, nil
}

// QueryFailed clears the pending marker for query without admitting anything, waking any
// waiter so it can re-probe and observe the miss. It's a no-op if either no-cache flag is set,
// matching the original's refusal to notify in that case - a caller asking for no caching
// never created a marker to begin with.
func (r *Registry) QueryFailed(netid uint32, query []byte, flags Flags) {
	if flags.Has(FlagNoCacheStore) || flags.Has(FlagNoCacheLookup) {
		return
	}
	if !packetinspector.ValidateQuery(query) {
		return
	}
	fingerprint := packetinspector.Hash(query)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()

	n, ok := r.nets[netid]
	if !ok {
		return
	}
	n.cache.ClearPending(fingerprint)
}

// Flush discards every cached entry and pending marker for netid.
func (r *Registry) Flush(netid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()

	n, ok := r.nets[netid]
	if !ok {
		return ErrNoNetwork
	}
	n.cache.Flush()
	return nil
}
