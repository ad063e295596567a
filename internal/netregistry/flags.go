package netregistry

// Flags is the per-call bitmask threaded through cache lookups, admissions and the send engine,
// mirroring the ANDROID_RESOLV_* flag bits the original resolver passes down from the platform
// socket API.
type Flags uint32

const (
	// FlagNoCacheLookup skips the cache probe entirely: Lookup returns NotFound (Skip when
	// FlagNoCacheStore is also set) without probing, so a request made with this flag set never
	// waits on, and never becomes the producer for, a pending marker.
	FlagNoCacheLookup Flags = 1 << iota

	// FlagNoCacheStore suppresses writing a successful answer back into the cache.
	FlagNoCacheStore

	// FlagNoRetry limits the send engine to a single attempt against a single, deterministically
	// chosen server instead of iterating the full retry budget.
	FlagNoRetry

	// FlagEDNS0Err records that a server returned FORMERR in response to an EDNS0 query, so the
	// send engine can fall back to a non-EDNS0 retry on a later attempt.
	FlagEDNS0Err
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
