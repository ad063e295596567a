// Package netregistry owns the per-network answer caches and server configuration that the send
// engine and the host's configuration API operate on. A single mutex and a single condition
// variable, shared across every network, guard all of it - the same "one lock for the registry
// and every cache it owns" discipline the original resolver uses, so a single-flight wait on one
// network's cache can never deadlock against another network's admission.
package netregistry

import (
	"errors"
	"net"
	"sync"
	"time"
)

var (
	ErrAlreadyPresent = errors.New("netregistry: cache already exists for this network")
	ErrNoNetwork       = errors.New("netregistry: no cache for this network")
	ErrInvalid         = errors.New("netregistry: invalid configuration")
)

// Registry tracks one network struct per netid under a single lock.
type Registry struct {
	mu   sync.Mutex
	cond *sync.Cond
	nets map[uint32]*network
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{nets: make(map[uint32]*network)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// CreateCacheForNet creates empty state for netid. It fails if the netid is already registered.
func (r *Registry) CreateCacheForNet(netid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nets[netid]; exists {
		return ErrAlreadyPresent
	}
	r.nets[netid] = newNetwork(netid)
	return nil
}

// DeleteCacheForNet unlinks and discards all state for netid, waking any waiter blocked on its
// cache so they observe the network as gone rather than hanging until the 20s timeout.
func (r *Registry) DeleteCacheForNet(netid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nets[netid]; !exists {
		return
	}
	delete(r.nets, netid)
	r.cond.Broadcast()
}

// ListCaches returns a snapshot of the currently registered netids.
func (r *Registry) ListCaches() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint32, 0, len(r.nets))
	for netid := range r.nets {
		out = append(out, netid)
	}
	return out
}

// HasNameservers reports whether netid has at least one configured server.
func (r *Registry) HasNameservers(netid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	return ok && len(n.serverAddrs) > 0
}

// SetNameservers installs servers/domains/params for netid. Each server must parse as a numeric
// host or host:port (port 53 when absent); any parse failure leaves all prior state untouched and returns ErrInvalid. If the
// resulting server set differs from the current one (as an unordered set of strings) the old
// stats and addresses are discarded and the revision id is bumped; otherwise the revision id is
// only bumped when MaxSamples changed, since a sampling-window change invalidates in-flight stat
// writes the same way a server replacement does. Search domains are always refreshed without
// touching the cache - cache entries are keyed on the fully-qualified QNAME, so a domain-search
// change can never invalidate what's already cached.
func (r *Registry) SetNameservers(netid uint32, servers, domains []string, params Params) error {
	addrs, err := parseServers(servers)
	if err != nil {
		return ErrInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return ErrNoNetwork
	}

	params = params.withDefaults()
	changed := !sameServerSet(n.serverStrs, servers)
	sampleWindowChanged := n.params.MaxSamples != params.MaxSamples

	if changed {
		n.serverAddrs = addrs
		n.serverStrs = append([]string(nil), servers...)
		n.stats = make([]*serverStat, len(addrs))
		for i, a := range addrs {
			n.stats[i] = newServerStat(a.String(), params.MaxSamples)
		}
		n.revisionID++
	} else if sampleWindowChanged {
		for _, st := range n.stats {
			st.samples = st.samples[:0]
			st.next = 0
		}
		n.revisionID++
	}

	n.searchDomains = dedupDomains(domains)
	n.params = params
	return nil
}

// StatsSnapshot is the GetStatsSnapshot result: the network's revision id, its server list, its
// active params and the pending-request timeout counter.
type StatsSnapshot struct {
	RevisionID        uint64
	Servers           []string
	Params            Params
	PendingTimeouts   uint64
}

// GetStatsSnapshot returns a copy of netid's revision id, server list, params and pending-wait
// timeout count.
func (r *Registry) GetStatsSnapshot(netid uint32) (StatsSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return StatsSnapshot{}, ErrNoNetwork
	}
	return StatsSnapshot{
		RevisionID:      n.revisionID,
		Servers:         append([]string(nil), n.serverStrs...),
		Params:          n.params,
		PendingTimeouts: n.waitForPendingTimeoutCount,
	}, nil
}

// SubsamplingDenom returns the denominator N such that events with rcode should be logged with
// probability 1/N, falling back to the network's "default" entry when rcode has no specific
// entry. 0 means "never log".
func (r *Registry) SubsamplingDenom(netid uint32, rcode int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return 0
	}
	return n.subsamplingDenom(rcode)
}

// RecordSample appends a per-server outcome sample, discarding it if revisionID no longer
// matches the network's current revision (the server list was replaced mid-flight).
func (r *Registry) RecordSample(netid uint32, serverIndex int, revisionID uint64, sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok || n.revisionID != revisionID {
		return
	}
	if serverIndex < 0 || serverIndex >= len(n.stats) {
		return
	}
	n.stats[serverIndex].record(sample, n.params.MaxSamples)
}

// Servers returns the resolved server addresses, the revision id and the retry parameters in
// effect for netid, taken together under one lock so they can never drift apart mid-Send.
func (r *Registry) Servers(netid uint32) (addrs []string, revisionID uint64, baseTimeoutMsec int, retryCount int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return nil, 0, 0, 0, ErrNoNetwork
	}
	for _, a := range n.serverAddrs {
		addrs = append(addrs, a.String())
	}
	return addrs, n.revisionID, n.params.BaseTimeoutMsec, n.params.RetryCount, nil
}

// ServerAddrs returns the resolved server addresses as dialable *net.UDPAddr values, along with
// the revision id and retry parameters in effect for netid, taken together under one lock so the
// send engine's view of "which servers, at which revision" can never drift mid-call.
func (r *Registry) ServerAddrs(netid uint32) (addrs []*net.UDPAddr, revisionID uint64, baseTimeoutMsec int, retryCount int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return nil, 0, 0, 0, ErrNoNetwork
	}
	out := make([]*net.UDPAddr, len(n.serverAddrs))
	copy(out, n.serverAddrs)
	return out, n.revisionID, n.params.BaseTimeoutMsec, n.params.RetryCount, nil
}

// UsableVector returns, for each configured server in order, whether its recent success rate
// clears the network's success threshold within the sample-validity window. If every server
// would be unusable, UsableVector marks every server usable instead - a network with no working
// server must still be tried, matching the original's "if all would be unusable, all are
// considered usable" rule.
func (r *Registry) UsableVector(netid uint32, now time.Time) ([]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nets[netid]
	if !ok {
		return nil, ErrNoNetwork
	}

	validity := time.Duration(n.params.SampleValiditySeconds) * time.Second
	threshold := float64(n.params.SuccessThresholdPercent) / 100

	usable := make([]bool, len(n.stats))
	anyUsable := false
	for i, st := range n.stats {
		rate, samples := st.successRate(validity, now)
		ok := samples < n.params.MinSamples || rate >= threshold
		usable[i] = ok
		anyUsable = anyUsable || ok
	}
	if !anyUsable {
		for i := range usable {
			usable[i] = true
		}
	}
	return usable, nil
}
