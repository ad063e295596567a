package netregistry

import (
	"fmt"
	"sort"
)

// Name implements the reporter interface.
func (r *Registry) Name() string {
	return "Net Registry"
}

// Report implements the reporter interface, producing one line per network plus a summary line,
// in the same key=value compact style the rest of this module's Reporters use.
func (r *Registry) Report(resetCounters bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	netids := make([]uint32, 0, len(r.nets))
	for netid := range r.nets {
		netids = append(netids, netid)
	}
	sort.Slice(netids, func(i, j int) bool { return netids[i] < netids[j] })

	report := fmt.Sprintf("nets=%d", len(netids))
	for _, netid := range netids {
		n := r.nets[netid]
		stats := n.cache.StatsSnapshot(resetCounters)
		report += fmt.Sprintf("\nnet=%d servers=%d entries=%d hits=%d miss=%d evict=%d"+
			" pendingTimeouts=%d rev=%d",
			netid, len(n.serverAddrs), n.cache.NumEntries(), stats.Hits, stats.Misses,
			stats.Evictions, n.waitForPendingTimeoutCount, n.revisionID)
		if resetCounters {
			n.waitForPendingTimeoutCount = 0
		}
	}

	return report
}
