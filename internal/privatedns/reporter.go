package privatedns

import (
	"fmt"
	"sort"
)

// Name implements the reporter interface.
func (c *Controller) Name() string {
	return "Private DNS"
}

// Report implements the reporter interface, listing each tracked network's mode and the
// validation state of every server it's tracking.
func (c *Controller) Report(bool) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	netids := make([]uint32, 0, len(c.modes))
	for netid := range c.modes {
		netids = append(netids, netid)
	}
	sort.Slice(netids, func(i, j int) bool { return netids[i] < netids[j] })

	report := fmt.Sprintf("nets=%d", len(netids))
	for _, netid := range netids {
		tracker := c.trackers[netid]
		report += fmt.Sprintf("\nnet=%d mode=%s servers=%d", netid, c.modes[netid], len(tracker))
		for addr, entry := range tracker {
			report += fmt.Sprintf(" %s=%s", addr, entry.state)
		}
	}
	return report
}
