package privatedns

import "time"

const (
	strictWaitAttempts = 42
	strictWaitInterval = 100 * time.Millisecond
)

// Query dispatches msg through a validated DoT server for netid, or reports that the caller
// should fall back to cleartext. mark is the socket mark TLSTransport.Query must apply.
//
// In OFF mode this always reports fallback=true without touching the transport. In STRICT mode
// with no validated server yet, it spins for up to 42*100ms (4.2s) waiting for a background
// validator to succeed before giving up with a network error - STRICT never falls back silently.
// In OPPORTUNISTIC mode with no validated server, it reports fallback=true immediately.
func (c *Controller) Query(netid uint32, mark uint32, msg []byte, answerBuf []byte) (resplen int, outcome QueryOutcome, fallback bool, err error) {
	mode := c.modeOf(netid)
	if mode == ModeOff {
		return 0, QuerySuccess, true, nil
	}

	validated := c.validatedServers(netid)
	if len(validated) == 0 {
		if mode == ModeOpportunistic {
			return 0, QuerySuccess, true, nil
		}
		for i := 0; i < strictWaitAttempts && len(validated) == 0; i++ {
			time.Sleep(strictWaitInterval)
			validated = c.validatedServers(netid)
		}
		if len(validated) == 0 {
			return 0, QueryNetworkError, false, nil
		}
	}

	if c.transport == nil {
		return 0, QueryInternalError, false, nil
	}
	n, res, queryErr := c.transport.Query(validated, netid, mark, msg, answerBuf)
	if queryErr != nil {
		return 0, res, mode == ModeOpportunistic, queryErr
	}
	if res == QuerySuccess {
		return n, QuerySuccess, false, nil
	}

	// OPPORTUNISTIC falls back to cleartext on any failure; STRICT never does, surfacing the
	// failure as a network error for the send engine to report as a timeout.
	return 0, res, mode == ModeOpportunistic, nil
}

func (c *Controller) modeOf(netid uint32) Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modes[netid]
}
