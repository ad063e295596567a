package privatedns

import "time"

// backoff reproduces BackoffSequence's doubling schedule: a 60s initial retransmission time that
// doubles on every step and saturates at 3600s. It never signals exhaustion - runValidator
// instead stops once recordValidation reports that no reevaluation is needed.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func newBackoff() *backoff {
	return &backoff{next: 60 * time.Second, max: 3600 * time.Second}
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// runValidator is the background loop started by Set for every server that needs (re)validation.
// It retries server's TLS handshake with an exponentially growing delay until the probe succeeds,
// the network is no longer in STRICT mode (a failure outside STRICT is recorded once and not
// retried), or the tracker entry for server has moved on without it (replaced by a newer Set
// call, or the network was cleared), at which point this goroutine has nothing left to do and
// exits.
func (c *Controller) runValidator(server Server, netid uint32, mark uint32) {
	b := newBackoff()
	for {
		success := c.transport != nil && c.transport.Validate(server, netid, mark)

		needsReeval := c.recordValidation(server, netid, success)
		if c.listener != nil {
			c.listener.OnPrivateDNSValidationEvent(netid, server.Addr, server.Name, success)
		}
		if !needsReeval {
			return
		}

		time.Sleep(b.Next())
	}
}

// recordValidation applies one validation outcome to netid's tracker entry for server and
// reports whether the validator should keep retrying. Reevaluation on failure only ever happens
// in STRICT mode; an OPPORTUNISTIC failure is recorded as fail once and never retried.
//
// If the tracker entry for this server is missing, or no longer matches the server this
// validation was run for, the write is refused outright: the validation result is discarded and
// the validator stops, rather than resurrecting or overwriting a tracker slot that something else
// has since taken responsibility for. The original does the opposite - it overwrites the tracker
// unconditionally and only logs a warning that doing so "doesn't seem correct" - which is the
// behavior this implementation deliberately declines to reproduce.
func (c *Controller) recordValidation(server Server, netid uint32, success bool) (needsReeval bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracker, ok := c.trackers[netid]
	if !ok {
		return false
	}
	entry, ok := tracker[server.Addr]
	if !ok || entry.server != server {
		return false
	}

	if success {
		entry.state = Success
		return false
	}

	entry.state = Fail
	return c.modes[netid] == ModeStrict
}
