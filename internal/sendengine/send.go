package sendengine

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/markdingo/trustydns-core/internal/constants"
	"github.com/markdingo/trustydns-core/internal/dnsutil"
	"github.com/markdingo/trustydns-core/internal/netregistry"
	"github.com/markdingo/trustydns-core/internal/packetinspector"
	"github.com/markdingo/trustydns-core/internal/privatedns"

	"github.com/miekg/dns"
)

const formerr = 1 // RCODE FORMERR per RFC1035 §4.1.1

// Send resolves query against netid: cache lookup, DoT attempt, then the UDP/TCP retry loop over
// netid's usable servers. mark is passed through to the socket control hook installed on the
// Engine, if any. On Answered, resplen bytes of answer have been written to answerBuf and, if the
// query was a cache miss, the answer has been admitted to the cache.
//
// The caller need not call netregistry.Add/QueryFailed itself - Send does so on every exit path,
// exactly once, the same responsibility res_nsend carries for resolv_cache_add/
// _resolv_cache_query_failed.
func (e *Engine) Send(ctx context.Context, netid uint32, mark uint32, query []byte, answerBuf []byte, flags netregistry.Flags) (resplen int, result Result, rcode int, err error) {
	e.inFlight.Add()
	defer e.inFlight.Done()

	if !packetinspector.ValidateQuery(query) {
		return 0, Invalid, 0, nil
	}

	cacheResult, n, cacheErr := e.registry.Lookup(netid, query, answerBuf, flags)
	if cacheErr != nil {
		return 0, Timeout, 0, cacheErr
	}
	if cacheResult == netregistry.Found {
		return n, Answered, headerRcode(answerBuf[:n]), nil
	}
	wasMiss := cacheResult == netregistry.NotFound

	addrs, revisionID, baseTimeoutMsec, retryCount, svcErr := e.registry.ServerAddrs(netid)
	if svcErr != nil {
		if wasMiss {
			e.registry.QueryFailed(netid, query, flags)
		}
		return 0, NoNameservers, 0, nil
	}
	if len(addrs) == 0 {
		if wasMiss {
			e.registry.QueryFailed(netid, query, flags)
		}
		return 0, NoNameservers, 0, nil
	}

	if e.privateDNS != nil {
		resplen, outcome, fallback, dotErr := e.privateDNS.Query(netid, mark, query, answerBuf)
		if dotErr == nil && outcome == privatedns.QuerySuccess && resplen > 0 {
			if wasMiss {
				e.registry.Add(netid, query, answerBuf[:resplen])
			}
			return resplen, Answered, headerRcode(answerBuf[:resplen]), nil
		}
		if !fallback {
			e.registry.QueryFailed(netid, query, flags)
			return 0, Timeout, 0, nil
		}
	}

	usable, usableErr := e.registry.UsableVector(netid, time.Now())
	if usableErr != nil {
		if wasMiss {
			e.registry.QueryFailed(netid, query, flags)
		}
		return 0, NoNameservers, 0, nil
	}

	usableCount := 0
	for _, ok := range usable {
		if ok {
			usableCount++
		}
	}
	if flags.Has(netregistry.FlagNoRetry) && usableCount > 1 {
		selected := int(queryID(query))%usableCount + 1
		setSingleUsableServer(selected, usable)
	}

	retryTimes := retryCount
	if flags.Has(netregistry.FlagNoRetry) {
		retryTimes = 1
	}

	c := constants.Get()
	effectiveQuery := query
	useTCP := len(query) > c.DNSTruncateThreshold
	gotSomewhere := false

	for attempt := 0; attempt < retryTimes; attempt++ {
		for ns := 0; ns < len(addrs); ns++ {
			if !usable[ns] {
				continue
			}

			timeout := getTimeout(baseTimeoutMsec, len(addrs), ns)
			start := time.Now()
			shouldRecordStats := attempt == 0

			var n int
			var attemptErr error
			var truncated bool
			if useTCP {
				attempt = retryTimes // TCP gets at most one attempt per server, as send_vc does.
				n, attemptErr = e.sendTCP(ctx, netid, mark, addrs[ns], effectiveQuery, answerBuf, timeout)
				if errors.Is(attemptErr, syscall.ECONNRESET) {
					// One connection reset earns a single same-server retry.
					n, attemptErr = e.sendTCP(ctx, netid, mark, addrs[ns], effectiveQuery, answerBuf, timeout)
				}
			} else {
				n, truncated, attemptErr = e.sendUDP(ctx, netid, mark, addrs[ns], effectiveQuery, answerBuf, timeout)
				if truncated {
					useTCP = true
				}
			}
			delay := time.Since(start)

			if attemptErr == nil && n > 0 {
				gotSomewhere = true
			}

			// Only the first attempt at a query contributes a stats sample, so a server that
			// deterministically times out or SERVFAILs doesn't get punished once per retry.
			if shouldRecordStats {
				sample := netregistry.Sample{At: time.Now(), RTTMs: int(delay / time.Millisecond)}
				if attemptErr == nil && n > 0 {
					sample.Rcode = headerRcode(answerBuf[:n])
				} else {
					sample.Rcode = -1
				}
				e.registry.RecordSample(netid, ns, revisionID, sample)
			}

			if truncated {
				ns-- // retry the same server, now over TCP, matching send_dg's fallbackTCP handling
				continue
			}
			if attemptErr != nil || n == 0 {
				continue
			}

			if headerRcode(answerBuf[:n]) == formerr && !flags.Has(netregistry.FlagEDNS0Err) {
				stripped := stripEDNS0IfMarked(effectiveQuery, netregistry.FlagEDNS0Err)
				if len(stripped) != len(effectiveQuery) {
					flags |= netregistry.FlagEDNS0Err
					effectiveQuery = stripped
					continue
				}
			}

			switch headerRcode(answerBuf[:n]) {
			case dns.RcodeServerFailure, dns.RcodeNotImplemented, dns.RcodeRefused:
				continue // abandon this server and move on to the next
			}

			if wasMiss {
				e.registry.Add(netid, query, answerBuf[:n])
			}
			return n, Answered, headerRcode(answerBuf[:n]), nil
		}
	}

	e.registry.QueryFailed(netid, query, flags)
	if useTCP {
		return 0, Timeout, 0, nil
	}
	if gotSomewhere {
		return 0, Timeout, 0, nil
	}
	return 0, ConnectionRefused, 0, nil
}

func queryID(query []byte) uint16 {
	if len(query) < 2 {
		return 0
	}
	return uint16(query[0])<<8 | uint16(query[1])
}

// setSingleUsableServer reproduces res_set_usable_server: starting from the selected-th usable
// server (1-based, wrapping), mark every other server unusable so the retry loop tries exactly
// one, deterministically chosen by query id.
func setSingleUsableServer(selected int, usable []bool) {
	count := 0
	for i, ok := range usable {
		if !ok {
			continue
		}
		count++
		usable[i] = count == selected
	}
}

func headerRcode(msg []byte) int {
	if len(msg) < 4 {
		return 0
	}
	return int(msg[3] & 0x0F)
}

// stripEDNS0IfMarked removes the EDNS0 OPT record from query when flags carries FlagEDNS0Err,
// matching the original's RES_F_EDNS0ERR fallback: once a server has demonstrated it rejects
// EDNS0 with FORMERR, subsequent attempts against any server in the same Send call stop sending
// EDNS0 at all.
func stripEDNS0IfMarked(query []byte, flags netregistry.Flags) []byte {
	if !flags.Has(netregistry.FlagEDNS0Err) {
		return query
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return query
	}
	if dnsutil.FindOPT(msg) == nil {
		return query
	}
	extra := make([]dns.RR, 0, len(msg.Extra))
	for _, rr := range msg.Extra {
		if _, isOPT := rr.(*dns.OPT); isOPT {
			continue
		}
		extra = append(extra, rr)
	}
	msg.Extra = extra
	packed, err := msg.Pack()
	if err != nil {
		return query
	}
	return packed
}
