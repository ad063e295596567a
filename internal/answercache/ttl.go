package answercache

import "github.com/miekg/dns"

// AnswerTTL parses answer as a DNS message and returns the number of seconds it should be kept
// in the cache. A response with at least one answer record yields the positive TTL, the minimum
// ttl across the answer section. An empty answer section yields the negative TTL from RFC 2308:
// the minimum, across SOA records in the authority section, of the record's own ttl and its
// embedded MINIMUM field. A message that fails to unpack yields 0, meaning "don't cache".
func AnswerTTL(answer []byte) uint32 {
	msg := new(dns.Msg)
	if err := msg.Unpack(answer); err != nil {
		return 0
	}

	if len(msg.Answer) == 0 {
		return negativeTTL(msg.Ns)
	}

	var result uint32
	for n, rr := range msg.Answer {
		ttl := rr.Header().Ttl
		if n == 0 || ttl < result {
			result = ttl
		}
	}
	return result
}

func negativeTTL(authority []dns.RR) uint32 {
	var result uint32
	found := false
	for _, rr := range authority {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		rec := soa.Header().Ttl
		if soa.Minttl < rec {
			rec = soa.Minttl
		}
		if !found || rec < result {
			result = rec
			found = true
		}
	}
	return result
}
