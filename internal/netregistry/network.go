package netregistry

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/markdingo/trustydns-core/internal/answercache"
	"github.com/markdingo/trustydns-core/internal/constants"
)

// Sample is one recorded outcome of a query sent to a particular server, fenced by the revision
// id in effect when the send began so a stale in-flight write can never land after the server
// list has been replaced.
type Sample struct {
	At    time.Time
	RTTMs int
	Rcode int
}

// serverStat is the per-server ring buffer of recent samples used to derive the usability
// vector the send engine consults before choosing which servers to try.
type serverStat struct {
	addr    string
	samples []Sample
	next    int
}

func newServerStat(addr string, maxSamples int) *serverStat {
	if maxSamples <= 0 {
		maxSamples = 1
	}
	return &serverStat{addr: addr, samples: make([]Sample, 0, maxSamples)}
}

func (s *serverStat) record(sample Sample, maxSamples int) {
	if maxSamples <= 0 {
		maxSamples = 1
	}
	if len(s.samples) < maxSamples {
		s.samples = append(s.samples, sample)
		return
	}
	s.samples[s.next] = sample
	s.next = (s.next + 1) % maxSamples
}

// successRate returns the fraction of samples within validity that were NOERROR, and the count
// of samples considered.
func (s *serverStat) successRate(validity time.Duration, now time.Time) (rate float64, n int) {
	var ok int
	for _, sample := range s.samples {
		if now.Sub(sample.At) > validity {
			continue
		}
		n++
		if sample.Rcode == 0 {
			ok++
		}
	}
	if n == 0 {
		return 1, 0
	}
	return float64(ok) / float64(n), n
}

// network holds everything the registry tracks for one netid: its cache, its resolved server
// list, search domains, tuning params, per-server stats, and the revision id that fences
// in-flight stat writes against a server-list replacement.
type network struct {
	netid         uint32
	cache         *answercache.Cache
	serverAddrs   []*net.UDPAddr
	serverStrs    []string
	searchDomains []string
	params        Params
	stats         []*serverStat
	revisionID    uint64
	subsampling   map[int]uint32

	waitForPendingTimeoutCount uint64
}

func newNetwork(netid uint32) *network {
	c := constants.Get()
	return &network{
		netid:       netid,
		cache:       answercache.New(c.CacheMaxEntries),
		subsampling: parseSubsamplingMap(c.DefaultSubsamplingMap),
	}
}

// parseServers parses each server string as a numeric address with the DNS port (53) appended
// when absent, matching the original's use of getaddrinfo(AI_NUMERICHOST) - no hostname ever
// gets resolved through DNS here, only literal IPs.
func parseServers(servers []string) ([]*net.UDPAddr, error) {
	c := constants.Get()
	out := make([]*net.UDPAddr, 0, len(servers))
	for _, s := range servers {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			host, port = s, c.DNSDefaultPort
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, errNotNumericAddress
		}
		portNum, err := strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
		out = append(out, &net.UDPAddr{IP: ip, Port: portNum})
	}
	return out, nil
}

var errNotNumericAddress = errors.New("netregistry: server address is not a numeric IP")

// sameServerSet reports whether a and b contain the same strings, ignoring order and duplicates,
// matching resolv_is_nameservers_equal's unordered-set comparison.
func sameServerSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// dedupDomains filters duplicate search domains, preserving the first occurrence, drops any
// entry longer than MaxDNSSearchPath-1 bytes, and keeps at most MaxDNSSearch entries.
func dedupDomains(domains []string) []string {
	c := constants.Get()
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if _, dup := seen[d]; dup {
			continue
		}
		if len(out) >= c.MaxDNSSearch {
			break
		}
		if len(d) > c.MaxDNSSearchPath-1 {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

const subsamplingDefaultKey = -1

// parseSubsamplingMap parses a "default:1 0:100 7:10"-shaped string into a return-code → rate
// map, skipping malformed pairs the same way resolv_get_dns_event_subsampling_map does.
func parseSubsamplingMap(s string) map[int]uint32 {
	out := make(map[int]uint32)
	for _, pair := range strings.Fields(s) {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		denom, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			continue
		}
		var key int
		if kv[0] == "default" {
			key = subsamplingDefaultKey
		} else {
			k, err := strconv.Atoi(kv[0])
			if err != nil {
				continue
			}
			key = k
		}
		out[key] = uint32(denom)
	}
	return out
}

func (n *network) subsamplingDenom(rcode int) uint32 {
	if v, ok := n.subsampling[rcode]; ok {
		return v
	}
	return n.subsampling[subsamplingDefaultKey]
}
