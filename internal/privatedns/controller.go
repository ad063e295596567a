// Package privatedns tracks, per network, whether DNS-over-TLS is required, preferred or unused,
// and which configured DoT servers have been validated as reachable. It owns its own mutex,
// deliberately separate from internal/netregistry's, and never calls into the registry - the two
// components only ever meet inside internal/sendengine, which holds at most one of their locks
// at a time.
package privatedns

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

// Mode is the private-DNS posture for one network.
type Mode int

const (
	// ModeOff means DoT is never attempted; Query always reports fallback=true.
	ModeOff Mode = iota
	// ModeOpportunistic means DoT is preferred once a server validates, but any failure falls
	// back to cleartext rather than failing the query outright.
	ModeOpportunistic
	// ModeStrict means DoT is mandatory; a query with no validated server and no DoT success
	// is a network error, never a silent fallback to cleartext.
	ModeStrict
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOpportunistic:
		return "opportunistic"
	case ModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Validation is the per-server state machine: absent (not in the tracker) -> InProcess ->
// Success | Fail; Fail -> InProcess on resubmission by Set.
type Validation int

const (
	InProcess Validation = iota
	Success
	Fail
)

func (v Validation) String() string {
	switch v {
	case InProcess:
		return "in_process"
	case Success:
		return "success"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Server identifies one configured DoT endpoint.
type Server struct {
	Addr           string // host:853, numeric
	Name           string // expected TLS hostname, non-empty only in STRICT mode
	CACert         string // PEM blob, may be empty
	ConnectTimeout time.Duration
}

// TLSTransport is the external collaborator that actually speaks DNS-over-TLS. The controller
// never opens a socket itself; it only decides which servers are worth trying and hands the work
// off here, the same separation the original draws between PrivateDnsConfiguration and
// DnsTlsTransport/DnsTlsDispatcher.
type TLSTransport interface {
	// Validate probes server over TLS and reports success. DefaultTLSTransport's probe is a TLS
	// handshake only; no query is exchanged.
	Validate(server Server, netid uint32, mark uint32) bool

	// Query dispatches msg to one of the validated servers and returns the raw answer.
	Query(validated []Server, netid uint32, mark uint32, msg []byte, answerBuf []byte) (resplen int, outcome QueryOutcome, err error)
}

// EventListener receives a notification for every completed validation attempt.
type EventListener interface {
	OnPrivateDNSValidationEvent(netid uint32, serverAddr, serverName string, success bool)
}

// QueryOutcome is TLSTransport.Query's result classification.
type QueryOutcome int

const (
	QuerySuccess QueryOutcome = iota
	QueryNetworkError
	QueryInternalError
)

var ErrInvalidServer = errors.New("privatedns: server does not parse as a numeric host:853 address")

type trackerEntry struct {
	server Server
	state  Validation
}

// Controller is the per-process private-DNS state: one mode and one server tracker per network.
type Controller struct {
	mu        sync.RWMutex
	modes     map[uint32]Mode
	trackers  map[uint32]map[string]*trackerEntry
	transport TLSTransport
	listener  EventListener
}

// NewController builds a controller that dispatches validation and queries through transport and
// reports validation outcomes to listener. Either may be nil in tests that never call Set/Query.
func NewController(transport TLSTransport, listener EventListener) *Controller {
	return &Controller{
		modes:     make(map[uint32]Mode),
		trackers:  make(map[uint32]map[string]*trackerEntry),
		transport: transport,
		listener:  listener,
	}
}

// parseServer normalizes addr to host:853, validating the host is a numeric IP the same way
// netregistry's parseServers does for cleartext servers.
func parseServer(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "853"
	}
	if net.ParseIP(host) == nil {
		return "", ErrInvalidServer
	}
	return net.JoinHostPort(host, port), nil
}

// Set installs the private-DNS configuration for netid: parses each server, derives the mode
// from whether name/servers were supplied, reconciles the tracker against the new server set,
// and kicks off background validation for anything new or previously failed. mark is the socket
// mark the validator must apply to its probe connections (opaque to this package, passed through
// to TLSTransport.Validate).
func (c *Controller) Set(netid uint32, mark uint32, servers []string, name, caCert string, connectTimeoutMs int) error {
	if name != "" {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return ErrInvalidServer
		}
		name = ascii
	}

	parsed := make([]Server, 0, len(servers))
	for _, s := range servers {
		addr, err := parseServer(s)
		if err != nil {
			return err
		}
		timeout := time.Duration(0)
		if connectTimeoutMs > 0 {
			if connectTimeoutMs < 1000 {
				connectTimeoutMs = 1000
			}
			timeout = time.Duration(connectTimeoutMs) * time.Millisecond
		}
		parsed = append(parsed, Server{Addr: addr, Name: name, CACert: caCert, ConnectTimeout: timeout})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case name != "":
		c.modes[netid] = ModeStrict
	case len(parsed) > 0:
		c.modes[netid] = ModeOpportunistic
	default:
		c.modes[netid] = ModeOff
		delete(c.trackers, netid)
		return nil
	}

	tracker, ok := c.trackers[netid]
	if !ok {
		tracker = make(map[string]*trackerEntry)
		c.trackers[netid] = tracker
	}

	wanted := make(map[string]struct{}, len(parsed))
	for _, s := range parsed {
		wanted[s.Addr] = struct{}{}
	}
	for addr := range tracker {
		if _, want := wanted[addr]; !want {
			delete(tracker, addr)
		}
	}

	for _, s := range parsed {
		if needsValidation(tracker, s) {
			tracker[s.Addr] = &trackerEntry{server: s, state: InProcess}
			go c.runValidator(s, netid, mark)
		}
	}

	return nil
}

func needsValidation(tracker map[string]*trackerEntry, server Server) bool {
	entry, ok := tracker[server.Addr]
	return !ok || entry.state == Fail
}

// Status is the GetStatus snapshot: the network's mode and the validation state of every
// currently tracked server.
type Status struct {
	Mode    Mode
	Servers map[string]Validation
}

// GetStatus returns a cheap snapshot of netid's mode and server validation map. Absent netids
// report ModeOff with an empty map, the same zero-value the original returns for an unconfigured
// network.
func (c *Controller) GetStatus(netid uint32) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{Mode: c.modes[netid], Servers: make(map[string]Validation)}
	for addr, entry := range c.trackers[netid] {
		status.Servers[addr] = entry.state
	}
	return status
}

// Clear forgets all private-DNS state for netid.
func (c *Controller) Clear(netid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modes, netid)
	delete(c.trackers, netid)
}

// validatedServers returns the subset of netid's tracked servers currently in the Success state.
func (c *Controller) validatedServers(netid uint32) []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Server
	for _, entry := range c.trackers[netid] {
		if entry.state == Success {
			out = append(out, entry.server)
		}
	}
	return out
}
