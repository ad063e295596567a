// Package sendengine implements the retry/timeout/transport state machine that turns a cache
// miss into a wire query: it consults the private-DNS controller for a DoT attempt, picks servers
// from the network's usability vector, and runs the UDP-then-TCP-on-truncation send loop against
// whichever ones look healthy, recording a stats sample for each server's first attempt and
// admitting a successful answer to the cache.
package sendengine

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/markdingo/trustydns-core/internal/concurrencytracker"
	"github.com/markdingo/trustydns-core/internal/connectiontracker"
	"github.com/markdingo/trustydns-core/internal/netregistry"
	"github.com/markdingo/trustydns-core/internal/privatedns"
)

// Result is the outcome of a Send call.
type Result int

const (
	// Answered means resplen>0 bytes of answer were written to the caller's buffer.
	Answered Result = iota
	// Timeout means every usable server was tried without a usable response.
	Timeout
	// ConnectionRefused means no usable server exists, or every attempt failed to connect.
	ConnectionRefused
	// NoNameservers means the network has no configured servers at all.
	NoNameservers
	// Invalid means the query packet failed validation.
	Invalid
)

// Engine runs the send algorithm against a netregistry.Registry and an optional privatedns
// controller.
type Engine struct {
	registry    *netregistry.Registry
	privateDNS  *privatedns.Controller
	dialControl func(network, address string, mark uint32, fd uintptr) error

	tcpConns *connectiontracker.Tracker
	inFlight concurrencytracker.Counter
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSocketControl installs a dialer Control hook invoked with the netid's mark and the raw file
// descriptor of every outbound UDP and TCP socket before it connects, the Go analogue of the
// original's resolv_tag_socket/setsockopt(SO_MARK) pair. mark is whatever Send's caller passed for
// that query; a hook that doesn't care about marks (or DefaultSocketTagger when mark is 0) is a
// no-op.
func WithSocketControl(fn func(network, address string, mark uint32, fd uintptr) error) Option {
	return func(e *Engine) { e.dialControl = fn }
}

// New builds a send engine over registry, optionally dispatching through privateDNS first when
// non-nil (nil disables the DoT attempt entirely, equivalent to NET_CONTEXT_FLAG_USE_LOCAL_NAMESERVERS).
func New(registry *netregistry.Registry, privateDNS *privatedns.Controller, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		privateDNS: privateDNS,
		tcpConns:   connectiontracker.New("Send TCP"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements the reporter interface.
func (e *Engine) Name() string { return "Send Engine" }

// Report implements the reporter interface.
func (e *Engine) Report(resetCounters bool) string {
	return e.tcpConns.Report(resetCounters) + " inFlightPeak=" + strconv.Itoa(e.inFlight.Peak(resetCounters))
}

func dialerFor(e *Engine, mark uint32) *net.Dialer {
	d := &net.Dialer{}
	if e.dialControl == nil {
		return d
	}
	control := e.dialControl
	d.Control = func(network, address string, c syscall.RawConn) error {
		var applyErr error
		err := c.Control(func(fd uintptr) {
			applyErr = control(network, address, mark, fd)
		})
		if applyErr != nil {
			return applyErr
		}
		return err
	}
	return d
}

func getTimeout(baseTimeoutMsec, nscount, ns int) time.Duration {
	msec := baseTimeoutMsec << uint(ns)
	if ns > 0 && nscount > 0 {
		msec /= nscount
	}
	if msec < 1000 {
		msec = 1000
	}
	return time.Duration(msec) * time.Millisecond
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
