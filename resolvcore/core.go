// Package resolvcore is the public facade over the three subsystems that make up the resolver
// core: the network registry (caches, server lists, stats), the send engine (retry/timeout/
// transport), and the private-DNS controller (DoT mode and validation). A Core is the single
// object a host process needs to construct once and hand queries and configuration changes to,
// the same way cmd/trustydns-server holds one local.Resolver and one set of reporters for the
// lifetime of the process.
package resolvcore

import (
	"context"

	"github.com/markdingo/trustydns-core/internal/netregistry"
	"github.com/markdingo/trustydns-core/internal/privatedns"
	"github.com/markdingo/trustydns-core/internal/reporter"
	"github.com/markdingo/trustydns-core/internal/sendengine"
)

// Core ties the registry, send engine and private-DNS controller together behind the
// configuration and query API a host process drives.
type Core struct {
	registry   *netregistry.Registry
	privateDNS *privatedns.Controller
	engine     *sendengine.Engine
}

// New builds a Core. transport and listener are the host's DNS-over-TLS collaborators (see
// privatedns.TLSTransport/EventListener); either may be nil if private DNS is never configured.
// opts configure the send engine, most commonly WithSocketControl for socket tagging/marking.
func New(transport privatedns.TLSTransport, listener privatedns.EventListener, opts ...sendengine.Option) *Core {
	registry := netregistry.New()
	privateDNS := privatedns.NewController(transport, listener)
	return &Core{
		registry:   registry,
		privateDNS: privateDNS,
		engine:     sendengine.New(registry, privateDNS, opts...),
	}
}

// CreateCacheForNet creates empty cache/server state for netid.
func (c *Core) CreateCacheForNet(netid uint32) error {
	return c.registry.CreateCacheForNet(netid)
}

// DeleteCacheForNet discards all state for netid, including any private-DNS configuration.
func (c *Core) DeleteCacheForNet(netid uint32) {
	c.registry.DeleteCacheForNet(netid)
	c.privateDNS.Clear(netid)
}

// FlushCacheForNet discards every cached answer for netid without touching its server list.
func (c *Core) FlushCacheForNet(netid uint32) error {
	return c.registry.Flush(netid)
}

// ListCaches returns the currently registered netids.
func (c *Core) ListCaches() []uint32 {
	return c.registry.ListCaches()
}

// HasNameservers reports whether netid has at least one configured cleartext server.
func (c *Core) HasNameservers(netid uint32) bool {
	return c.registry.HasNameservers(netid)
}

// SetResolvers installs netid's cleartext server list, search domains and tuning params.
func (c *Core) SetResolvers(netid uint32, servers, domains []string, params netregistry.Params) error {
	return c.registry.SetNameservers(netid, servers, domains, params)
}

// SetPrivateDNS installs netid's DNS-over-TLS configuration. mark is the socket mark the
// background validators apply to their probe connections.
func (c *Core) SetPrivateDNS(netid, mark uint32, servers []string, name, caCert string, connectTimeoutMs int) error {
	return c.privateDNS.Set(netid, mark, servers, name, caCert, connectTimeoutMs)
}

// GetPrivateDNSStatus returns netid's current mode and per-server validation state.
func (c *Core) GetPrivateDNSStatus(netid uint32) privatedns.Status {
	return c.privateDNS.GetStatus(netid)
}

// GetStatsSnapshot returns netid's revision id, server list, params and pending-wait timeout
// count.
func (c *Core) GetStatsSnapshot(netid uint32) (netregistry.StatsSnapshot, error) {
	return c.registry.GetStatsSnapshot(netid)
}

// SubsamplingDenom returns the 1/N logging rate for rcode on netid.
func (c *Core) SubsamplingDenom(netid uint32, rcode int) uint32 {
	return c.registry.SubsamplingDenom(netid, rcode)
}

// Send resolves query against netid, writing the answer into answerBuf. mark is passed through
// to the send engine's socket control hook and to the private-DNS dispatcher.
func (c *Core) Send(ctx context.Context, netid, mark uint32, query, answerBuf []byte, flags netregistry.Flags) (resplen int, result sendengine.Result, rcode int, err error) {
	return c.engine.Send(ctx, netid, mark, query, answerBuf, flags)
}

// Reporters returns every subsystem that implements reporter.Reporter, in the order a host
// process should print them - registry first (cache/server state), then the send engine
// (transport/connection stats), then private DNS (mode/validation state).
func (c *Core) Reporters() []reporter.Reporter {
	return []reporter.Reporter{c.registry, c.engine, c.privateDNS}
}
