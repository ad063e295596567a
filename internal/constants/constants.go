/*
Package constants provides common values used across all trustydns-core packages. Usage is to call
the global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ResolverdProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

import "time"

// Constants contains the system-wide constants
type Constants struct {
	ResolverdProgramName string // Package related constants
	Version              string
	PackageName          string
	PackageURL           string
	RFC                  string

	DNSDefaultPort       string // DNS Related constants
	DoTDefaultPort       string
	DNSTruncateThreshold int // A message larger than this size may be truncated unless EDNS0

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.

	MaxNS             int // Maximum configured nameservers per network
	MaxDNSSearch      int // Maximum search-domain entries per network
	MaxDNSSearchPath  int // Maximum length of a single search-domain entry
	CacheMaxEntries   int // Default bound on live entries in a network's answer cache
	PendingReqTimeout time.Duration
	DefaultRetryCount int
	DefaultTimeoutMs  int

	DefaultSubsamplingMap string // "default:N rcode:N ..." parsed by netregistry
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ResolverdProgramName: "trustydns-resolverd",
		Version:              "v0.1.0",
		PackageName:          "Trusty DNS Resolver Core",
		PackageURL:           "https://github.com/markdingo/trustydns-core",
		RFC:                  "RFC1035",

		DNSDefaultPort:       "53",
		DoTDefaultPort:       "853",
		DNSTruncateThreshold: 512,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		MaxNS:             4,
		MaxDNSSearch:      6,
		MaxDNSSearchPath:  256,
		CacheMaxEntries:   640,
		PendingReqTimeout: 20 * time.Second,
		DefaultRetryCount: 2,
		DefaultTimeoutMs:  5000,

		DefaultSubsamplingMap: "default:1 0:100 7:10",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
