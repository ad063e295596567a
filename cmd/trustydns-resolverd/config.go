package main

import (
	"time"

	"github.com/markdingo/trustydns-core/internal/flagutil"
)

type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	listenAddresses flagutil.StringValue // Addresses for inbound DNS queries

	nameservers   flagutil.StringValue
	searchDomains flagutil.StringValue

	baseTimeout    time.Duration
	retryCount     int
	successPct     int
	minSamples     int
	maxSamples     int
	sampleValid    time.Duration
	statusInterval time.Duration

	privateDNSServers   flagutil.StringValue
	privateDNSName      string
	privateDNSCACert    string
	privateDNSConnectMs int

	mark uint

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // Process constraint settings
}
