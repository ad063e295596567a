package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

const usageMessageTemplate = `{{.PackageName}} - {{.ResolverdProgramName}} {{.Version}}

A system-wide DNS stub resolver core: per-network answer cache, send engine
and private-DNS (DoT) controller, fronted by a local DNS listener.

{{.PackageURL}}

Usage: {{.ResolverdProgramName}} [--listen address] ...
          [--ns nameserver] ...
          [--search-domain domain] ...

          [--base-timeout duration] [--retry-count N]
          [--sample-validity duration] [--success-threshold percent]
          [--min-samples N] [--max-samples N]

          [--private-dns-server address] ...
          [--private-dns-name name] [--private-dns-cacert file]
          [--private-dns-connect-timeout ms]

          [--status-interval duration] [-v]

          [--mark value]

          [--gops] [--cpu-profile file] [--mem-profile file]

          [--user userName] [--group groupName] [--chroot directory]

          [--version]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out) // This is permanent so we assume an exit summarily
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")

	flagSet.Var(&cfg.listenAddresses, "listen",
		"Listen `address` to accept inbound DNS queries (default "+defaultListenAddress+")")

	flagSet.Var(&cfg.nameservers, "ns", "Upstream nameserver `address` (host:port, repeatable)")
	flagSet.Var(&cfg.searchDomains, "search-domain", "DNS search `domain` (repeatable)")

	flagSet.DurationVar(&cfg.baseTimeout, "base-timeout", 5*time.Second, "Per-attempt base `timeout`")
	flagSet.IntVar(&cfg.retryCount, "retry-count", 2, "Retry attempts per query")
	flagSet.DurationVar(&cfg.sampleValid, "sample-validity", 30*time.Second, "Stats sample validity `window`")
	flagSet.IntVar(&cfg.successPct, "success-threshold", 50, "Success `percent` below which a server is unusable")
	flagSet.IntVar(&cfg.minSamples, "min-samples", 8, "Minimum samples before a server can be marked unusable")
	flagSet.IntVar(&cfg.maxSamples, "max-samples", 64, "Maximum samples retained per server")

	flagSet.Var(&cfg.privateDNSServers, "private-dns-server", "DNS-over-TLS `address` (repeatable)")
	flagSet.StringVar(&cfg.privateDNSName, "private-dns-name", "", "Required TLS `hostname` - non-empty forces strict mode")
	flagSet.StringVar(&cfg.privateDNSCACert, "private-dns-cacert", "", "Non-system root CA `file` for DoT validation")
	flagSet.IntVar(&cfg.privateDNSConnectMs, "private-dns-connect-timeout", 0, "DoT connect timeout in `ms` (0 = default)")

	flagSet.DurationVar(&cfg.statusInterval, "status-interval", time.Minute*15, "Periodic Status Report `interval` (needs -v set)")

	flagSet.UintVar(&cfg.mark, "mark", 0, "SO_MARK `value` applied to outbound sockets (0 = none, Linux only)")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
