// trustydns-resolverd runs the resolver core as a standalone local DNS proxy: queries arriving
// on the configured listen address(es) are forwarded through resolvcore.Core to the configured
// upstream (and, optionally, DNS-over-TLS) servers.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/markdingo/trustydns-core/internal/constants"
	"github.com/markdingo/trustydns-core/internal/netregistry"
	"github.com/markdingo/trustydns-core/internal/osutil"
	"github.com/markdingo/trustydns-core/internal/privatedns"
	"github.com/markdingo/trustydns-core/internal/reporter"
	"github.com/markdingo/trustydns-core/internal/sendengine"
	"github.com/markdingo/trustydns-core/resolvcore"
)

var (
	consts               = constants.Get()
	cfg                  *config
	defaultListenAddress = "127.0.0.1:" + consts.DNSDefaultPort

	stdout io.Writer
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ResolverdProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution, the same test-friendly split cmd/trustydns-server uses.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainState(initial)
	stopChannel = make(chan os.Signal, 4)
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	defer mainState(stopped)
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ResolverdProgramName, "Version:", consts.Version)
		return 0
	}
	if flagSet.NArg() > 0 {
		return fatal("Unexpected parameters on the command line", strings.Join(flagSet.Args(), " "))
	}
	if cfg.nameservers.NArg() == 0 {
		return fatal("At least one -ns nameserver must be supplied")
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal("gops agent:", err)
		}
	}

	var engineOpts []sendengine.Option
	if cfg.mark != 0 {
		engineOpts = append(engineOpts, sendengine.WithSocketControl(sendengine.DefaultSocketTagger))
	}
	core := resolvcore.New(privatedns.DefaultTLSTransport{}, nil, engineOpts...)
	if err := core.CreateCacheForNet(defaultNetID); err != nil {
		return fatal(err)
	}

	params := netregistry.Params{
		SampleValiditySeconds:   int(cfg.sampleValid.Seconds()),
		SuccessThresholdPercent: cfg.successPct,
		MinSamples:              cfg.minSamples,
		MaxSamples:              cfg.maxSamples,
		BaseTimeoutMsec:         int(cfg.baseTimeout.Milliseconds()),
		RetryCount:              cfg.retryCount,
	}
	if err := core.SetResolvers(defaultNetID, cfg.nameservers.Args(), cfg.searchDomains.Args(), params); err != nil {
		return fatal("Invalid -ns address:", err)
	}

	if cfg.privateDNSServers.NArg() > 0 || cfg.privateDNSName != "" {
		caCert := ""
		if cfg.privateDNSCACert != "" {
			pemBytes, err := os.ReadFile(cfg.privateDNSCACert)
			if err != nil {
				return fatal("-private-dns-cacert:", err)
			}
			caCert = string(pemBytes)
		}
		if err := core.SetPrivateDNS(defaultNetID, uint32(cfg.mark), cfg.privateDNSServers.Args(),
			cfg.privateDNSName, caCert, cfg.privateDNSConnectMs); err != nil {
			return fatal("Invalid -private-dns-server address:", err)
		}
	}

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var memProfileFile *os.File
	var err error
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	if cfg.listenAddresses.NArg() == 0 {
		cfg.listenAddresses.Set(defaultListenAddress)
	}

	var reporters []reporter.Reporter
	reporters = append(reporters, core.Reporters()...)

	var servers []*server
	errorChannel := make(chan error, cfg.listenAddresses.NArg()*2)
	wg := &sync.WaitGroup{}

	for _, addr := range cfg.listenAddresses.Args() {
		s := &server{stdout: stdout, core: core, listenAddress: addr, mark: uint32(cfg.mark)}
		if err := s.start(errorChannel, wg); err != nil {
			return fatal("Listen", addr, ":", err)
		}
		if cfg.verbose {
			fmt.Fprintln(stdout, "Listening:", s.listenName())
		}
		reporters = append(reporters, s)
		servers = append(servers, s)
	}

	go func(setuidName, setgidName, chrootDir string, verbose bool, stdout io.Writer) {
		time.Sleep(3 * time.Second)
		if err := osutil.Constrain(setuidName, setgidName, chrootDir); err != nil {
			errorChannel <- err
			return
		}
		if verbose {
			fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
		}
	}(cfg.setuidName, cfg.setgidName, cfg.chrootDir, cfg.verbose, stdout)

	mainState(started)
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if osutil.IsSignalUSR1(s) {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case err := <-errorChannel:
			if err != nil {
				return fatal(err)
			}

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	for _, s := range servers {
		s.stop()
	}
	mainState(stopped)
	wg.Wait()

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.ResolverdProgramName, consts.Version, "Exiting after", uptime())
	}

	if memProfileFile != nil {
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ResolverdProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, line := range reps {
			if len(line) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), line)
			}
		}
	}
}
