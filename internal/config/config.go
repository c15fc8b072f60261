// Package config parses the seeder's command-line surface. It is the
// one place the CLI flags turn into typed values; everything downstream
// (cmd/dnsseeder's wiring) works off the resulting Config.
package config

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// Config mirrors the CLI surface one field per flag, parsed with
// jessevdk/go-flags rather than hand-rolled flag parsing -- its
// getopt-style long/short option surface (-t/--threads etc.) is the
// closer match to the original's getopt_long than the standard
// library's flag package.
type Config struct {
	Host string `short:"h" long:"host" description:"DNS zone hostname to serve answers for"`
	NS   string `short:"n" long:"ns" description:"Authoritative nameserver hostname announced in NS/SOA answers"`
	MBox string `short:"m" long:"mbox" description:"SOA contact mailbox"`

	Threads    int `short:"t" long:"threads" default:"96" description:"Number of concurrent crawler workers (1-999)"`
	DNSThreads int `short:"d" long:"dns-threads" default:"4" description:"Number of per-thread DNS answer caches"`
	Port       int `short:"p" long:"port" default:"53" description:"UDP port to serve DNS on"`

	OnionProxy string `short:"o" long:"onion-proxy" description:"SOCKS5 proxy address for .onion endpoints, ip:port"`
	V4Proxy    string `short:"i" long:"v4-proxy" description:"SOCKS5 proxy address for IPv4 endpoints, ip:port"`
	V6Proxy    string `short:"k" long:"v6-proxy" description:"SOCKS5 proxy address for IPv6 endpoints, ip:port"`

	Testnet    bool `long:"testnet" description:"Crawl the testnet bootstrap seed list and use the testnet protocol magic"`
	WipeBan    bool `long:"wipeban" description:"Clear the ban list on startup"`
	WipeIgnore bool `long:"wipeignore" description:"Clear all ignore-until deadlines on startup"`

	SnapshotPath string `long:"snapshot" default:"dnsseed.dat" description:"Path to the restorable ADB snapshot"`
	DumpPath     string `long:"dump" default:"dnsseed.dump" description:"Path to the human-readable peer report"`
	StatsLogPath string `long:"statslog" default:"dnsstats.log" description:"Path to the appended aggregate uptime log"`

	MetricsAddr string `long:"metrics-addr" default:"127.0.0.1:8080" description:"Address to serve Prometheus metrics on"`

	Verbose bool `short:"v" long:"verbose" description:"Enable debug-level logging"`
}

// Load parses os.Args into a Config. It prints the help text and exits 0
// on --help (go-flags' own help flag is left off, since it would claim
// -h, which is the zone hostname here) and on -h given without -n,
// since a hostname with no nameserver to announce it under is not a
// runnable configuration, just a usage mistake. DNS serving itself is
// requested by -n alone: once a nameserver is set, -h and -m become
// required and Load returns an error if either is missing. With -n
// blank, DNS serving is skipped entirely and -h/-m are ignored, so a
// caller can run an ADB-only crawl with no DNS answer surface.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.PrintErrors|flags.PassDoubleDash)
	for _, a := range args {
		if a == "--" {
			break
		}
		if a == "--help" {
			parser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Threads < 1 || cfg.Threads > 999 {
		return nil, fmt.Errorf("config: -t must be between 1 and 999, got %d", cfg.Threads)
	}

	if cfg.Host != "" && cfg.NS == "" {
		parser.WriteHelp(os.Stderr)
		os.Exit(0)
	}

	dnsRequested := cfg.NS != ""
	if dnsRequested {
		if cfg.Host == "" {
			return nil, fmt.Errorf("config: no hostname set, use -h")
		}
		if cfg.MBox == "" {
			return nil, fmt.Errorf("config: no e-mail address set, use -m")
		}
	}

	return &cfg, nil
}
