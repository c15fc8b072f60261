// Package bootstrap implements the seeder thread: it resolves a fixed
// list of bootstrap hostnames and feeds the resulting addresses into the
// Address Database as tracked peers, so a freshly started seeder with an
// empty database has somewhere to start crawling. Grounded on
// _examples/original_source/main.cpp's ThreadSeeder and
// _examples/gombadi-dnsseeder/seeder.go's initSeeder.
package bootstrap

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainseed/dnsseeder/internal/adb"
)

var log = logrus.WithField("pkg", "bootstrap")

// ReResolveInterval matches the original's 1800-second sleep between
// re-resolution passes.
const ReResolveInterval = 30 * time.Minute

// Resolver abstracts net.LookupHost so tests can avoid real DNS lookups.
type Resolver func(ctx context.Context, host string) ([]string, error)

// DefaultResolver performs a real DNS lookup via net.DefaultResolver.
func DefaultResolver(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// Seeder periodically re-resolves a fixed hostname list and adds every
// resulting address to the database as tracked, exactly as the original
// ThreadSeeder does on its 30-minute cycle.
type Seeder struct {
	DB       *adb.DB
	Hosts    []string
	Port     uint16
	Resolve  Resolver
	Interval time.Duration
}

func (s *Seeder) setDefaults() {
	if s.Resolve == nil {
		s.Resolve = DefaultResolver
	}
	if s.Interval == 0 {
		s.Interval = ReResolveInterval
	}
}

// Run performs an immediate resolution pass, then repeats on Interval
// until ctx is cancelled.
func (s *Seeder) Run(ctx context.Context) error {
	s.setDefaults()

	s.resolveOnce(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.resolveOnce(ctx)
		}
	}
}

func (s *Seeder) resolveOnce(ctx context.Context) {
	added := 0
	for _, host := range s.Hosts {
		if host == "" {
			continue
		}
		addrs, err := s.Resolve(ctx, host)
		if err != nil {
			log.WithError(err).WithField("host", host).Warn("bootstrap lookup failed")
			continue
		}
		for _, a := range addrs {
			ip := net.ParseIP(a)
			if ip == nil {
				continue
			}
			if s.DB.Add(adb.Endpoint{IP: ip, Port: s.Port}, true) {
				added++
			}
		}
	}
	log.WithField("added", added).Debug("bootstrap resolution pass complete")
}

// MainnetSeeds is the mainnet bootstrap hostname/address list, carried
// over from the original's mainnet_seeds table.
var MainnetSeeds = []string{
	"104.162.29.177", "107.189.41.252", "107.189.41.253", "110.141.197.253",
	"113.234.210.42", "119.35.239.10", "121.141.1.110", "124.190.20.196",
	"13.59.176.178", "138.75.82.49", "142.196.81.147", "145.133.26.125",
	"173.208.164.34", "174.65.5.243", "175.156.208.93", "177.134.72.187",
	"178.202.104.208", "179.105.110.4", "181.63.77.204", "186.219.65.154",
	"187.183.89.32", "187.59.22.213", "188.193.115.1", "188.221.66.158",
	"188.230.13.244", "189.73.237.8", "191.223.56.136", "198.91.208.190",
	"200.101.11.208", "200.163.153.67", "201.40.6.249", "201.43.133.12",
	"212.187.125.158", "213.114.93.152", "213.239.208.169", "213.49.231.63",
	"213.49.248.83", "213.89.70.19", "24.12.255.181", "34.214.105.83",
	"37.135.53.123", "39.59.132.132", "42.150.237.167", "50.38.44.218",
	"54.200.21.73", "54.202.194.41", "54.202.91.1", "54.244.11.199",
	"59.102.126.50", "59.8.9.39", "60.21.2.42", "67.164.169.35",
	"67.230.58.25", "67.246.149.154", "68.36.216.167", "68.48.225.122",
	"70.161.211.48", "71.201.209.44", "72.185.23.235", "73.223.25.90",
	"73.237.34.82", "75.148.236.42", "77.54.197.131", "78.26.164.192",
	"80.64.131.249", "84.165.226.164", "85.10.208.71", "88.164.75.41",
	"91.203.26.132", "92.0.227.118", "93.75.81.205", "93.80.28.78",
	"96.87.95.52", "97.92.217.92", "98.180.124.103", "98.213.69.205",
}

// TestnetSeeds is empty, matching the original's testnet_seeds table --
// the switching logic is real even though the table itself never shipped
// any addresses.
var TestnetSeeds = []string{}

// SeedsForNetwork returns the bootstrap list for the given network,
// selected by the --testnet flag.
func SeedsForNetwork(testnet bool) []string {
	if testnet {
		return TestnetSeeds
	}
	return MainnetSeeds
}
