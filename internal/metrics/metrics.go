// Package metrics exports the Address Database's counters as
// Prometheus gauges, using the same Setup/once registration pattern
// common across the Go p2p stack. The original C++ seeder has no
// metrics exporter of its own; this is a domain-stack addition.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chainseed/dnsseeder/internal/adb"
)

var log = logrus.WithField("pkg", "metrics")

// Source is the read-only counters the exporter polls. adb.DB satisfies
// this directly.
type Source interface {
	GetStats() adb.Stats
}

// RequestSource reports the running total of DNS queries answered.
// dnsserver.Server satisfies this directly.
type RequestSource interface {
	Requests() uint64
}

// QuerySource reports the running total of times the DNS server has
// refreshed one of its per-thread caches from the Address Database.
// dnsserver.Server satisfies this directly.
type QuerySource interface {
	Queries() uint64
}

// Registry owns the Prometheus gauges tracking the ADB's counters, plus
// the DNS request and query counters polled from Requests/Queries.
type Registry struct {
	Good      prometheus.Gauge
	Available prometheus.Gauge
	Tracked   prometheus.Gauge
	New       prometheus.Gauge
	Banned    prometheus.Gauge
	Active    prometheus.Gauge
	AgeOldest prometheus.Gauge

	DNSRequests prometheus.Counter
	DNSQueries  prometheus.Counter

	// Requests and Queries, if set, are polled once per interval in Run
	// and their deltas added to DNSRequests/DNSQueries.
	Requests RequestSource
	Queries  QuerySource

	once sync.Once
	reg  *prometheus.Registry

	lastRequests uint64
	lastQueries  uint64
}

// New constructs and registers a Registry against a fresh Prometheus
// registry (not the global default, so multiple Registries in tests
// never collide on metric names).
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.once.Do(func() {
		ng := func(name, help string) prometheus.Gauge {
			g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
			r.reg.MustRegister(g)
			return g
		}
		r.Good = ng("dnsseeder_peers_good", "Number of tracked peers currently passing the reliability ladder")
		r.Available = ng("dnsseeder_peers_available", "Number of tracked peers that are not banned")
		r.Tracked = ng("dnsseeder_peers_tracked", "Number of peers that have ever succeeded a probe")
		r.New = ng("dnsseeder_peers_new", "Number of peers never yet verified")
		r.Banned = ng("dnsseeder_peers_banned", "Number of banned endpoints")
		r.Active = ng("dnsseeder_peers_probing", "Number of peers currently reserved for probing")
		r.AgeOldest = ng("dnsseeder_oldest_attempt_seconds", "Age in seconds of the oldest tracked peer's last attempt")

		r.DNSRequests = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsseeder_dns_requests_total",
			Help: "Total number of DNS queries answered",
		})
		r.reg.MustRegister(r.DNSRequests)

		r.DNSQueries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnsseeder_db_queries_total",
			Help: "Total number of times a DNS thread cache refreshed from the Address Database",
		})
		r.reg.MustRegister(r.DNSQueries)
	})
	return r
}

// Update refreshes the gauges from one GetStats snapshot.
func (r *Registry) Update(s adb.Stats) {
	r.Good.Set(float64(s.Good))
	r.Available.Set(float64(s.Available))
	r.Tracked.Set(float64(s.Tracked))
	r.New.Set(float64(s.New))
	r.Banned.Set(float64(s.Banned))
	r.Active.Set(float64(s.Active))
	r.AgeOldest.Set(s.AgeOldest.Seconds())
}

// Run polls src every interval and serves the Prometheus exposition
// format on addr until ctx is cancelled, adapted from the reference
// seeder's localhost-only debug listener (its HTML debug UI has no
// equivalent here; the listen-on-a-port shape is what carries over).
func (r *Registry) Run(ctx context.Context, addr string, src Source, interval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting metrics exporter")
		errCh <- server.ListenAndServe()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			server.Close()
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ticker.C:
			r.poll(src)
		}
	}
}

// poll updates every gauge and counter from one snapshot of src and,
// if set, the Requests/Queries sources.
func (r *Registry) poll(src Source) {
	r.Update(src.GetStats())
	if r.Requests != nil {
		cur := r.Requests.Requests()
		r.DNSRequests.Add(float64(cur - r.lastRequests))
		r.lastRequests = cur
	}
	if r.Queries != nil {
		cur := r.Queries.Queries()
		r.DNSQueries.Add(float64(cur - r.lastQueries))
		r.lastQueries = cur
	}
}
