// Package dnsserver answers DNS queries for the seeder's zone with
// addresses drawn from a pool of dnscache.Cache instances, one per
// serving thread, handed out round-robin so concurrent requests are
// spread across several cache locks instead of all sharing one.
// adapted to a single authoritative host (the reference seeder's split
// between standard and "nonstd" encoded ports is specific to that
// project's own protocol extension and has no analogue in this system).
package dnsserver

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/chainseed/dnsseeder/internal/dnscache"
)

var log = logrus.WithField("pkg", "dnsserver")

// Datattl and Nsttl mirror the reference seeder's dns_opt defaults: a
// short TTL on address answers (so bad peers age out of resolver caches
// quickly) and a long TTL on the zone's own NS/SOA records.
const (
	Datattl uint32 = 60
	Nsttl   uint32 = 40000
)

// Config is the zone identity announced in SOA/NS answers, matching the
// CLI's -h/-n/-m flags.
type Config struct {
	Host string // zone apex, e.g. "seed.example.org"
	NS   string // authoritative nameserver hostname
	MBox string // SOA contact
	Port int
}

// Server answers DNS queries against a fixed-size pool of per-thread
// caches, round-robined across incoming requests.
type Server struct {
	cfg    Config
	caches []*dnscache.Cache
	next   uint64

	requests uint64
}

// New constructs a Server with one cache per requested thread count,
// each independently refreshing from src.
func New(cfg Config, src dnscache.Source, threads int) *Server {
	if threads < 1 {
		threads = 1
	}
	s := &Server{cfg: cfg}
	for i := 0; i < threads; i++ {
		s.caches = append(s.caches, dnscache.New(src))
	}
	return s
}

// Requests returns the total number of queries answered, for the stats
// printer.
func (s *Server) Requests() uint64 { return atomic.LoadUint64(&s.requests) }

// Queries returns the total number of times the per-thread caches have
// refreshed from the Address Database, i.e. the database-query count
// the stats printer reports alongside Requests.
func (s *Server) Queries() uint64 {
	var total uint64
	for _, c := range s.caches {
		total += c.Queries()
	}
	return total
}

func (s *Server) pickCache() *dnscache.Cache {
	i := atomic.AddUint64(&s.next, 1)
	return s.caches[i%uint64(len(s.caches))]
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	atomic.AddUint64(&s.requests, 1)

	m := &dns.Msg{MsgHdr: dns.MsgHdr{Authoritative: true}}
	m.SetReply(r)

	if len(r.Question) == 0 {
		w.WriteMsg(m)
		return
	}
	q := r.Question[0]

	switch q.Qtype {
	case dns.TypeA:
		m.Answer = s.addressRecords(q.Name, true, false)
	case dns.TypeAAAA:
		m.Answer = s.addressRecords(q.Name, false, true)
	case dns.TypeNS:
		m.Answer = []dns.RR{s.nsRecord(q.Name)}
	case dns.TypeSOA:
		m.Answer = []dns.RR{s.soaRecord(q.Name)}
	default:
		// no answer for anything else
	}

	if err := w.WriteMsg(m); err != nil {
		log.WithError(err).Debug("failed to write DNS response")
	}
}

func (s *Server) addressRecords(name string, wantV4, wantV6 bool) []dns.RR {
	cache := s.pickCache()
	addrs := cache.Sample(25, wantV4, wantV6)

	out := make([]dns.RR, 0, len(addrs))
	for _, a := range addrs {
		if a.IsV4 {
			out = append(out, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: Datattl},
				A:   a.IP,
			})
		} else {
			out = append(out, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: Datattl},
				AAAA: a.IP,
			})
		}
	}
	return out
}

func (s *Server) nsRecord(name string) dns.RR {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: Nsttl},
		Ns:  dns.Fqdn(s.cfg.NS),
	}
}

func (s *Server) soaRecord(name string) dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: Nsttl},
		Ns:      dns.Fqdn(s.cfg.NS),
		Mbox:    dns.Fqdn(s.cfg.MBox),
		Serial:  1,
		Refresh: 604800,
		Retry:   86400,
		Expire:  2419200,
		Minttl:  Nsttl,
	}
}

// Run starts one UDP listener for the configured port and blocks until
// ctx is cancelled, at which point it shuts the listener down and
// returns nil rather than whatever in-flight error ListenAndServe was
// about to produce.
func (s *Server) Run(ctx context.Context) error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	server := &dns.Server{Addr: addr, Net: "udp", Handler: s}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting DNS server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		server.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}
