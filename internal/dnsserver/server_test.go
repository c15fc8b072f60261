package dnsserver

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/chainseed/dnsseeder/internal/dnscache"
)

// fakeResponseWriter captures the single message handed to WriteMsg so
// ServeDNS can be exercised without binding a real UDP socket.
type fakeResponseWriter struct {
	written *dns.Msg
}

func (f *fakeResponseWriter) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (f *fakeResponseWriter) RemoteAddr() net.Addr        { return &net.UDPAddr{} }
func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error   { f.written = m; return nil }
func (f *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeResponseWriter) Close() error                { return nil }
func (f *fakeResponseWriter) TsigStatus() error           { return nil }
func (f *fakeResponseWriter) TsigTimersOnly(bool)         {}
func (f *fakeResponseWriter) Hijack()                     {}

type fixedSource struct {
	entries []dnscache.Endpoint
}

func (s fixedSource) GetIPs(max int, filter dnscache.Filter) []dnscache.Endpoint {
	out := make([]dnscache.Endpoint, 0, len(s.entries))
	for _, e := range s.entries {
		if (e.IsV4 && filter.V4) || (!e.IsV4 && filter.V6) {
			out = append(out, e)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func question(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestServeDNSAnswersA(t *testing.T) {
	src := fixedSource{entries: []dnscache.Endpoint{
		{IP: net.IPv4(203, 0, 113, 1).To4(), Port: 8333, IsV4: true},
		{IP: net.IPv4(203, 0, 113, 2).To4(), Port: 8333, IsV4: true},
	}}
	s := New(Config{Host: "seed.example.org", NS: "ns.example.org", MBox: "hostmaster.example.org", Port: 5353}, src, 2)

	w := &fakeResponseWriter{}
	s.ServeDNS(w, question("seed.example.org", dns.TypeA))

	require.NotNil(t, w.written)
	require.Len(t, w.written.Answer, 2)
	for _, rr := range w.written.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		require.Equal(t, Datattl, a.Hdr.Ttl)
	}
	require.EqualValues(t, 1, s.Requests())
}

func TestServeDNSAnswersAAAA(t *testing.T) {
	src := fixedSource{entries: []dnscache.Endpoint{
		{IP: net.ParseIP("2001:db8::1"), Port: 8333, IsV4: false},
	}}
	s := New(Config{Host: "seed.example.org", NS: "ns.example.org", MBox: "hostmaster.example.org"}, src, 1)

	w := &fakeResponseWriter{}
	s.ServeDNS(w, question("seed.example.org", dns.TypeAAAA))

	require.Len(t, w.written.Answer, 1)
	_, ok := w.written.Answer[0].(*dns.AAAA)
	require.True(t, ok)
}

func TestServeDNSAnswersSOAAndNS(t *testing.T) {
	src := fixedSource{}
	s := New(Config{Host: "seed.example.org", NS: "ns.example.org", MBox: "hostmaster.example.org"}, src, 1)

	w := &fakeResponseWriter{}
	s.ServeDNS(w, question("seed.example.org", dns.TypeSOA))
	require.Len(t, w.written.Answer, 1)
	soa, ok := w.written.Answer[0].(*dns.SOA)
	require.True(t, ok)
	require.Equal(t, Nsttl, soa.Hdr.Ttl)
	require.Equal(t, dns.Fqdn("ns.example.org"), soa.Ns)

	w = &fakeResponseWriter{}
	s.ServeDNS(w, question("seed.example.org", dns.TypeNS))
	require.Len(t, w.written.Answer, 1)
	ns, ok := w.written.Answer[0].(*dns.NS)
	require.True(t, ok)
	require.Equal(t, dns.Fqdn("ns.example.org"), ns.Ns)
}

func TestServeDNSRoundRobinsAcrossThreadCaches(t *testing.T) {
	src := fixedSource{entries: []dnscache.Endpoint{
		{IP: net.IPv4(203, 0, 113, 9).To4(), Port: 8333, IsV4: true},
	}}
	s := New(Config{Host: "seed.example.org", NS: "ns.example.org"}, src, 4)
	require.Len(t, s.caches, 4)

	for i := 0; i < 8; i++ {
		w := &fakeResponseWriter{}
		s.ServeDNS(w, question("seed.example.org", dns.TypeA))
		require.NotNil(t, w.written)
	}
	require.EqualValues(t, 8, s.Requests())
}

func TestQueriesAggregatesAcrossThreadCaches(t *testing.T) {
	src := fixedSource{}
	s := New(Config{Host: "seed.example.org", NS: "ns.example.org"}, src, 3)
	require.EqualValues(t, 3, s.Queries(), "New forces one initial fill per thread cache")
}
