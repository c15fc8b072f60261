package dnsserver

import (
	"github.com/chainseed/dnsseeder/internal/adb"
	"github.com/chainseed/dnsseeder/internal/dnscache"
)

// ADBSource adapts an Address Database into a dnscache.Source, so each
// per-thread cache refreshes directly from the database's GetIPs query
// without either package depending on the other's concrete types.
type ADBSource struct {
	DB *adb.DB
}

// GetIPs implements dnscache.Source.
func (s ADBSource) GetIPs(max int, filter dnscache.Filter) []dnscache.Endpoint {
	addrs := s.DB.GetIPs(max, adb.NetFilter{V4: filter.V4, V6: filter.V6})
	out := make([]dnscache.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, dnscache.Endpoint{
			IP:   a.IP,
			Port: a.Port,
			IsV4: a.IP.To4() != nil,
		})
	}
	return out
}
