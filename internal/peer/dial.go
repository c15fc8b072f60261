package peer

import (
	"net"
	"time"

	"github.com/btcsuite/go-socks/socks"
)

// ProxyConfig describes one of the three SOCKS5 proxies the CLI accepts
// (-o onion, -i v4, -k v6). An empty Addr means "no proxy for this
// family, dial directly."
type ProxyConfig struct {
	Addr         string
	Username     string
	Password     string
	TorIsolation bool
}

func (p ProxyConfig) dialFunc() DialFunc {
	if p.Addr == "" {
		return net.DialTimeout
	}
	proxy := &socks.Proxy{
		Addr:         p.Addr,
		Username:     p.Username,
		Password:     p.Password,
		TorIsolation: p.TorIsolation,
	}
	return proxy.DialTimeout
}

// FamilyDialers bundles the three possible proxy routes and dispatches a
// dial to whichever matches the destination address family, mirroring
// dial.go's createDial but generalized from one global proxy to the
// onion/v4/v6 split the CLI actually exposes (-o/-i/-k).
type FamilyDialers struct {
	Onion ProxyConfig
	V4    ProxyConfig
	V6    ProxyConfig
}

// Dial returns a DialFunc that routes onion addresses, IPv4, and IPv6
// through their respective configured proxies (or direct, if
// unconfigured for that family).
func (f FamilyDialers) Dial() DialFunc {
	onion, v4, v6 := f.Onion.dialFunc(), f.V4.dialFunc(), f.V6.dialFunc()
	return func(network, address string, timeout time.Duration) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return v4(network, address, timeout)
		}
		switch {
		case isOnionHost(host):
			return onion(network, address, timeout)
		case net.ParseIP(host) != nil && net.ParseIP(host).To4() == nil:
			return v6(network, address, timeout)
		default:
			return v4(network, address, timeout)
		}
	}
}

func isOnionHost(host string) bool {
	const suffix = ".onion"
	return len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix
}
