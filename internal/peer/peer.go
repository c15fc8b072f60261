// Package peer implements the Peer Prober: it dials a single endpoint on
// the gossip network, exchanges the version/verack handshake, optionally
// requests that endpoint's own peer list, and reports the outcome in the
// shape the Address Database expects back from ResultMany.
package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "peer")

// Endpoint mirrors adb.Endpoint without importing it, keeping this
// package usable against any address/port pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Result is the outcome of one Probe call.
type Result struct {
	Good          bool
	BanSeconds    int
	ClientVersion int32
	ClientSubVer  string
	Blocks        int32
	Services      uint64
	Harvested     []Endpoint
}

// Prober is the interface the crawler pool depends on, injected so
// tests can substitute a deterministic fake instead of dialing real
// sockets.
type Prober interface {
	Probe(e Endpoint, wantPeerList bool) Result
}

// DialFunc matches net.DialTimeout's signature; it is overridden to
// route through a SOCKS5 proxy when one is configured.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Config bundles the protocol knowledge that belongs in the prober, not
// the ADB: the network magic, the protocol version messages are encoded
// and decoded with, and per-dial timeout, plus the dial function (direct
// or proxied).
type Config struct {
	Net            wire.BitcoinNet
	ProtocolVer    uint32
	DialTimeout    time.Duration
	IOTimeout      time.Duration
	Dial           DialFunc
	UserAgent      string
	HandshakeNonce uint64
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 250 * time.Second
	}
	if c.Dial == nil {
		c.Dial = net.DialTimeout
	}
	if c.HandshakeNonce == 0 {
		c.HandshakeNonce = 0x0539a019ca550825
	}
}

// WireProber is the real Prober, grounded on crawlIP's dial / version /
// verack / getaddr exchange using github.com/btcsuite/btcd/wire.
type WireProber struct {
	cfg Config
}

// New constructs a WireProber. cfg.Dial, if set by the caller from
// FamilyDialers.Dial, routes dials through the configured SOCKS5 proxies.
func New(cfg Config) *WireProber {
	cfg.setDefaults()
	return &WireProber{cfg: cfg}
}

// Probe implements Prober. A handshake reply of the wrong type (a first
// message that is not version, or a second that is not verack) is
// reported as a ban; anything else (refused connection, timeout, EOF, a
// read error such as a message carrying another network's magic) is a
// plain failed attempt. The remote's protocol version is not checked.
func (p *WireProber) Probe(e Endpoint, wantPeerList bool) Result {
	entry := log.WithField("endpoint", e.String())

	conn, err := p.cfg.Dial("tcp", e.String(), p.cfg.DialTimeout)
	if err != nil {
		entry.WithError(err).Debug("dial failed")
		return Result{}
	}
	defer conn.Close()

	if remote, rerr := endpointFromAddr(conn.RemoteAddr()); rerr == nil {
		entry = entry.WithField("remote_addr", remote.String())
	}
	conn.SetDeadline(time.Now().Add(p.cfg.IOTimeout))

	msgver, err := newMsgVersionFromConn(conn, p.cfg.HandshakeNonce, 0)
	if err != nil {
		entry.WithError(err).Debug("building version message failed")
		return Result{}
	}
	if p.cfg.UserAgent != "" {
		msgver.UserAgent = p.cfg.UserAgent
	}

	if err := wire.WriteMessage(conn, msgver, p.cfg.ProtocolVer, p.cfg.Net); err != nil {
		entry.WithError(err).Debug("writing version message failed")
		return Result{}
	}

	msg, _, err := wire.ReadMessage(conn, p.cfg.ProtocolVer, p.cfg.Net)
	if err != nil {
		entry.WithError(err).Debug("reading version reply failed")
		return Result{}
	}

	remoteVer, ok := msg.(*wire.MsgVersion)
	if !ok {
		entry.Debug("peer did not open with version message")
		return Result{BanSeconds: banSecondsProtocolViolation}
	}

	if err := wire.WriteMessage(conn, wire.NewMsgVerAck(), p.cfg.ProtocolVer, p.cfg.Net); err != nil {
		entry.WithError(err).Debug("writing verack failed")
		return Result{}
	}

	msg, _, err = wire.ReadMessage(conn, p.cfg.ProtocolVer, p.cfg.Net)
	if err != nil {
		entry.WithError(err).Debug("reading verack reply failed")
		return Result{}
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		entry.Debug("peer did not ack the handshake")
		return Result{BanSeconds: banSecondsProtocolViolation}
	}

	res := Result{
		Good:          true,
		ClientVersion: remoteVer.ProtocolVersion,
		ClientSubVer:  remoteVer.UserAgent,
		Blocks:        int32(remoteVer.LastBlock),
		Services:      uint64(remoteVer.Services),
	}

	if wantPeerList {
		res.Harvested = p.harvest(entry, conn)
	}

	return res
}

// banSecondsProtocolViolation is applied when a remote speaks out of
// turn on the handshake (its first reply is not a version message, or
// its second is not a verack): a protocol-level rejection, not a
// transient failure.
const banSecondsProtocolViolation = 3600

// harvest sends getaddr and waits for the addr reply, tolerating and
// discarding any unrelated messages in between exactly as crawlIP did --
// this wire library doesn't understand every command a gossip network
// might send, and those decode errors are expected noise, not failures.
func (p *WireProber) harvest(entry *logrus.Entry, conn net.Conn) []Endpoint {
	if err := wire.WriteMessage(conn, wire.NewMsgGetAddr(), p.cfg.ProtocolVer, p.cfg.Net); err != nil {
		entry.WithError(err).Debug("writing getaddr failed")
		return nil
	}

	for i := 0; i < 25; i++ {
		msg, _, _ := wire.ReadMessage(conn, p.cfg.ProtocolVer, p.cfg.Net)
		if msg == nil {
			continue
		}
		addrMsg, ok := msg.(*wire.MsgAddr)
		if !ok {
			continue
		}
		out := make([]Endpoint, 0, len(addrMsg.AddrList))
		for _, na := range addrMsg.AddrList {
			out = append(out, Endpoint{IP: na.IP, Port: na.Port})
		}
		return out
	}
	entry.Debug("gave up waiting for addr reply")
	return nil
}

// endpointFromAddr extracts an Endpoint from a net.Addr returned by a
// dial, handling both a direct *net.TCPAddr and a *socks.ProxiedAddr
// (when Config.Dial routes through a SOCKS5 proxy). Falls back to
// parsing addr.String() when neither concrete type matches.
func endpointFromAddr(addr net.Addr) (Endpoint, error) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}, nil
	}
	if proxied, ok := addr.(*socks.ProxiedAddr); ok {
		ip := net.ParseIP(proxied.Host)
		if ip == nil {
			ip = net.IPv4zero
		}
		return Endpoint{IP: ip, Port: uint16(proxied.Port)}, nil
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, errors.New("peer: could not parse remote address " + addr.String())
	}
	return Endpoint{IP: ip, Port: uint16(port)}, nil
}

// newMsgVersionFromConn reconstructs the convenience helper removed from
// wire (older btcd exposed wire.NewMsgVersionFromConn): it derives the
// local and remote NetAddress from conn and builds the version message
// via wire.NewMsgVersion, assuming no services on either end.
func newMsgVersionFromConn(conn net.Conn, nonce uint64, lastBlock int32) (*wire.MsgVersion, error) {
	lna, err := tcpAddrFor(conn.LocalAddr())
	if err != nil {
		return nil, err
	}
	rna, err := tcpAddrFor(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	me := wire.NewNetAddress(lna, 0)
	you := wire.NewNetAddress(rna, 0)
	return wire.NewMsgVersion(me, you, nonce, lastBlock), nil
}

// tcpAddrFor resolves a net.Addr (which may be a *net.TCPAddr or a
// *socks.ProxiedAddr when dialing through a SOCKS5 proxy) to a
// *net.TCPAddr suitable for wire.NewNetAddress.
func tcpAddrFor(addr net.Addr) (*net.TCPAddr, error) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr, nil
	}
	e, err := endpointFromAddr(addr)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: e.IP, Port: int(e.Port)}, nil
}
