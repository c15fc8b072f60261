package peer

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// fakeRemote runs a minimal gossip-network responder on a loopback
// listener: it accepts one connection, performs the version/verack
// handshake, and optionally answers getaddr with a fixed address list.
func fakeRemote(t *testing.T, bnet wire.BitcoinNet, pver uint32, addrs []*wire.NetAddress, misbehave bool) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if misbehave {
			wire.ReadMessage(conn, pver, bnet)
			wire.WriteMessage(conn, wire.NewMsgVerAck(), pver, bnet)
			return
		}

		msg, _, err := wire.ReadMessage(conn, pver, bnet)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.MsgVersion); !ok {
			return
		}

		remoteVer, err := newMsgVersionFromConn(conn, 0xfeed, 600000)
		if err != nil {
			return
		}
		remoteVer.UserAgent = "/fakepeer:1.0/"
		if err := wire.WriteMessage(conn, remoteVer, pver, bnet); err != nil {
			return
		}

		msg, _, err = wire.ReadMessage(conn, pver, bnet)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.MsgVerAck); !ok {
			return
		}
		if err := wire.WriteMessage(conn, wire.NewMsgVerAck(), pver, bnet); err != nil {
			return
		}

		msg, _, err = wire.ReadMessage(conn, pver, bnet)
		if err != nil {
			return
		}
		if _, ok := msg.(*wire.MsgGetAddr); !ok {
			return
		}
		reply := wire.NewMsgAddr()
		for _, a := range addrs {
			reply.AddAddress(a)
		}
		wire.WriteMessage(conn, reply, pver, bnet)
	}()

	return l
}

func dialListener(l net.Listener) Endpoint {
	addr := l.Addr().(*net.TCPAddr)
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

func TestProbeSuccessWithHarvest(t *testing.T) {
	harvested := []*wire.NetAddress{
		wire.NewNetAddressIPPort(net.ParseIP("203.0.113.5"), 8333, 0),
		wire.NewNetAddressIPPort(net.ParseIP("203.0.113.6"), 8333, 0),
	}
	l := fakeRemote(t, wire.MainNet, wire.ProtocolVersion, harvested, false)
	defer l.Close()

	p := New(Config{
		Net:         wire.MainNet,
		ProtocolVer: wire.ProtocolVersion,
		DialTimeout: 2 * time.Second,
		IOTimeout:   2 * time.Second,
	})

	res := p.Probe(dialListener(l), true)
	require.True(t, res.Good)
	require.EqualValues(t, 600000, res.Blocks)
	require.Equal(t, "/fakepeer:1.0/", res.ClientSubVer)
	require.Len(t, res.Harvested, 2)
}

func TestProbeConnectionRefused(t *testing.T) {
	p := New(Config{Net: wire.MainNet, ProtocolVer: wire.ProtocolVersion, DialTimeout: time.Second})
	res := p.Probe(Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}, false)
	require.False(t, res.Good)
	require.Zero(t, res.BanSeconds)
}

func TestProbeMisbehavingPeerIsBanned(t *testing.T) {
	l := fakeRemote(t, wire.MainNet, wire.ProtocolVersion, nil, true)
	defer l.Close()

	p := New(Config{Net: wire.MainNet, ProtocolVer: wire.ProtocolVersion, DialTimeout: 2 * time.Second, IOTimeout: 2 * time.Second})
	res := p.Probe(dialListener(l), false)
	require.False(t, res.Good)
	require.Equal(t, banSecondsProtocolViolation, res.BanSeconds)
}
