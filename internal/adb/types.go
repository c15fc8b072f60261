// Package adb implements the Address Database: the concurrent in-memory
// store of known peers that schedules crawl attempts, integrates crawl
// results into sliding-window reliability statistics, promotes addresses
// through a new -> tracked lifecycle, maintains a ban list, and serves
// the DNS answer cache.
package adb

import (
	"net"
	"time"
)

// Window identifies one of the five sliding reliability windows tracked
// per tracked peer.
type Window int

const (
	Window2h Window = iota
	Window8h
	Window1d
	Window7d
	Window30d
	numWindows
)

// windowTau holds the exponential-decay time constant for each
// window, expressed in seconds, matching the original CAddrInfo decay
// constants (2 hours, 8 hours, 1 day, 7 days, 30 days).
var windowTau = [numWindows]float64{
	Window2h:  2 * 60 * 60,
	Window8h:  8 * 60 * 60,
	Window1d:  24 * 60 * 60,
	Window7d:  7 * 24 * 60 * 60,
	Window30d: 30 * 24 * 60 * 60,
}

// ladderRung is one row of the reliability ladder: a window is
// independently sufficient to mark a peer good if it has seen at least
// MinAttempts probes and its decayed success rate is at least MinRate.
type ladderRung struct {
	Window      Window
	MinAttempts float64
	MinRate     float64
}

var reliabilityLadder = [numWindows]ladderRung{
	{Window2h, 2, 0.85},
	{Window8h, 4, 0.70},
	{Window1d, 8, 0.55},
	{Window7d, 16, 0.45},
	{Window30d, 32, 0.35},
}

// Tunables controlling promotion, eviction, and scheduling. Named after
// the original source's preprocessor constants.
const (
	// NNewFailCap is the number of failed attempts a never-succeeded
	// "new" peer tolerates before being evicted from the new bucket.
	NNewFailCap = 7

	// NNewMax is the number of hash slots in the new bucket, which
	// bounds its size. A peer whose slot is already taken evicts that
	// slot's occupant, so eviction can happen before every slot is full.
	NNewMax = 50000

	// MinRetryInterval is the time between two probes of the same
	// tracked peer. It is a fixed interval: it does not grow with
	// consecutive failures.
	MinRetryInterval = 10 * time.Minute

	// IgnoreWindow is how long a chronically-failing tracked peer is
	// kept out of the schedule queue once ignored.
	IgnoreWindow = 7 * 24 * time.Hour

	// GracePeriod is how stale ourLastSuccess must be before a failing
	// peer becomes eligible to be ignored.
	GracePeriod = 7 * 24 * time.Hour

	// ReservationTimeout is a 15-second reservation length. GetMany does
	// not read it: a reservation's deadline is the wait passed to GetMany.
	ReservationTimeout = 15 * time.Second
)

// Endpoint is a peer network address: an IP (v4, v6, or onion-style
// pseudo-address encoded as bytes) plus a TCP port. Endpoints compare
// equal when their canonical byte representation and port match.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Key returns the canonical string form used to index endpoints, e.g.
// "203.0.113.4:8333" or "[2001:db8::1]:8333".
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.IP.String(), portString(e.Port))
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// Less orders two endpoints by their canonical byte representation, then
// by port, giving a stable total order over endpoints.
func (e Endpoint) Less(o Endpoint) bool {
	c := compareIP(e.IP, o.IP)
	if c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

func compareIP(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// windowStat is the decaying reliability estimate and the running
// attempt count for one window. See decayRate for why Attempts is not
// itself decayed.
type windowStat struct {
	Rate     float64 // stat[w] in [0,1]
	Attempts float64 // probes seen since promotion
}

// Record is one known peer, tracked or new. Only a subset of fields are
// meaningful while the record lives in the new bucket; the rest populate
// once the peer is promoted to tracked.
type Record struct {
	ID       int64
	Endpoint Endpoint

	// Last-learned peer metadata, set on any successful probe.
	Services      uint64
	ClientVersion int32
	ClientSubVer  string
	Blocks        int32

	LastTry        time.Time
	OurLastTry     time.Time
	OurLastSuccess time.Time
	IgnoreUntil    time.Time

	// Total/Success are only meaningful for new (never-tracked) peers.
	Total   int
	Success int

	Stat [numWindows]windowStat

	tracked bool
}

// IsTracked reports whether the record has ever succeeded a probe.
func (r *Record) IsTracked() bool { return r.tracked }
