package crawler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainseed/dnsseeder/internal/adb"
	"github.com/chainseed/dnsseeder/internal/peer"
)

// fakeProber always reports the same canned outcome (harvested list
// included) for every endpoint, whether or not a peer list was asked
// for, and counts its calls and its peer-list requests.
type fakeProber struct {
	mu        sync.Mutex
	calls     int
	wantLists int
	result    peer.Result
}

func (f *fakeProber) Probe(e peer.Endpoint, wantPeerList bool) peer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if wantPeerList {
		f.wantLists++
	}
	return f.result
}

func ep(ip string, port uint16) adb.Endpoint {
	return adb.Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestPoolPromotesViaProbing(t *testing.T) {
	db := adb.New(adb.Options{MinClientVersion: 70000, MinBlocks: 100})
	require.True(t, db.Add(ep("198.51.100.50", 8333), false))

	prober := &fakeProber{result: peer.Result{
		Good:          true,
		ClientVersion: 70015,
		Blocks:        200,
		Harvested:     []peer.Endpoint{{IP: net.ParseIP("198.51.100.51"), Port: 8333}},
	}}

	pool := &Pool{DB: db, Prober: prober, Width: 2, BatchSize: 4, Wait: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	require.GreaterOrEqual(t, prober.calls, 1)

	all := db.GetAll()
	require.GreaterOrEqual(t, len(all), 1)
	for _, rep := range all {
		require.Equal(t, int32(70015), rep.ClientVersion)
	}

	stats := db.GetStats()
	require.GreaterOrEqual(t, stats.Tracked+stats.New, 2,
		"both the seed peer and the harvested peer must be known to the database")
}

func TestPoolHarvestsPeerWithNoRecordedSuccess(t *testing.T) {
	db := adb.New(adb.Options{})
	require.True(t, db.Add(ep("198.51.100.60", 8333), true))

	prober := &fakeProber{result: peer.Result{Good: true, ClientVersion: 70015}}
	pool := &Pool{DB: db, Prober: prober, Width: 1, BatchSize: 1, Wait: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	prober.mu.Lock()
	defer prober.mu.Unlock()
	require.Equal(t, prober.calls, prober.wantLists,
		"a peer with no recorded success must always be harvested")
}
