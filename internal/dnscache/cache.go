// Package dnscache implements the per-DNS-thread answer cache: a
// refreshed snapshot of "good" addresses sampled without replacement on
// the hot path, so a DNS query never stalls on the Address Database's
// lock. Grounded on CDnsThread::cacheHit/GetIPList from the reference
// seeder this system is modeled after.
package dnscache

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Source is the read-only slice of the Address Database the cache
// refreshes from.
type Source interface {
	GetIPs(max int, filter Filter) []Endpoint
}

// Filter mirrors adb.NetFilter without introducing a dependency on the
// adb package, so this cache can sit in front of any address source.
type Filter struct {
	V4 bool
	V6 bool
}

// Endpoint is the address shape the cache stores and returns; IsV4 is
// precomputed at refresh time so Sample's hot path never calls into net.
type Endpoint struct {
	IP   net.IP
	Port uint16
	IsV4 bool
}

// Cache is one DNS serving thread's private view of good addresses.
// Build one with New, which also performs the forced initial fill; the
// zero value has no Source to refresh from.
type Cache struct {
	mu sync.Mutex

	src Source

	entries []Endpoint
	nV4     int
	nV6     int

	cacheTime time.Time
	cacheHits uint64
	queries   uint64

	now func() time.Time
	rng *rand.Rand
}

// New constructs a Cache over src and performs the forced initial fill,
// matching the constructor's cacheHit(true) call.
func New(src Source) *Cache {
	c := &Cache{
		src: src,
		now: time.Now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.refreshLocked(c.now())
	return c
}

// maybeRefreshLocked implements the three-way refresh heuristic: force,
// amortized-volume, or time-plus-pressure. Called with mu held.
func (c *Cache) maybeRefreshLocked(force bool) {
	now := c.now()
	c.cacheHits++

	size := float64(len(c.entries))
	hits := float64(c.cacheHits)

	shouldRefresh := force ||
		hits > size*size/400 ||
		(hits*hits > size/20 && now.Sub(c.cacheTime) > 5*time.Second)

	if shouldRefresh {
		c.refreshLocked(now)
	}
}

func (c *Cache) refreshLocked(now time.Time) {
	fresh := c.src.GetIPs(1000, Filter{V4: true, V6: true})
	c.queries++

	c.entries = c.entries[:0]
	c.nV4, c.nV6 = 0, 0
	for _, e := range fresh {
		c.entries = append(c.entries, e)
		if e.IsV4 {
			c.nV4++
		} else {
			c.nV6++
		}
	}
	c.cacheHits = 0
	c.cacheTime = now
}

// Queries returns the number of times this cache has refreshed from its
// Source, i.e. the number of queries it has issued against the Address
// Database.
func (c *Cache) Queries() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// Sample returns up to max addresses matching the requested families,
// drawn by a partial Fisher-Yates shuffle restricted to the matching
// family: each draw swaps a random matching element into the next
// output slot, so one call never returns the same address twice. Each
// call restarts the shuffle at the front of the cache, so separate calls
// within one refresh window may return the same address again.
func (c *Cache) Sample(max int, wantV4, wantV6 bool) []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRefreshLocked(false)

	size := len(c.entries)
	avail := 0
	if wantV4 {
		avail += c.nV4
	}
	if wantV6 {
		avail += c.nV6
	}
	if max > size {
		max = size
	}
	if max > avail {
		max = avail
	}

	out := make([]Endpoint, 0, max)
	for i := 0; i < max; i++ {
		j := i + c.rng.Intn(size-i)
		for {
			e := c.entries[j]
			if (wantV4 && e.IsV4) || (wantV6 && !e.IsV4) {
				break
			}
			j++
			if j == size {
				j = i
			}
		}
		c.entries[i], c.entries[j] = c.entries[j], c.entries[i]
		out = append(out, c.entries[i])
	}
	return out
}
