// Package crawler runs the bounded worker pool that drives the Address
// Database's discovery loop: reserve a batch of peers, probe each one,
// feed the outcomes back, and add whatever new peers were harvested
// along the way.
package crawler

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirupsen/logrus"

	"github.com/chainseed/dnsseeder/internal/adb"
	"github.com/chainseed/dnsseeder/internal/peer"
)

var log = logrus.WithField("pkg", "crawler")

// HarvestAge is how stale a tracked peer's ourLastSuccess must be before
// a probe bothers requesting its peer list.
const HarvestAge = 24 * time.Hour

// Pool runs Width homogeneous workers against DB using Prober. There is
// no per-worker state: every worker is interchangeable with every
// other. The number of workers is fixed when Run starts.
type Pool struct {
	DB     *adb.DB
	Prober peer.Prober
	Width  int

	// BatchSize and Wait parameterize the GetMany call each worker makes;
	// they default to 16/5s if zero.
	BatchSize int
	Wait      time.Duration

	// Now, if set, overrides time.Now so tests can control harvest
	// decisions deterministically.
	Now func() time.Time
}

func (p *Pool) setDefaults() {
	if p.Width <= 0 {
		p.Width = 1
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 16
	}
	if p.Wait <= 0 {
		p.Wait = 5 * time.Second
	}
	if p.Now == nil {
		p.Now = time.Now
	}
}

// Run starts Width workers and blocks until ctx is canceled. Every
// worker's loop body is isolated from its siblings' errors: a worker
// never returns an error to the errgroup, since one bad probe target
// must stay contained within the worker and never bring down the pool.
func (p *Pool) Run(ctx context.Context) error {
	p.setDefaults()

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.Width; i++ {
		eg.Go(func() error {
			p.workerLoop(egCtx)
			return nil
		})
	}
	return eg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reservations := p.DB.GetMany(p.BatchSize, p.Wait)
		if len(reservations) == 0 {
			backoff := 5*time.Second + time.Duration(rand.Intn(500*p.Width))*time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		now := p.Now()
		results := make([]adb.Result, 0, len(reservations))
		var harvested []adb.Endpoint

		for _, res := range reservations {
			wantPeerList := res.OurLastSuccess.IsZero() || now.Sub(res.OurLastSuccess) >= HarvestAge
			outcome := p.Prober.Probe(peer.Endpoint{IP: res.Endpoint.IP, Port: res.Endpoint.Port}, wantPeerList)

			results = append(results, adb.Result{
				Endpoint:      res.Endpoint,
				Good:          outcome.Good,
				BanSeconds:    outcome.BanSeconds,
				ClientVersion: outcome.ClientVersion,
				ClientSubVer:  outcome.ClientSubVer,
				Blocks:        outcome.Blocks,
				Services:      outcome.Services,
			})

			for _, h := range outcome.Harvested {
				harvested = append(harvested, adb.Endpoint{IP: h.IP, Port: h.Port})
			}
		}

		p.DB.ResultMany(results)
		if len(harvested) > 0 {
			added := p.DB.AddMany(harvested, false)
			log.WithField("harvested", len(harvested)).WithField("new", added).Debug("processed harvest batch")
		}
	}
}
