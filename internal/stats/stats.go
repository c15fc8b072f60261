// Package stats is a read-only projection of the Address Database's
// counters, printed to stdout on a 1-second ticker in the style of the
// original ThreadStats. No TUI library is pulled in for this -- it is a
// plain line rewritten in place with ANSI save/restore-cursor escapes,
// matching the original's "\x1b[2K\x1b[u" redraw.
package stats

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chainseed/dnsseeder/internal/adb"
)

// Source is the read-only counters printed each tick.
type Source interface {
	GetStats() adb.Stats
}

// RequestCounter reports the running total of DNS queries answered, so
// the printed line can match the original's "N DNS requests" field.
type RequestCounter interface {
	Requests() uint64
}

// QueryCounter reports the running total of times the DNS server has
// refreshed one of its per-thread caches from the Address Database, so
// the printed line can match the original's "N db queries" field.
type QueryCounter interface {
	Queries() uint64
}

// Printer writes one redrawn status line per tick to W.
type Printer struct {
	Source   Source
	Requests RequestCounter
	Queries  QueryCounter
	W        io.Writer
	Interval time.Duration

	Now func() time.Time

	first bool
}

func (p *Printer) setDefaults() {
	if p.Interval == 0 {
		p.Interval = time.Second
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	p.first = true
}

// Run prints one line per Interval until ctx is cancelled.
func (p *Printer) Run(ctx context.Context) error {
	p.setDefaults()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.printOnce()
		}
	}
}

func (p *Printer) printOnce() {
	s := p.Source.GetStats()

	var requests uint64
	if p.Requests != nil {
		requests = p.Requests.Requests()
	}
	var queries uint64
	if p.Queries != nil {
		queries = p.Queries.Queries()
	}

	if p.first {
		p.first = false
		fmt.Fprint(p.W, "\n\n\n\x1b[3A")
	} else {
		fmt.Fprint(p.W, "\x1b[2K\x1b[u")
	}
	fmt.Fprint(p.W, "\x1b[s")

	active := s.Active
	fmt.Fprintf(p.W, "%s %d/%d available (%d tracked in %ds, %d new, %d active), %d banned; %d DNS requests, %d db queries",
		p.Now().Format("[06-01-02 15:04:05]"),
		s.Good, s.Available,
		s.Tracked, int64(s.AgeOldest.Seconds()),
		s.New, active,
		s.Banned, requests, queries,
	)
}
