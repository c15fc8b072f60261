// Package snapshot periodically persists the Address Database to disk:
// a restorable gob snapshot, a human-readable dump sorted by long-term
// reliability, and an appended line of aggregate uptime stats. Grounded
// on _examples/original_source/main.cpp's ThreadDumper, adapted to Go's
// write-then-rename idiom and a library-driven backoff schedule instead
// of a hand-rolled "Sleep(100000 << count)" counter.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/chainseed/dnsseeder/internal/adb"
)

var log = logrus.WithField("pkg", "snapshot")

// Dumper owns the three on-disk artifacts the original ThreadDumper
// produced, written on the same 100s/200s/400s/800s/1600s/3200s-forever
// cadence.
type Dumper struct {
	DB *adb.DB

	SnapshotPath string // restorable gob snapshot, e.g. "dnsseed.dat"
	DumpPath     string // human-readable report, e.g. "dnsseed.dump"
	StatsLogPath string // appended aggregate line, e.g. "dnsstats.log"

	Now func() time.Time
}

func (d *Dumper) setDefaults() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SnapshotPath == "" {
		d.SnapshotPath = "dnsseed.dat"
	}
	if d.DumpPath == "" {
		d.DumpPath = "dnsseed.dump"
	}
	if d.StatsLogPath == "" {
		d.StatsLogPath = "dnsstats.log"
	}
}

func newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 3200 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Run blocks, writing a snapshot on the backoff schedule above until ctx
// is cancelled.
func (d *Dumper) Run(ctx context.Context) error {
	d.setDefaults()
	schedule := newSchedule()

	for {
		wait := schedule.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := d.writeOnce(); err != nil {
			log.WithError(err).Warn("snapshot write failed")
		}
	}
}

func (d *Dumper) writeOnce() error {
	reports := d.DB.GetAll()
	sort.Slice(reports, func(i, j int) bool { return reportLess(reports[i], reports[j]) })

	if err := d.writeSnapshot(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := d.writeDump(reports); err != nil {
		return fmt.Errorf("writing dump: %w", err)
	}
	if err := d.appendStatsLog(reports); err != nil {
		return fmt.Errorf("appending stats log: %w", err)
	}
	return nil
}

// reportLess orders reports by descending 30-day uptime, then
// descending 7-day uptime, then descending client version -- the sort
// the original applies before writing dnsseed.dump.
func reportLess(a, b adb.Report) bool {
	if a.Uptime[adb.Window30d] != b.Uptime[adb.Window30d] {
		return a.Uptime[adb.Window30d] > b.Uptime[adb.Window30d]
	}
	if a.Uptime[adb.Window7d] != b.Uptime[adb.Window7d] {
		return a.Uptime[adb.Window7d] > b.Uptime[adb.Window7d]
	}
	return a.ClientVersion > b.ClientVersion
}

// writeSnapshot writes the gob snapshot to a ".new" sibling and renames
// it over the real path, so a crash mid-write never corrupts the
// previous snapshot.
func (d *Dumper) writeSnapshot() error {
	tmp := d.SnapshotPath + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := d.DB.Serialize(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, d.SnapshotPath)
}

func (d *Dumper) writeDump(reports []adb.Report) error {
	f, err := os.Create(d.DumpPath)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprint(f, "# address                                        good  lastSuccess    %(2h)   %(8h)   %(1d)   %(7d)  %(30d)  blocks      svcs  version\n")
	for _, rep := range reports {
		fmt.Fprintf(f, "%-47s  %4d  %11d  %6.2f%% %6.2f%% %6.2f%% %6.2f%% %6.2f%%  %6d  %08x  %5d %q\n",
			rep.Endpoint.Key(),
			boolToInt(rep.Good),
			rep.LastSuccess.Unix(),
			100*rep.Uptime[adb.Window2h],
			100*rep.Uptime[adb.Window8h],
			100*rep.Uptime[adb.Window1d],
			100*rep.Uptime[adb.Window7d],
			100*rep.Uptime[adb.Window30d],
			rep.Blocks,
			rep.Services,
			rep.ClientVersion,
			rep.ClientSubVer,
		)
	}
	return nil
}

func (d *Dumper) appendStatsLog(reports []adb.Report) error {
	var sum [5]float64
	for _, rep := range reports {
		sum[adb.Window2h] += rep.Uptime[adb.Window2h]
		sum[adb.Window8h] += rep.Uptime[adb.Window8h]
		sum[adb.Window1d] += rep.Uptime[adb.Window1d]
		sum[adb.Window7d] += rep.Uptime[adb.Window7d]
		sum[adb.Window30d] += rep.Uptime[adb.Window30d]
	}

	f, err := os.OpenFile(d.StatsLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d %g %g %g %g %g\n", d.Now().Unix(), sum[0], sum[1], sum[2], sum[3], sum[4])
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
