package adb

import "time"

func familyMatches(e Endpoint, f NetFilter) bool {
	if ip4 := e.IP.To4(); ip4 != nil {
		return f.V4
	}
	return f.V6
}

// GetIPs returns up to max eligible endpoints: tracked, not banned, not
// ignored, and passing isGood(), filtered by the requested families.
func (db *DB) GetIPs(max int, filter NetFilter) []Endpoint {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	now := db.now()
	out := make([]Endpoint, 0, max)
	for _, id := range sortedTrackedIDs(db.tracked) {
		if len(out) >= max {
			break
		}
		rec := db.tracked[id]
		key := rec.Endpoint.Key()
		if db.isBannedReadLocked(key) {
			continue
		}
		if rec.IgnoreUntil.After(now) {
			continue
		}
		if !familyMatches(rec.Endpoint, filter) {
			continue
		}
		if !isGood(rec, db.opts.MinClientVersion, db.opts.MinBlocks, db.opts.BlocksTolerance) {
			continue
		}
		out = append(out, rec.Endpoint)
	}
	return out
}

func sortedTrackedIDs(m map[int64]*Record) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// Insertion sort is fine; callers hold the lock and sets are modest.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Report is the per-peer projection returned by GetAll, used by the
// snapshot dumper and the stats log.
type Report struct {
	Endpoint      Endpoint
	Good          bool
	LastSuccess   time.Time
	Uptime        [numWindows]float64 // stat[w].Rate, aliased for the dumper
	Blocks        int32
	Services      uint64
	ClientVersion int32
	ClientSubVer  string
}

// GetAll returns a full projection of every tracked peer, for the
// snapshot dumper. New (never-verified) peers are not reported, matching
// the original dump format which only lists addresses with tried stats.
func (db *DB) GetAll() []Report {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	out := make([]Report, 0, len(db.tracked))
	for _, id := range sortedTrackedIDs(db.tracked) {
		rec := db.tracked[id]
		rep := Report{
			Endpoint:      rec.Endpoint,
			Good:          isGood(rec, db.opts.MinClientVersion, db.opts.MinBlocks, db.opts.BlocksTolerance),
			LastSuccess:   rec.OurLastSuccess,
			Blocks:        rec.Blocks,
			Services:      rec.Services,
			ClientVersion: rec.ClientVersion,
			ClientSubVer:  rec.ClientSubVer,
		}
		for w := Window(0); w < numWindows; w++ {
			rep.Uptime[w] = rec.Stat[w].Rate
		}
		out = append(out, rep)
	}
	return out
}

// Stats are the aggregate counters returned by GetStats.
type Stats struct {
	Good      int
	Available int
	Tracked   int
	New       int
	Banned    int
	Active    int
	AgeOldest time.Duration
}

// GetStats returns the current counters: good, available, tracked, new,
// banned, and the age of the oldest-attempted peer.
func (db *DB) GetStats() Stats {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	now := db.now()
	var s Stats
	s.Tracked = len(db.tracked)
	s.New = len(db.newByKey)
	s.Banned = len(db.banned)
	s.Active = len(db.probing)

	var oldest time.Time
	for _, rec := range db.tracked {
		if db.isBannedReadLocked(rec.Endpoint.Key()) {
			continue
		}
		s.Available++
		if isGood(rec, db.opts.MinClientVersion, db.opts.MinBlocks, db.opts.BlocksTolerance) {
			s.Good++
		}
		if !rec.OurLastTry.IsZero() && (oldest.IsZero() || rec.OurLastTry.Before(oldest)) {
			oldest = rec.OurLastTry
		}
	}
	if !oldest.IsZero() {
		s.AgeOldest = now.Sub(oldest)
	}
	return s
}

// Ban excludes endpoint from scheduling and serving for seconds,
// removing any existing record from the new bucket or tracked set.
func (db *DB) Ban(endpoint Endpoint, seconds int) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.banLocked(endpoint.Key(), seconds, db.now())
}

// ResetIgnores clears the ignore-until deadline on every tracked peer,
// making them immediately eligible for scheduling again.
func (db *DB) ResetIgnores() {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, rec := range db.tracked {
		rec.IgnoreUntil = time.Time{}
	}
}

// ClearBans empties the ban list.
func (db *DB) ClearBans() {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.banned = make(map[string]time.Time)
}
