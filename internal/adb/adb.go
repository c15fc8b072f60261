package adb

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Options configures ties the ADB has to the peer-wire protocol the
// crawlers speak (minimum client version, minimum chain height) and to
// its resource bounds. The peer-wire details themselves stay outside the
// ADB -- it only needs the numbers, not the protocol, which keeps the
// prober free to be swapped out behind an interface for tests.
type Options struct {
	MinClientVersion int32
	MinBlocks        int32
	BlocksTolerance  int32
	NewMax           int

	// Now, if set, overrides time.Now for deterministic tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.NewMax == 0 {
		o.NewMax = NNewMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// DB is the Address Database: the new bucket of never-probed
// candidates, the tracked set of peers with reliability history, and
// the ban list, all behind one lock. All exported methods are safe for
// concurrent use.
type DB struct {
	mtx sync.RWMutex

	opts Options

	newSlots []*Record
	newByKey map[string]*Record
	newByID  map[int64]*Record

	tracked      map[int64]*Record
	trackedByKey map[string]*Record

	banned map[string]time.Time

	queue   []int64
	probing map[int64]time.Time

	nextID int64
}

// New constructs an empty Address Database.
func New(opts Options) *DB {
	opts.setDefaults()
	return &DB{
		opts:         opts,
		newSlots:     make([]*Record, opts.NewMax),
		newByKey:     make(map[string]*Record),
		newByID:      make(map[int64]*Record),
		tracked:      make(map[int64]*Record),
		trackedByKey: make(map[string]*Record),
		banned:       make(map[string]time.Time),
		probing:      make(map[int64]time.Time),
	}
}

func (db *DB) now() time.Time { return db.opts.Now() }

func newSlot(key string, capacity int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(capacity))
}

// isBannedLocked reports whether endpoint is currently banned, clearing
// the entry if its ban has expired (implements I7: ban expiry). Callers
// must hold the write lock, since it may mutate db.banned.
func (db *DB) isBannedLocked(key string) bool {
	until, ok := db.banned[key]
	if !ok {
		return false
	}
	if !until.After(db.now()) {
		delete(db.banned, key)
		return false
	}
	return true
}

// isBannedReadLocked is the read-only counterpart, safe under RLock: it
// never mutates db.banned, treating an expired-but-not-yet-swept ban as
// not banned.
func (db *DB) isBannedReadLocked(key string) bool {
	until, ok := db.banned[key]
	return ok && until.After(db.now())
}

// Add inserts endpoint if unknown. forceTracked=true (bootstrap path)
// bypasses the new bucket, creating the record directly in the tracked
// set with zeroed stats. Returns whether a record was created.
func (db *DB) Add(endpoint Endpoint, forceTracked bool) bool {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.addLocked(endpoint, forceTracked)
}

// AddMany is the batch form of Add; semantics are identical per element.
func (db *DB) AddMany(endpoints []Endpoint, forceTracked bool) int {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	n := 0
	for _, e := range endpoints {
		if db.addLocked(e, forceTracked) {
			n++
		}
	}
	return n
}

func (db *DB) addLocked(endpoint Endpoint, forceTracked bool) bool {
	key := endpoint.Key()

	if db.isBannedLocked(key) {
		return false
	}
	if _, ok := db.newByKey[key]; ok {
		return false
	}
	if _, ok := db.trackedByKey[key]; ok {
		return false
	}

	if forceTracked {
		db.nextID++
		rec := &Record{
			ID:       db.nextID,
			Endpoint: endpoint,
			tracked:  true,
		}
		db.tracked[rec.ID] = rec
		db.trackedByKey[key] = rec
		db.queue = append(db.queue, rec.ID)
		return true
	}

	slot := newSlot(key, len(db.newSlots))
	if occupant := db.newSlots[slot]; occupant != nil {
		delete(db.newByKey, occupant.Endpoint.Key())
		delete(db.newByID, occupant.ID)
		delete(db.probing, occupant.ID)
	}
	db.nextID++
	rec := &Record{ID: db.nextID, Endpoint: endpoint}
	db.newSlots[slot] = rec
	db.newByKey[key] = rec
	db.newByID[rec.ID] = rec
	return true
}

// Reservation is a peer handed out by GetMany, awaiting a probe result.
type Reservation struct {
	Endpoint       Endpoint
	OurLastSuccess time.Time
}

// GetMany reserves up to count peers for probing, marking each
// "currently probing" with a soft deadline of wait. It draws from two
// sources: the new bucket (peers never yet probed are always eligible,
// since they have no retry cooldown to wait out) and the tracked
// schedule queue, refilled lazily as retry deadlines come due. A
// brand-new peer is the only
// way `ResultMany` is ever invoked against it, so without this the new
// bucket could never be promoted. If both sources are empty, it returns
// an empty slice.
func (db *DB) GetMany(count int, wait time.Duration) []Reservation {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	db.reapStaleReservationsLocked()

	now := db.now()
	out := make([]Reservation, 0, count)

	for _, id := range sortedNewIDs(db.newByID) {
		if len(out) >= count {
			break
		}
		if _, busy := db.probing[id]; busy {
			continue
		}
		rec := db.newByID[id]
		db.probing[id] = now.Add(wait)
		out = append(out, Reservation{Endpoint: rec.Endpoint})
	}

	if len(out) < count && len(db.queue) == 0 {
		db.refillQueueLocked()
	}
	for len(out) < count && len(db.queue) > 0 {
		id := db.queue[0]
		db.queue = db.queue[1:]

		rec, ok := db.tracked[id]
		if !ok {
			continue // evicted since being queued
		}
		db.probing[id] = now.Add(wait)
		out = append(out, Reservation{Endpoint: rec.Endpoint, OurLastSuccess: rec.OurLastSuccess})
	}
	return out
}

func sortedNewIDs(m map[int64]*Record) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// reapStaleReservationsLocked returns timed-out reservations. A timed
// out tracked reservation goes back on the queue with ourLastTry bumped
// to now, so an unresponsive peer isn't tight-looped; a timed-out new
// reservation simply stops being "probing", since the new bucket is its
// own implicit pool of always-eligible candidates.
func (db *DB) reapStaleReservationsLocked() {
	now := db.now()
	for id, deadline := range db.probing {
		if deadline.After(now) {
			continue
		}
		delete(db.probing, id)
		if rec, ok := db.tracked[id]; ok {
			rec.OurLastTry = now
			db.queue = append(db.queue, id)
		}
	}
}

// refillQueueLocked scans the tracked set in id order for peers eligible
// to be probed now, queuing the oldest-tried first.
func (db *DB) refillQueueLocked() {
	now := db.now()

	ids := make([]int64, 0, len(db.tracked))
	for id := range db.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type cand struct {
		id         int64
		ourLastTry time.Time
	}
	var eligible []cand
	for _, id := range ids {
		if _, busy := db.probing[id]; busy {
			continue
		}
		rec := db.tracked[id]
		eligibleAt := rec.OurLastTry.Add(MinRetryInterval)
		if rec.IgnoreUntil.After(eligibleAt) {
			eligibleAt = rec.IgnoreUntil
		}
		if now.Before(eligibleAt) {
			continue
		}
		eligible = append(eligible, cand{id, rec.OurLastTry})
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ourLastTry.Before(eligible[j].ourLastTry) })
	for _, c := range eligible {
		db.queue = append(db.queue, c.id)
	}
}

// Result is the outcome of one probe attempt, integrated by ResultMany.
type Result struct {
	Endpoint      Endpoint
	Good          bool
	BanSeconds    int
	ClientVersion int32
	ClientSubVer  string
	Blocks        int32
	Services      uint64
}

// ResultMany integrates a batch of probe results, applying the
// promotion/demotion state machine to each.
func (db *DB) ResultMany(results []Result) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	now := db.now()
	for _, r := range results {
		db.integrateResultLocked(r, now)
	}
}

func (db *DB) integrateResultLocked(r Result, now time.Time) {
	key := r.Endpoint.Key()

	if rec, ok := db.trackedByKey[key]; ok {
		delete(db.probing, rec.ID)
		db.integrateTrackedLocked(rec, r, now)
		return
	}
	if rec, ok := db.newByKey[key]; ok {
		db.integrateNewLocked(rec, key, r, now)
		return
	}
	// Unknown endpoint (e.g. evicted while probing in flight); drop.
}

func (db *DB) banLocked(key string, seconds int, now time.Time) {
	db.banned[key] = now.Add(time.Duration(seconds) * time.Second)
	if rec, ok := db.newByKey[key]; ok {
		slot := newSlot(key, len(db.newSlots))
		if db.newSlots[slot] == rec {
			db.newSlots[slot] = nil
		}
		delete(db.newByKey, key)
		delete(db.newByID, rec.ID)
		delete(db.probing, rec.ID)
	}
	if rec, ok := db.trackedByKey[key]; ok {
		delete(db.tracked, rec.ID)
		delete(db.trackedByKey, key)
		delete(db.probing, rec.ID)
		db.removeFromQueueLocked(rec.ID)
	}
}

func (db *DB) removeFromQueueLocked(id int64) {
	for i, qid := range db.queue {
		if qid == id {
			db.queue = append(db.queue[:i], db.queue[i+1:]...)
			return
		}
	}
}

func (db *DB) integrateNewLocked(rec *Record, key string, r Result, now time.Time) {
	delete(db.probing, rec.ID)
	rec.LastTry = now
	rec.OurLastTry = now

	if r.BanSeconds > 0 {
		db.banLocked(key, r.BanSeconds, now)
		return
	}

	rec.Total++
	if r.Good {
		rec.Success++
		rec.OurLastSuccess = now
		db.promoteLocked(rec, key, r, now)
		return
	}

	if rec.Total >= NNewFailCap && rec.Success == 0 {
		slot := newSlot(key, len(db.newSlots))
		if db.newSlots[slot] == rec {
			db.newSlots[slot] = nil
		}
		delete(db.newByKey, key)
		delete(db.newByID, rec.ID)
	}
}

func (db *DB) promoteLocked(rec *Record, key string, r Result, now time.Time) {
	slot := newSlot(key, len(db.newSlots))
	if db.newSlots[slot] == rec {
		db.newSlots[slot] = nil
	}
	delete(db.newByKey, key)
	delete(db.newByID, rec.ID)

	tr := &Record{
		ID:             rec.ID,
		Endpoint:       rec.Endpoint,
		Services:       r.Services,
		ClientVersion:  r.ClientVersion,
		ClientSubVer:   r.ClientSubVer,
		Blocks:         r.Blocks,
		LastTry:        now,
		OurLastTry:     now,
		OurLastSuccess: now,
		tracked:        true,
	}
	for w := Window(0); w < numWindows; w++ {
		tr.Stat[w] = windowStat{Rate: 1.0, Attempts: 1.0}
	}
	db.tracked[tr.ID] = tr
	db.trackedByKey[key] = tr
}

func (db *DB) integrateTrackedLocked(rec *Record, r Result, now time.Time) {
	if r.BanSeconds > 0 {
		rec.LastTry = now
		rec.OurLastTry = now
		db.banLocked(rec.Endpoint.Key(), r.BanSeconds, now)
		return
	}

	age := 0.0
	if !rec.OurLastTry.IsZero() {
		age = now.Sub(rec.OurLastTry).Seconds()
	}

	rec.LastTry = now

	for w := Window(0); w < numWindows; w++ {
		decayRate(&rec.Stat[w], age, windowTau[w], r.Good)
		rec.Stat[w].Attempts++
	}

	rec.OurLastTry = now

	if r.Good {
		rec.ClientVersion = r.ClientVersion
		rec.ClientSubVer = r.ClientSubVer
		rec.Blocks = r.Blocks
		rec.Services = r.Services
		rec.OurLastSuccess = now
		rec.IgnoreUntil = time.Time{}
		return
	}

	if db.anyLadderRungPassesLocked(rec) {
		return
	}
	if rec.OurLastSuccess.IsZero() || now.Sub(rec.OurLastSuccess) >= GracePeriod {
		rec.IgnoreUntil = now.Add(IgnoreWindow)
	}
}

func (db *DB) anyLadderRungPassesLocked(rec *Record) bool {
	for _, rung := range reliabilityLadder {
		ws := rec.Stat[rung.Window]
		if ws.Attempts >= rung.MinAttempts && ws.Rate >= rung.MinRate {
			return true
		}
	}
	return false
}

// NetFilter selects which address families GetIPs/GetAll should return.
type NetFilter struct {
	V4 bool
	V6 bool
}
