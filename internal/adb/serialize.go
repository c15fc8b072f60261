package adb

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"
)

// snapshotRecord is the gob-friendly mirror of Record. time.Time
// implements gob's GobEncoder and the IP is stored as raw bytes, so both
// round-trip as-is; the separate type exists only to keep the wire
// format decoupled from internal field names.
type snapshotRecord struct {
	ID             int64
	IP             []byte
	Port           uint16
	Services       uint64
	ClientVersion  int32
	ClientSubVer   string
	Blocks         int32
	LastTry        time.Time
	OurLastTry     time.Time
	OurLastSuccess time.Time
	IgnoreUntil    time.Time
	Total          int
	Success        int
	Stat           [numWindows]windowStat
	Tracked        bool
}

type snapshotBan struct {
	Key   string
	Until time.Time
}

type snapshotFile struct {
	NextID  int64
	Records []snapshotRecord
	Bans    []snapshotBan
}

func init() {
	gob.Register(windowStat{})
}

// Serialize writes a restorable snapshot of every known peer (new and
// tracked) and the ban list to w.
func (db *DB) Serialize(w io.Writer) error {
	db.mtx.RLock()
	defer db.mtx.RUnlock()

	var sf snapshotFile
	sf.NextID = db.nextID

	for _, rec := range db.newByKey {
		sf.Records = append(sf.Records, toSnapshotRecord(rec))
	}
	for _, id := range sortedTrackedIDs(db.tracked) {
		sf.Records = append(sf.Records, toSnapshotRecord(db.tracked[id]))
	}
	for key, until := range db.banned {
		sf.Bans = append(sf.Bans, snapshotBan{Key: key, Until: until})
	}

	return gob.NewEncoder(w).Encode(&sf)
}

// Deserialize restores state from a snapshot produced by Serialize into
// db, which must be freshly constructed (any existing state is
// discarded). Malformed input leaves db untouched and returns an error;
// callers should fall back to starting empty.
func (db *DB) Deserialize(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}

	var sf snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(buf.Bytes())).Decode(&sf); err != nil {
		return err
	}

	db.mtx.Lock()
	defer db.mtx.Unlock()

	db.newSlots = make([]*Record, len(db.newSlots))
	db.newByKey = make(map[string]*Record)
	db.newByID = make(map[int64]*Record)
	db.tracked = make(map[int64]*Record)
	db.trackedByKey = make(map[string]*Record)
	db.banned = make(map[string]time.Time)
	db.queue = nil
	db.probing = make(map[int64]time.Time)
	db.nextID = sf.NextID

	for _, sr := range sf.Records {
		rec := fromSnapshotRecord(sr)
		key := rec.Endpoint.Key()
		if rec.tracked {
			db.tracked[rec.ID] = rec
			db.trackedByKey[key] = rec
			db.queue = append(db.queue, rec.ID)
		} else {
			slot := newSlot(key, len(db.newSlots))
			db.newSlots[slot] = rec
			db.newByKey[key] = rec
			db.newByID[rec.ID] = rec
		}
	}
	for _, b := range sf.Bans {
		db.banned[b.Key] = b.Until
	}
	return nil
}

func toSnapshotRecord(rec *Record) snapshotRecord {
	return snapshotRecord{
		ID:             rec.ID,
		IP:             []byte(rec.Endpoint.IP),
		Port:           rec.Endpoint.Port,
		Services:       rec.Services,
		ClientVersion:  rec.ClientVersion,
		ClientSubVer:   rec.ClientSubVer,
		Blocks:         rec.Blocks,
		LastTry:        rec.LastTry,
		OurLastTry:     rec.OurLastTry,
		OurLastSuccess: rec.OurLastSuccess,
		IgnoreUntil:    rec.IgnoreUntil,
		Total:          rec.Total,
		Success:        rec.Success,
		Stat:           rec.Stat,
		Tracked:        rec.tracked,
	}
}

func fromSnapshotRecord(sr snapshotRecord) *Record {
	return &Record{
		ID:             sr.ID,
		Endpoint:       Endpoint{IP: append([]byte(nil), sr.IP...), Port: sr.Port},
		Services:       sr.Services,
		ClientVersion:  sr.ClientVersion,
		ClientSubVer:   sr.ClientSubVer,
		Blocks:         sr.Blocks,
		LastTry:        sr.LastTry,
		OurLastTry:     sr.OurLastTry,
		OurLastSuccess: sr.OurLastSuccess,
		IgnoreUntil:    sr.IgnoreUntil,
		Total:          sr.Total,
		Success:        sr.Success,
		Stat:           sr.Stat,
		tracked:        sr.Tracked,
	}
}
