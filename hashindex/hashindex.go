// Package hashindex persists perceptual hashes across runs and answers
// Hamming-neighborhood queries for cross-archive deduplication.
//
// Storage is a single SQLite file. All hashes are mirrored in memory at open;
// queries never touch the database, writes go through it under the index lock.
package hashindex

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"arcfilter/types"
)

const formatVersion = 1

// Brute-force scanning beats bucket probing until the index grows past this.
const bruteForceLimit = 4096

// Entry is one canonical image registered in the index.
type Entry struct {
	PHash       types.PHash
	URI         string
	GroupID     int64
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// WriteError wraps a persistence failure. The index keeps serving from memory
// after one; the caller decides how loudly to complain.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("hash index write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Index is the persistent cross-archive hash store. Safe for concurrent use;
// reads share a lock, writes are exclusive.
type Index struct {
	mu      sync.RWMutex
	db      *sql.DB
	bits    int
	entries []Entry
	byKey   map[string]int        // phash-hex|uri -> entries offset
	buckets []map[uint16][]int32  // one bucket map per 16-bit block
}

// Open opens or creates the index file and loads all entries into memory.
// hashBits must match the value recorded in an existing file.
func Open(path string, hashBits int) (*Index, error) {
	if hashBits != 64 && hashBits != 256 {
		return nil, fmt.Errorf("unsupported hash width: %d bits", hashBits)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open hash index %s: %v", path, err)
	}

	createSQL := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phash TEXT NOT NULL,
		uri TEXT NOT NULL,
		group_id INTEGER,
		first_seen_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		UNIQUE(phash, uri)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_phash ON entries(phash);`

	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create hash index schema: %v", err)
	}

	if err := checkMeta(db, hashBits); err != nil {
		db.Close()
		return nil, err
	}

	ix := &Index{
		db:    db,
		bits:  hashBits,
		byKey: make(map[string]int),
	}
	ix.buckets = make([]map[uint16][]int32, hashBits/16)
	for i := range ix.buckets {
		ix.buckets[i] = make(map[uint16][]int32)
	}

	if err := ix.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	return ix, nil
}

// checkMeta writes version and hash width on first open, verifies them after.
func checkMeta(db *sql.DB, hashBits int) error {
	var stored string
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'hash_bits'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec("INSERT INTO meta (key, value) VALUES ('format_version', ?), ('hash_bits', ?)",
			fmt.Sprintf("%d", formatVersion), fmt.Sprintf("%d", hashBits))
		if err != nil {
			return fmt.Errorf("cannot write hash index meta: %v", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("cannot read hash index meta: %v", err)
	}

	if stored != fmt.Sprintf("%d", hashBits) {
		return fmt.Errorf("hash index was built with %s-bit hashes, configured for %d", stored, hashBits)
	}
	return nil
}

// loadAll mirrors every row into the in-memory entry list and buckets.
func (ix *Index) loadAll() error {
	rows, err := ix.db.Query(
		"SELECT phash, uri, COALESCE(group_id, 0), first_seen_at, last_seen_at FROM entries ORDER BY id")
	if err != nil {
		return fmt.Errorf("cannot load hash index entries: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var phashHex, uri, firstSeen, lastSeen string
		var groupID int64
		if err := rows.Scan(&phashHex, &uri, &groupID, &firstSeen, &lastSeen); err != nil {
			return fmt.Errorf("cannot scan hash index entry: %v", err)
		}

		ph, err := types.ParsePHash(phashHex)
		if err != nil {
			return fmt.Errorf("corrupt hash index entry %s: %v", uri, err)
		}
		if ph.Bits != ix.bits {
			return fmt.Errorf("hash index entry %s has %d-bit hash, index is %d-bit", uri, ph.Bits, ix.bits)
		}

		first, err := time.Parse(time.RFC3339Nano, firstSeen)
		if err != nil {
			return fmt.Errorf("corrupt first_seen_at for %s: %v", uri, err)
		}
		last, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			return fmt.Errorf("corrupt last_seen_at for %s: %v", uri, err)
		}

		ix.addToMemory(Entry{PHash: ph, URI: uri, GroupID: groupID, FirstSeenAt: first, LastSeenAt: last})
	}
	return rows.Err()
}

// addToMemory appends an entry and registers it in the lookup structures.
// Caller holds the write lock (or is still inside Open).
func (ix *Index) addToMemory(e Entry) {
	idx := len(ix.entries)
	ix.entries = append(ix.entries, e)
	ix.byKey[e.PHash.Hex()+"|"+e.URI] = idx
	for b := range ix.buckets {
		ix.buckets[b][blockAt(e.PHash, b)] = append(ix.buckets[b][blockAt(e.PHash, b)], int32(idx))
	}
}

// Close closes the backing database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Bits returns the hash width the index was opened with.
func (ix *Index) Bits() int {
	return ix.bits
}

// Query returns the entry nearest to ph within Hamming distance r, together
// with the distance. Ties are broken by earliest first_seen_at. The boolean
// is false when no entry is within range.
func (ix *Index) Query(ph types.PHash, r int) (Entry, int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ph.Bits != ix.bits {
		return Entry{}, 0, false
	}

	if len(ix.entries) <= bruteForceLimit {
		return ix.scanAll(ph, r)
	}
	return ix.scanBuckets(ph, r)
}

// scanAll is the linear strategy for small indexes.
func (ix *Index) scanAll(ph types.PHash, r int) (Entry, int, bool) {
	best := -1
	bestDist := r + 1
	for i := range ix.entries {
		dist, err := ph.Distance(ix.entries[i].PHash)
		if err != nil {
			continue
		}
		if dist < bestDist ||
			(dist == bestDist && best >= 0 && ix.entries[i].FirstSeenAt.Before(ix.entries[best].FirstSeenAt)) {
			best = i
			bestDist = dist
		}
	}
	if best < 0 || bestDist > r {
		return Entry{}, 0, false
	}
	return ix.entries[best], bestDist, true
}

// scanBuckets is the multi-index strategy: split the hash into 16-bit blocks;
// by pigeonhole, any entry within distance r differs from the query by at most
// r/blocks bits in some block. Probing every block value within that per-block
// radius touches a bounded number of buckets regardless of index size.
func (ix *Index) scanBuckets(ph types.PHash, r int) (Entry, int, bool) {
	nblocks := len(ix.buckets)
	perBlock := r / nblocks

	seen := make(map[int32]struct{})
	best := -1
	bestDist := r + 1

	for b := 0; b < nblocks; b++ {
		enumerateNeighbors(blockAt(ph, b), perBlock, func(v uint16) {
			for _, idx := range ix.buckets[b][v] {
				if _, dup := seen[idx]; dup {
					continue
				}
				seen[idx] = struct{}{}

				dist, err := ph.Distance(ix.entries[idx].PHash)
				if err != nil {
					continue
				}
				i := int(idx)
				if dist < bestDist ||
					(dist == bestDist && best >= 0 && ix.entries[i].FirstSeenAt.Before(ix.entries[best].FirstSeenAt)) {
					best = i
					bestDist = dist
				}
			}
		})
	}

	if best < 0 || bestDist > r {
		return Entry{}, 0, false
	}
	return ix.entries[best], bestDist, true
}

// InsertOrUpdate registers a hash for uri, or touches last_seen_at when the
// (phash, uri) pair already exists. A *WriteError means the database write
// failed but the in-memory index was still updated.
func (ix *Index) InsertOrUpdate(uri string, ph types.PHash, seenAt time.Time) error {
	if ph.Bits != ix.bits {
		return fmt.Errorf("cannot insert %d-bit hash into %d-bit index", ph.Bits, ix.bits)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := ph.Hex() + "|" + uri
	ts := seenAt.UTC().Format(time.RFC3339Nano)

	if idx, ok := ix.byKey[key]; ok {
		ix.entries[idx].LastSeenAt = seenAt
		if ix.db != nil {
			_, err := ix.db.Exec("UPDATE entries SET last_seen_at = ? WHERE phash = ? AND uri = ?",
				ts, ph.Hex(), uri)
			if err != nil {
				return &WriteError{Err: err}
			}
		}
		return nil
	}

	ix.addToMemory(Entry{PHash: ph, URI: uri, FirstSeenAt: seenAt, LastSeenAt: seenAt})

	if ix.db != nil {
		_, err := ix.db.Exec(
			"INSERT OR IGNORE INTO entries (phash, uri, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?)",
			ph.Hex(), uri, ts, ts)
		if err != nil {
			return &WriteError{Err: err}
		}
	}
	return nil
}

// Snapshot returns a copy of all entries for compaction and diagnostics.
func (ix *Index) Snapshot() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// blockAt extracts the b-th 16-bit block of a hash, most significant first.
func blockAt(ph types.PHash, b int) uint16 {
	word := ph.Words[b/4]
	shift := 48 - 16*(b%4)
	return uint16(word >> uint(shift))
}

// enumerateNeighbors calls fn for every 16-bit value within Hamming distance
// maxDist of v, including v itself.
func enumerateNeighbors(v uint16, maxDist int, fn func(uint16)) {
	fn(v)
	if maxDist <= 0 {
		return
	}
	flipFrom(v, 0, maxDist, fn)
}

// flipFrom flips up to remaining bits at positions >= start, emitting each
// distinct variant once.
func flipFrom(v uint16, start, remaining int, fn func(uint16)) {
	for pos := start; pos < 16; pos++ {
		flipped := v ^ (1 << uint(pos))
		fn(flipped)
		if remaining > 1 {
			flipFrom(flipped, pos+1, remaining-1, fn)
		}
	}
}
