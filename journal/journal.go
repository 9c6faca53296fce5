// Package journal remembers which archives have already been processed and
// renders the processed.log record embedded into each repacked archive.
package journal

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"arcfilter/types"
)

// Journal is the persistent resume store. An archive is identified by its
// path plus the size and mtime captured at plan time, so a modified archive
// is processed again even when its path was seen before.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the resume database.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal %s: %v", path, err)
	}

	createSQL := `
	CREATE TABLE IF NOT EXISTS processed (
		identity_key TEXT PRIMARY KEY,
		archive_path TEXT NOT NULL,
		processed_at TEXT NOT NULL
	);`

	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create journal schema: %v", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the backing database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Seen reports whether this exact archive state was already processed.
func (j *Journal) Seen(id types.ArchiveIdentity) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var one int
	err := j.db.QueryRow("SELECT 1 FROM processed WHERE identity_key = ?", id.Key()).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cannot query journal: %v", err)
	}
	return true, nil
}

// MarkProcessed records the archive state as done. Called only after a
// successful commit (or a committed no-op), never for failed archives.
func (j *Journal) MarkProcessed(id types.ArchiveIdentity, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT OR REPLACE INTO processed (identity_key, archive_path, processed_at) VALUES (?, ?, ?)",
		id.Key(), id.Path, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cannot mark archive processed: %v", err)
	}
	return nil
}

// Record renders the processed.log text for one plan: timestamp, tool
// version and parameter digest, per-reason counts, and the winner of every
// near-duplicate decision. Plain UTF-8, one record per run, newline
// terminated so records from successive runs concatenate cleanly.
func Record(plan *types.ArchivePlan, toolVersion, paramsDigest string, at time.Time) []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "processed_at: %s\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "tool: %s\n", toolVersion)
	fmt.Fprintf(&sb, "parameters: %s\n", paramsDigest)
	fmt.Fprintf(&sb, "archive: %s\n", plan.Identity.Path)

	kept := len(plan.Entries) - plan.DroppedCount()
	fmt.Fprintf(&sb, "entries: %d kept: %d dropped: %d\n", len(plan.Entries), kept, plan.DroppedCount())

	reasons := make([]string, 0, len(plan.Summary))
	for r := range plan.Summary {
		if r == types.ReasonKept {
			continue
		}
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&sb, "reason %s: %d\n", r, plan.Summary[types.Reason(r)])
	}

	wroteHeader := false
	for _, e := range plan.Entries {
		d := e.Decision
		if d.Kept || (d.Reason != types.ReasonDupNear && d.Reason != types.ReasonDupCross) {
			continue
		}
		if !wroteHeader {
			sb.WriteString("near_duplicates:\n")
			wroteHeader = true
		}
		fmt.Fprintf(&sb, "  %s -> %s (distance %d)\n", d.URI, d.SimilarTo, d.HammingDistance)
	}

	sb.WriteString("\n")
	return []byte(sb.String())
}
