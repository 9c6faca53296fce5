package types

import (
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// PHash is a fixed-width perceptual hash (64 or 256 bits) stored as 64-bit words,
// most significant word first.
type PHash struct {
	Bits  int
	Words []uint64
}

// NewPHash builds a PHash from raw words. The word count must match the bit width.
func NewPHash(bits int, words []uint64) (PHash, error) {
	if bits != 64 && bits != 256 {
		return PHash{}, fmt.Errorf("unsupported phash width: %d bits", bits)
	}
	if len(words)*64 != bits {
		return PHash{}, fmt.Errorf("phash word count %d does not match %d bits", len(words), bits)
	}
	w := make([]uint64, len(words))
	copy(w, words)
	return PHash{Bits: bits, Words: w}, nil
}

// IsZero reports whether the hash is unset.
func (p PHash) IsZero() bool {
	return p.Bits == 0
}

// Distance returns the Hamming distance between two hashes of the same width.
func (p PHash) Distance(other PHash) (int, error) {
	if p.Bits != other.Bits {
		return 0, fmt.Errorf("phash width mismatch: %d vs %d bits", p.Bits, other.Bits)
	}
	dist := 0
	for i := range p.Words {
		dist += bits.OnesCount64(p.Words[i] ^ other.Words[i])
	}
	return dist, nil
}

// Hex returns the hash as a lowercase hex string, 16 characters per word.
func (p PHash) Hex() string {
	var sb strings.Builder
	for _, w := range p.Words {
		fmt.Fprintf(&sb, "%016x", w)
	}
	return sb.String()
}

// ParsePHash parses the hex form produced by Hex. The bit width is derived
// from the string length.
func ParsePHash(s string) (PHash, error) {
	if len(s) != 16 && len(s) != 64 {
		return PHash{}, fmt.Errorf("invalid phash hex length %d", len(s))
	}
	words := make([]uint64, len(s)/16)
	for i := range words {
		var w uint64
		if _, err := fmt.Sscanf(s[i*16:(i+1)*16], "%016x", &w); err != nil {
			return PHash{}, fmt.Errorf("invalid phash hex %q: %v", s, err)
		}
		words[i] = w
	}
	return PHash{Bits: len(words) * 64, Words: words}, nil
}

// ImageDescriptor holds the derived measurements for one image entry.
// It is computed once per entry and never mutated.
type ImageDescriptor struct {
	URI        string
	Format     string
	Width      int
	Height     int
	GrayScore  float64
	WhiteScore float64
	PHash      PHash
	ByteSize   int64
	Digest     string
}

// MakeURI builds the stable identifier for an entry inside an archive.
func MakeURI(archivePath, entryPath string) string {
	return archivePath + "::" + entryPath
}

// ArchiveIdentity pins an archive to the state observed at plan time.
// If size or mtime changes before commit, the archive is skipped.
type ArchiveIdentity struct {
	Path        string
	SizeAtPlan  int64
	MTimeAtPlan time.Time
}

// Key returns the stable identity key used by the journal.
func (id ArchiveIdentity) Key() string {
	return fmt.Sprintf("%s|%d|%d", id.Path, id.SizeAtPlan, id.MTimeAtPlan.UnixNano())
}

// Reason classifies why an entry was kept or dropped.
type Reason string

const (
	ReasonSmall      Reason = "small"
	ReasonGrayscale  Reason = "grayscale"
	ReasonWhite      Reason = "white"
	ReasonDupExact   Reason = "duplicate_exact"
	ReasonDupNear    Reason = "duplicate_near"
	ReasonDupCross   Reason = "cross_archive_duplicate"
	ReasonUnreadable Reason = "unreadable"
	ReasonNonImage   Reason = "non_image"
	ReasonKept       Reason = "kept"
)

// DropDecision is the outcome for a single entry.
type DropDecision struct {
	URI             string
	Kept            bool
	Reason          Reason
	SimilarTo       string
	HammingDistance int
}

// PlanEntry pairs an archive entry path with its decision.
type PlanEntry struct {
	EntryPath string
	Decision  DropDecision
}

// ArchivePlan is the full keep/drop plan for one archive, computed before
// any mutation of the filesystem.
type ArchivePlan struct {
	Identity       ArchiveIdentity
	Entries        []PlanEntry
	RepackRequired bool
	DryRunOnly     bool
	Summary        map[Reason]int
}

// DroppedCount returns the number of entries the plan removes.
func (p *ArchivePlan) DroppedCount() int {
	n := 0
	for _, e := range p.Entries {
		if !e.Decision.Kept {
			n++
		}
	}
	return n
}

// Stats aggregates outcomes across a whole run.
type Stats struct {
	ArchivesSeen      int
	ArchivesProcessed int
	ArchivesSkipped   int
	ArchivesFailed    int
	ArchivesRepacked  int
	EntriesSeen       int
	// IndexWriteFailures counts archives whose hash index registration
	// failed. Those archives still process, but future runs lose the
	// cross-archive matches they would have contributed.
	IndexWriteFailures int
	Dropped            map[Reason]int
	Failures           []ArchiveFailure
	Backups            []string
}

// ArchiveFailure records a per-archive error for the final report.
type ArchiveFailure struct {
	Path  string
	Cause string
}

// NewStats returns an empty aggregate.
func NewStats() *Stats {
	return &Stats{Dropped: make(map[Reason]int)}
}

// Merge folds one archive's plan summary into the aggregate.
func (s *Stats) Merge(plan *ArchivePlan) {
	s.EntriesSeen += len(plan.Entries)
	for reason, n := range plan.Summary {
		if reason == ReasonKept || reason == ReasonNonImage {
			continue
		}
		s.Dropped[reason] += n
	}
}
