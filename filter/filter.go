// Package filter turns image descriptors into keep/drop decisions. Rules are
// ordered and first-match wins; each filter can be toggled independently.
package filter

import (
	"strings"
	"time"

	"arcfilter/types"
)

// Options holds the thresholds and toggles for one run.
type Options struct {
	RemoveSmall    bool
	MinSize        int
	RemoveGray     bool
	GrayThreshold  float64
	WhiteThreshold float64
	RemoveDups     bool
	SelfHamming    int
	CrossHamming   int
}

// NeighborIndex is the cross-archive lookup the duplicate filter consults.
// A nil index disables cross-archive deduplication.
type NeighborIndex interface {
	// Nearest returns the URI of the closest registered hash within Hamming
	// distance r, or ok=false.
	Nearest(ph types.PHash, r int) (uri string, dist int, ok bool)
	// Register records a kept image's hash.
	Register(uri string, ph types.PHash, seenAt time.Time) error
}

// keptImage tracks an image currently surviving within the archive, so later
// near-duplicates can be compared and the tie-break applied.
type keptImage struct {
	desc      *types.ImageDescriptor
	entryPath string
	decision  *types.DropDecision
}

// Session applies the rules to one archive's entries, carrying the
// per-archive working state (digests and surviving hashes). Entries must be
// fed in lexicographic order so tie-breaks are reproducible. Not safe for
// concurrent use; one archive is one session.
type Session struct {
	opts        Options
	index       NeighborIndex
	archivePath string
	byDigest    map[string]*types.DropDecision
	kept        []keptImage
	indexErr    error
}

// NewSession starts a session for one archive.
func NewSession(opts Options, index NeighborIndex, archivePath string) *Session {
	return &Session{
		opts:        opts,
		index:       index,
		archivePath: archivePath,
		byDigest:    make(map[string]*types.DropDecision),
	}
}

// IndexError returns the first hash-index write failure seen, if any.
// Decisions are unaffected; the in-memory index keeps working.
func (s *Session) IndexError() error {
	return s.indexErr
}

// Decide classifies one image entry. desc is nil iff inspectErr is set.
// The returned decision may later be flipped by the near-duplicate tie-break,
// so callers must read it only after the whole archive has been fed through.
func (s *Session) Decide(entryPath string, desc *types.ImageDescriptor, inspectErr error) *types.DropDecision {
	uri := types.MakeURI(s.archivePath, entryPath)

	if inspectErr != nil {
		return &types.DropDecision{URI: uri, Kept: false, Reason: types.ReasonUnreadable}
	}

	if s.opts.RemoveSmall && (desc.Width < s.opts.MinSize || desc.Height < s.opts.MinSize) {
		return &types.DropDecision{URI: uri, Kept: false, Reason: types.ReasonSmall}
	}

	if s.opts.RemoveGray && desc.WhiteScore >= s.opts.WhiteThreshold {
		return &types.DropDecision{URI: uri, Kept: false, Reason: types.ReasonWhite}
	}

	if s.opts.RemoveGray && desc.GrayScore >= s.opts.GrayThreshold {
		return &types.DropDecision{URI: uri, Kept: false, Reason: types.ReasonGrayscale}
	}

	if s.opts.RemoveDups {
		if d := s.decideDuplicate(uri, entryPath, desc); d != nil {
			return d
		}
	}

	decision := &types.DropDecision{URI: uri, Kept: true, Reason: types.ReasonKept}
	s.keep(entryPath, desc, decision)
	return decision
}

// decideDuplicate runs the three duplicate rules. Returns nil when the image
// is not a duplicate of anything seen so far.
func (s *Session) decideDuplicate(uri, entryPath string, desc *types.ImageDescriptor) *types.DropDecision {
	// Exact byte-for-byte copy within this archive.
	if prior, ok := s.byDigest[desc.Digest]; ok {
		winner := prior.URI
		if !prior.Kept && prior.SimilarTo != "" {
			// The first copy was itself displaced; point at its winner.
			winner = prior.SimilarTo
		}
		return &types.DropDecision{
			URI:       uri,
			Kept:      false,
			Reason:    types.ReasonDupExact,
			SimilarTo: winner,
		}
	}

	// Cross-archive near match via the persistent index. Hits from this very
	// archive are ignored; in-archive duplicates belong to the self rule and
	// its size tie-break.
	if s.index != nil && !desc.PHash.IsZero() {
		if winner, dist, ok := s.index.Nearest(desc.PHash, s.opts.CrossHamming); ok {
			if !strings.HasPrefix(winner, s.archivePath+"::") {
				return &types.DropDecision{
					URI:             uri,
					Kept:            false,
					Reason:          types.ReasonDupCross,
					SimilarTo:       winner,
					HammingDistance: dist,
				}
			}
		}
	}

	// Near match among this archive's surviving images.
	if bestIdx, dist, ok := s.nearestKept(desc.PHash); ok {
		winner := &s.kept[bestIdx]
		if desc.ByteSize > winner.desc.ByteSize {
			// The newcomer has higher fidelity: displace the earlier image.
			displaced := winner.decision
			displaced.Kept = false
			displaced.Reason = types.ReasonDupNear
			displaced.SimilarTo = uri
			displaced.HammingDistance = dist

			decision := &types.DropDecision{URI: uri, Kept: true, Reason: types.ReasonKept}
			s.kept[bestIdx] = keptImage{desc: desc, entryPath: entryPath, decision: decision}
			if _, ok := s.byDigest[desc.Digest]; !ok {
				s.byDigest[desc.Digest] = decision
			}
			if s.index != nil && !desc.PHash.IsZero() {
				if err := s.index.Register(uri, desc.PHash, time.Now()); err != nil && s.indexErr == nil {
					s.indexErr = err
				}
			}
			return decision
		}
		// Equal size keeps the lexicographically smaller entry path, which is
		// the earlier one in feed order.
		return &types.DropDecision{
			URI:             uri,
			Kept:            false,
			Reason:          types.ReasonDupNear,
			SimilarTo:       winner.decision.URI,
			HammingDistance: dist,
		}
	}

	return nil
}

// nearestKept finds the surviving in-archive image closest to ph within the
// self threshold.
func (s *Session) nearestKept(ph types.PHash) (idx, dist int, ok bool) {
	if ph.IsZero() {
		return 0, 0, false
	}
	best := -1
	bestDist := s.opts.SelfHamming + 1
	for i := range s.kept {
		d, err := ph.Distance(s.kept[i].desc.PHash)
		if err != nil {
			continue
		}
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, bestDist, true
}

// keep records a surviving image in the working state and registers its hash
// in the cross-archive index.
func (s *Session) keep(entryPath string, desc *types.ImageDescriptor, decision *types.DropDecision) {
	if _, ok := s.byDigest[desc.Digest]; !ok {
		s.byDigest[desc.Digest] = decision
	}
	s.kept = append(s.kept, keptImage{desc: desc, entryPath: entryPath, decision: decision})

	if s.index != nil && s.opts.RemoveDups && !desc.PHash.IsZero() {
		if err := s.index.Register(decision.URI, desc.PHash, time.Now()); err != nil && s.indexErr == nil {
			s.indexErr = err
		}
	}
}
