package filter

import (
	"errors"
	"testing"
	"time"

	"arcfilter/types"
)

// fakeIndex is an in-memory NeighborIndex for tests.
type fakeIndex struct {
	entries map[string]types.PHash
	failOn  string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]types.PHash)}
}

func (f *fakeIndex) Nearest(ph types.PHash, r int) (string, int, bool) {
	bestURI := ""
	bestDist := r + 1
	for uri, h := range f.entries {
		d, err := ph.Distance(h)
		if err != nil {
			continue
		}
		if d < bestDist {
			bestURI = uri
			bestDist = d
		}
	}
	if bestURI == "" {
		return "", 0, false
	}
	return bestURI, bestDist, true
}

func (f *fakeIndex) Register(uri string, ph types.PHash, _ time.Time) error {
	if f.failOn != "" && uri == f.failOn {
		return errors.New("disk full")
	}
	f.entries[uri] = ph
	return nil
}

func ph64(t *testing.T, w uint64) types.PHash {
	t.Helper()
	ph, err := types.NewPHash(64, []uint64{w})
	if err != nil {
		t.Fatalf("NewPHash: %v", err)
	}
	return ph
}

func desc(uri string, w, h int, gray, white float64, hash types.PHash, size int64, digest string) *types.ImageDescriptor {
	return &types.ImageDescriptor{
		URI: uri, Width: w, Height: h,
		GrayScore: gray, WhiteScore: white,
		PHash: hash, ByteSize: size, Digest: digest,
	}
}

var allOn = Options{
	RemoveSmall:    true,
	MinSize:        631,
	RemoveGray:     true,
	GrayThreshold:  0.90,
	WhiteThreshold: 0.99,
	RemoveDups:     true,
	SelfHamming:    2,
	CrossHamming:   12,
}

func TestUnreadableWinsFirst(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	d := s.Decide("x.jpg", nil, errors.New("truncated"))
	if d.Kept || d.Reason != types.ReasonUnreadable {
		t.Errorf("got %+v, want unreadable drop", d)
	}
}

func TestSmallBeatsWhite(t *testing.T) {
	// Filter precedence: a small image that is also white reports small.
	s := NewSession(allOn, nil, "a.zip")
	d := s.Decide("x.png", desc("", 400, 400, 1.0, 1.0, ph64(t, 1), 100, "d1"), nil)
	if d.Kept || d.Reason != types.ReasonSmall {
		t.Errorf("got reason %s, want small", d.Reason)
	}
}

func TestWhiteBeatsGrayscale(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	d := s.Decide("x.png", desc("", 800, 800, 1.0, 1.0, ph64(t, 1), 100, "d1"), nil)
	if d.Reason != types.ReasonWhite {
		t.Errorf("got reason %s, want white", d.Reason)
	}
}

func TestGrayscaleDrop(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	d := s.Decide("x.png", desc("", 800, 800, 0.95, 0.1, ph64(t, 1), 100, "d1"), nil)
	if d.Reason != types.ReasonGrayscale {
		t.Errorf("got reason %s, want grayscale", d.Reason)
	}
}

func TestFiltersTogglable(t *testing.T) {
	opts := allOn
	opts.RemoveSmall = false
	opts.RemoveGray = false

	s := NewSession(opts, nil, "a.zip")
	d := s.Decide("x.png", desc("", 100, 100, 1.0, 1.0, ph64(t, 1), 100, "d1"), nil)
	if !d.Kept {
		t.Errorf("disabled filters still dropped the image: %s", d.Reason)
	}
}

func TestExactDuplicateWithinArchive(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")

	first := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, 0xAA), 100, "same"), nil)
	second := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, 0xAA), 100, "same"), nil)

	if !first.Kept {
		t.Error("first copy should be kept")
	}
	if second.Kept || second.Reason != types.ReasonDupExact {
		t.Errorf("second copy: %+v, want duplicate_exact", second)
	}
	if second.SimilarTo != "a.zip::001.jpg" {
		t.Errorf("SimilarTo = %q", second.SimilarTo)
	}
}

func TestNearDuplicateKeepsLargerFile(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	base := uint64(0xF0F0F0F0F0F0F0F0)

	// Smaller file first, larger re-encode second (1 bit apart).
	small := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, base), 1000, "da"), nil)
	large := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, base^1), 5000, "db"), nil)

	if !large.Kept {
		t.Fatalf("larger file dropped: %+v", large)
	}
	if small.Kept {
		t.Fatal("smaller file still kept after displacement")
	}
	if small.Reason != types.ReasonDupNear || small.HammingDistance != 1 {
		t.Errorf("displaced decision: %+v", small)
	}
	if small.SimilarTo != "a.zip::002.jpg" {
		t.Errorf("displaced SimilarTo = %q", small.SimilarTo)
	}
}

func TestNearDuplicateDropsSmallerNewcomer(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	base := uint64(0xF0F0F0F0F0F0F0F0)

	first := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, base), 5000, "da"), nil)
	second := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, base^1), 1000, "db"), nil)

	if !first.Kept {
		t.Error("first (larger) file should stay kept")
	}
	if second.Kept || second.Reason != types.ReasonDupNear {
		t.Errorf("second: %+v, want duplicate_near drop", second)
	}
	if second.SimilarTo != "a.zip::001.jpg" || second.HammingDistance != 1 {
		t.Errorf("second: %+v", second)
	}
}

func TestEqualSizeKeepsEarlierPath(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	base := uint64(0x1234)

	first := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, base), 1000, "da"), nil)
	second := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, base^2), 1000, "db"), nil)

	if !first.Kept || second.Kept {
		t.Errorf("equal size should keep the lexicographically smaller path: first=%+v second=%+v", first, second)
	}
}

func TestSelfHammingBoundary(t *testing.T) {
	s := NewSession(allOn, nil, "a.zip")
	base := uint64(0xCAFE)

	s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, base), 1000, "da"), nil)
	// 3 bits apart with self_hamming=2: not a near-duplicate.
	d := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, base^7), 1000, "db"), nil)
	if !d.Kept {
		t.Errorf("image beyond self threshold dropped: %+v", d)
	}
}

func TestCrossArchiveDuplicate(t *testing.T) {
	ix := newFakeIndex()
	ix.entries["other.zip::orig.jpg"] = ph64(t, 0xABCDEF)

	s := NewSession(allOn, ix, "b.zip")
	d := s.Decide("copy.jpg", desc("", 800, 800, 0, 0, ph64(t, 0xABCDEF^0x1F), 1000, "dx"), nil) // 5 bits

	if d.Kept || d.Reason != types.ReasonDupCross {
		t.Fatalf("got %+v, want cross_archive_duplicate", d)
	}
	if d.SimilarTo != "other.zip::orig.jpg" || d.HammingDistance != 5 {
		t.Errorf("decision: %+v", d)
	}
}

func TestCrossIgnoresOwnArchive(t *testing.T) {
	ix := newFakeIndex()
	s := NewSession(allOn, ix, "a.zip")

	// First image is registered under this archive's URI prefix.
	first := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, 0x77), 1000, "da"), nil)
	if !first.Kept {
		t.Fatal("first image dropped")
	}
	if _, ok := ix.entries["a.zip::001.jpg"]; !ok {
		t.Fatal("kept image was not registered in the index")
	}

	// An in-archive near-duplicate must go through the self rule (with its
	// size tie-break), not the cross rule.
	second := s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, 0x77^1), 5000, "db"), nil)
	if !second.Kept {
		t.Fatalf("larger in-archive duplicate should displace, got %+v", second)
	}
	if first.Kept || first.Reason != types.ReasonDupNear {
		t.Errorf("first should be displaced via duplicate_near, got %+v", first)
	}
}

func TestKeptImagesRegistered(t *testing.T) {
	ix := newFakeIndex()
	s := NewSession(allOn, ix, "a.zip")

	s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, 0x1111), 1000, "da"), nil)
	s.Decide("002.jpg", desc("", 800, 800, 0, 0, ph64(t, 0xFFFF0000), 1000, "db"), nil)

	if len(ix.entries) != 2 {
		t.Errorf("index has %d entries, want 2", len(ix.entries))
	}
}

func TestIndexWriteFailureDoesNotChangeDecision(t *testing.T) {
	ix := newFakeIndex()
	ix.failOn = "a.zip::001.jpg"
	s := NewSession(allOn, ix, "a.zip")

	d := s.Decide("001.jpg", desc("", 800, 800, 0, 0, ph64(t, 0x1), 1000, "da"), nil)
	if !d.Kept {
		t.Error("index write failure must not drop the image")
	}
	if s.IndexError() == nil {
		t.Error("index write failure was swallowed")
	}
}
