// Package pipeline drives the whole run: enumerate archives, schedule them on
// the worker pool, and for each archive extract, inspect, plan, repack and
// commit. Individual archive failures are recorded and never abort the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"arcfilter/archive"
	"arcfilter/filter"
	"arcfilter/hashindex"
	"arcfilter/inspector"
	"arcfilter/journal"
	"arcfilter/logging"
	"arcfilter/planner"
	"arcfilter/pool"
	"arcfilter/signalhandler"
	"arcfilter/types"
	"arcfilter/utils"
)

// Options is the orchestrator's input contract.
type Options struct {
	Inputs       []string
	ExcludePaths []string
	Filter       filter.Options
	Planner      planner.Options
	BakMode      archive.BakMode
	MaxBackups   int
	Force        bool
	DryRun       bool
	ToolVersion  string
	ParamsDigest string
}

// Pipeline holds the shared collaborators for one run. The hash index and
// the journal may each be nil, which disables cross-archive deduplication and
// resume respectively.
type Pipeline struct {
	opts    Options
	gateway *archive.Gateway
	insp    *inspector.Inspector
	index   filter.NeighborIndex
	journal *journal.Journal

	// stopRequested is read between archives and between entries.
	stopRequested func() bool

	mu    sync.Mutex
	stats *types.Stats
}

// New assembles a pipeline.
func New(opts Options, gateway *archive.Gateway, insp *inspector.Inspector, index filter.NeighborIndex, jrnl *journal.Journal) *Pipeline {
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 100
	}
	return &Pipeline{
		opts:          opts,
		gateway:       gateway,
		insp:          insp,
		index:         index,
		journal:       jrnl,
		stopRequested: signalhandler.StopRequested,
		stats:         types.NewStats(),
	}
}

// WrapIndex adapts the hash index to the filter engine's interface. A nil
// index yields a nil interface, which disables cross-archive deduplication.
func WrapIndex(ix *hashindex.Index) filter.NeighborIndex {
	if ix == nil {
		return nil
	}
	return indexAdapter{ix: ix}
}

// indexAdapter exposes the hash index through the filter engine's interface.
type indexAdapter struct {
	ix *hashindex.Index
}

func (a indexAdapter) Nearest(ph types.PHash, r int) (string, int, bool) {
	e, dist, ok := a.ix.Query(ph, r)
	if !ok {
		return "", 0, false
	}
	return e.URI, dist, true
}

func (a indexAdapter) Register(uri string, ph types.PHash, seenAt time.Time) error {
	return a.ix.InsertOrUpdate(uri, ph, seenAt)
}

// EnumerateArchives collects archive files from the input paths. Directories
// are walked recursively; paths containing any exclusion substring are
// skipped. The result is sorted and deduplicated.
func EnumerateArchives(inputs, excludes []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	add := func(p string) {
		for _, ex := range excludes {
			if ex != "" && strings.Contains(p, ex) {
				return
			}
		}
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("cannot access input %s: %v", input, err)
		}

		if !info.IsDir() {
			if utils.IsArchiveFile(input) {
				add(input)
			}
			continue
		}

		err = filepath.Walk(input, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				logging.LogWarning("Cannot access %s: %v", p, err)
				return nil
			}
			if !fi.IsDir() && utils.IsArchiveFile(p) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cannot walk input %s: %v", input, err)
		}
	}

	sort.Strings(paths)
	return paths, nil
}

// Run processes every enumerated archive and returns the aggregate outcome.
func (p *Pipeline) Run(ctx context.Context, workers int) (*types.Stats, pool.Summary, error) {
	paths, err := EnumerateArchives(p.opts.Inputs, p.opts.ExcludePaths)
	if err != nil {
		return p.stats, pool.Summary{}, err
	}

	p.mu.Lock()
	p.stats.ArchivesSeen = len(paths)
	p.mu.Unlock()

	if len(paths) == 0 {
		return p.stats, pool.Summary{}, nil
	}

	summary := pool.New(workers).Run(paths, func(path string) pool.Result {
		return p.processArchive(ctx, path)
	})

	return p.stats, summary, nil
}

// processArchive runs the full per-archive flow. Every failure path cleans up
// its temp directory and any half-written archive; the original file is only
// ever touched by the atomic replace.
func (p *Pipeline) processArchive(ctx context.Context, path string) pool.Result {
	info, err := os.Stat(path)
	if err != nil {
		return p.fail(path, fmt.Errorf("cannot stat archive: %v", err))
	}
	identity := types.ArchiveIdentity{Path: path, SizeAtPlan: info.Size(), MTimeAtPlan: info.ModTime()}

	if p.journal != nil && !p.opts.Force {
		seen, err := p.journal.Seen(identity)
		if err != nil {
			return p.fail(path, err)
		}
		if seen {
			p.mu.Lock()
			p.stats.ArchivesSkipped++
			p.mu.Unlock()
			return pool.Result{Path: path, Skipped: true}
		}
	}

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("arcfilter-%s-", sanitizeBase(path)))
	if err != nil {
		return p.fail(path, fmt.Errorf("cannot create temp dir: %v", err))
	}
	defer os.RemoveAll(tempDir)

	extracted, err := p.gateway.ExtractAll(ctx, path, tempDir)
	if err != nil {
		return p.fail(path, fmt.Errorf("cannot extract: %v", err))
	}

	// A prior run's processed.log is carried forward, never filtered.
	priorLog, entries := splitProcessedLog(extracted)

	inputs, interrupted, err := p.inspectEntries(path, entries)
	if err != nil {
		return p.fail(path, err)
	}
	if interrupted {
		p.mu.Lock()
		p.stats.ArchivesSkipped++
		p.mu.Unlock()
		return pool.Result{Path: path, Skipped: true}
	}

	session := filter.NewSession(p.opts.Filter, p.index, path)
	plan := planner.BuildPlan(identity, inputs, session, p.opts.Planner)

	if err := session.IndexError(); err != nil {
		logging.LogWarning("Hash index write failed for %s: %v", path, err)
		p.mu.Lock()
		p.stats.IndexWriteFailures++
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.stats.Merge(plan)
	p.mu.Unlock()

	if !plan.RepackRequired {
		p.markProcessed(identity)
		p.mu.Lock()
		p.stats.ArchivesProcessed++
		p.mu.Unlock()
		return pool.Result{Path: path}
	}

	if p.opts.DryRun || plan.DryRunOnly {
		if plan.DryRunOnly {
			logging.LogWarning("Suspicious drop ratio for %s, planned %d drops not committed",
				path, plan.DroppedCount())
		}
		p.mu.Lock()
		p.stats.ArchivesProcessed++
		p.mu.Unlock()
		return pool.Result{Path: path}
	}

	bakPath, err := p.commit(identity, plan, entries, priorLog, tempDir)
	if err != nil {
		if errors.Is(err, archive.ErrChangedUnderfoot) {
			logging.LogWarning("Archive %s changed underfoot, skipped", path)
			p.mu.Lock()
			p.stats.ArchivesSkipped++
			p.mu.Unlock()
			return pool.Result{Path: path, Skipped: true}
		}
		return p.fail(path, err)
	}

	// The plan-time identity was renamed away to the backup; journal the
	// installed archive's identity so a rerun skips it.
	if info, err := os.Stat(path); err == nil {
		p.markProcessed(types.ArchiveIdentity{
			Path:        path,
			SizeAtPlan:  info.Size(),
			MTimeAtPlan: info.ModTime(),
		})
	} else {
		logging.LogWarning("Cannot stat repacked archive %s for the journal: %v", path, err)
	}

	p.mu.Lock()
	p.stats.ArchivesProcessed++
	p.stats.ArchivesRepacked++
	if p.opts.BakMode == archive.BakKeep {
		p.stats.Backups = append(p.stats.Backups, bakPath)
	}
	p.mu.Unlock()

	return pool.Result{Path: path, Repacked: true}
}

// inspectEntries turns extracted entries into planner inputs. Inspection runs
// on a small inner pool when the archive is large; the stop flag is honored
// between entries. A filesystem error on an extracted file is returned and
// fails the whole archive, it never masquerades as an unreadable image.
func (p *Pipeline) inspectEntries(archivePath string, entries []archive.ExtractedEntry) ([]planner.EntryInput, bool, error) {
	inputs := make([]planner.EntryInput, len(entries))
	inner := pool.InnerWorkers(len(entries))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, inner)
	stopped := false

	var mu sync.Mutex
	var readErr error

	for i := range entries {
		if p.stopRequested() {
			stopped = true
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			in, err := p.inspectOne(archivePath, entries[i])
			if err != nil {
				mu.Lock()
				if readErr == nil {
					readErr = err
				}
				mu.Unlock()
				return
			}
			inputs[i] = in
		}(i)
	}
	wg.Wait()

	if readErr != nil {
		return nil, false, readErr
	}
	if stopped {
		return nil, true, nil
	}
	return inputs, false, nil
}

// inspectOne classifies one entry. Decode failures become unreadable; unknown
// magic behind a non-image extension is a non-image. The error return is for
// filesystem trouble reading the extracted file, which is the run's fault,
// not the image's.
func (p *Pipeline) inspectOne(archivePath string, e archive.ExtractedEntry) (planner.EntryInput, error) {
	in := planner.EntryInput{EntryPath: e.Path}

	data, err := os.ReadFile(e.TempPath)
	if err != nil {
		return in, fmt.Errorf("cannot read extracted entry %s: %v", e.Path, err)
	}

	uri := types.MakeURI(archivePath, e.Path)
	desc, err := p.insp.Inspect(uri, data)
	switch {
	case err == nil:
		in.Desc = desc
	case errors.Is(err, inspector.ErrUnsupportedCodec):
		in.Unsupported = true
	case errors.Is(err, inspector.ErrNotImage):
		if inspector.IsImageExtension(e.Path) {
			// Image extension over unrecognizable bytes: corrupt, not foreign.
			in.InspectErr = err
		} else {
			in.NonImage = true
		}
	default:
		in.InspectErr = err
	}
	return in, nil
}

// commit writes the new archive next to the original and atomically swaps it
// in. Returns the backup path on success.
func (p *Pipeline) commit(identity types.ArchiveIdentity, plan *types.ArchivePlan, entries []archive.ExtractedEntry, priorLog []byte, tempDir string) (string, error) {
	byPath := make(map[string]string, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e.TempPath
	}

	var files []archive.FileToAdd
	for _, pe := range plan.Entries {
		if !pe.Decision.Kept {
			continue
		}
		src, ok := byPath[pe.EntryPath]
		if !ok {
			return "", fmt.Errorf("planned entry %s missing from extraction", pe.EntryPath)
		}
		files = append(files, archive.FileToAdd{Name: pe.EntryPath, SourcePath: src})
	}

	logText := append(append([]byte{}, priorLog...),
		journal.Record(plan, p.opts.ToolVersion, p.opts.ParamsDigest, time.Now())...)

	newPath := filepath.Join(tempDir, "repacked.zip")
	if err := p.gateway.Create(newPath, files, logText); err != nil {
		return "", fmt.Errorf("cannot write new archive: %v", err)
	}

	// The temp dir may be on another filesystem; stage next to the original
	// so the final rename is atomic.
	stagedPath := identity.Path + ".arcfilter-new"
	if err := copyFile(newPath, stagedPath); err != nil {
		return "", fmt.Errorf("cannot stage new archive: %v", err)
	}

	bakPath, err := archive.NextBackupPath(identity.Path, p.opts.MaxBackups)
	if err != nil {
		os.Remove(stagedPath)
		return "", err
	}

	if err := archive.AtomicReplace(identity, stagedPath, bakPath); err != nil {
		os.Remove(stagedPath)
		return "", err
	}

	if err := archive.DisposeBackup(bakPath, p.opts.BakMode); err != nil {
		logging.LogWarning("Cannot dispose backup %s: %v", bakPath, err)
	}

	return bakPath, nil
}

// fail records a per-archive failure into the aggregate.
func (p *Pipeline) fail(path string, err error) pool.Result {
	p.mu.Lock()
	p.stats.ArchivesFailed++
	p.stats.Failures = append(p.stats.Failures, types.ArchiveFailure{Path: path, Cause: err.Error()})
	p.mu.Unlock()
	return pool.Result{Path: path, Err: err}
}

func (p *Pipeline) markProcessed(identity types.ArchiveIdentity) {
	if p.journal == nil || p.opts.DryRun {
		return
	}
	if err := p.journal.MarkProcessed(identity, time.Now()); err != nil {
		logging.LogWarning("Cannot journal %s: %v", identity.Path, err)
	}
}

// splitProcessedLog separates a prior processed.log entry from the rest.
func splitProcessedLog(extracted []archive.ExtractedEntry) ([]byte, []archive.ExtractedEntry) {
	var prior []byte
	entries := extracted[:0:0]
	for _, e := range extracted {
		if e.Path == archive.ProcessedLogName {
			if data, err := os.ReadFile(e.TempPath); err == nil {
				prior = data
			}
			continue
		}
		entries = append(entries, e)
	}
	return prior, entries
}

// Report renders the final aggregate summary.
func Report(stats *types.Stats, summary pool.Summary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Archives: %d seen, %d processed, %d repacked, %d skipped, %d failed\n",
		stats.ArchivesSeen, stats.ArchivesProcessed, stats.ArchivesRepacked,
		stats.ArchivesSkipped, stats.ArchivesFailed)
	fmt.Fprintf(&sb, "Entries examined: %d\n", stats.EntriesSeen)
	if stats.IndexWriteFailures > 0 {
		fmt.Fprintf(&sb, "Hash index write failures: %d\n", stats.IndexWriteFailures)
	}

	if len(stats.Dropped) > 0 {
		reasons := make([]string, 0, len(stats.Dropped))
		for r := range stats.Dropped {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		sb.WriteString("Dropped:\n")
		for _, r := range reasons {
			fmt.Fprintf(&sb, "  %s: %d\n", r, stats.Dropped[types.Reason(r)])
		}
	}

	if len(stats.Backups) > 0 {
		sb.WriteString("Backups:\n")
		for _, b := range stats.Backups {
			fmt.Fprintf(&sb, "  %s\n", b)
		}
	}

	if len(stats.Failures) > 0 {
		sb.WriteString("Failures:\n")
		for _, f := range stats.Failures {
			fmt.Fprintf(&sb, "  %s: %s\n", f.Path, f.Cause)
		}
	}

	if summary.Stopped {
		sb.WriteString("Run interrupted; remaining archives were not scheduled.\n")
	}

	return sb.String()
}

// copyFile writes src's bytes to dst and syncs.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sanitizeBase derives a temp-dir-safe token from the archive filename.
func sanitizeBase(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var sb strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s := sb.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}
