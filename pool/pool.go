// Package pool runs per-archive tasks with bounded concurrency and tracks
// progress while the run is going.
package pool

import (
	"fmt"
	"sync"
	"time"

	"arcfilter/logging"
	"arcfilter/signalhandler"
)

// Extraction plus decoding of one archive can hold a few hundred MB at peak,
// so each worker is budgeted half a gigabyte.
const memoryPerWorkerMB = 512

// Inner inspection parallelism only pays off on archives with many entries.
const (
	innerWorkers        = 4
	innerWorkerMinCount = 32
)

// Workers returns the pool size: the configured count capped by the CPU
// heuristic and by the memory budget. Zero configured means "as many as the
// caps allow".
func Workers(configured, memoryBudgetMB int) int {
	w := signalhandler.GetOptimalProcs()
	if configured > 0 && configured < w {
		w = configured
	}
	if memoryBudgetMB > 0 {
		memCap := memoryBudgetMB / memoryPerWorkerMB
		if memCap < 1 {
			memCap = 1
		}
		if memCap < w {
			w = memCap
		}
	}
	if w < 1 {
		w = 1
	}
	return w
}

// InnerWorkers returns the inspection parallelism inside one archive task.
func InnerWorkers(entryCount int) int {
	if entryCount >= innerWorkerMinCount {
		return innerWorkers
	}
	return 1
}

// Result is the outcome of one archive task.
type Result struct {
	Path     string
	Skipped  bool
	Repacked bool
	Err      error
}

// Summary aggregates results across a whole run.
type Summary struct {
	Scheduled int
	Processed int
	Skipped   int
	Repacked  int
	Failed    int
	Stopped   bool
}

// progressTracker prints periodic counters while archives are in flight.
type progressTracker struct {
	mu        sync.Mutex
	processed int
	skipped   int
	repacked  int
	failed    int
	total     int
	ticker    *time.Ticker
	done      chan bool
}

func newProgressTracker(total int) *progressTracker {
	tracker := &progressTracker{
		total:  total,
		ticker: time.NewTicker(500 * time.Millisecond),
		done:   make(chan bool),
	}
	go tracker.displayProgress()
	return tracker
}

func (p *progressTracker) displayProgress() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.mu.Lock()
			if p.failed > 0 {
				fmt.Printf("\rProgress: %d/%d (Repacked: %d, Skipped: %d, Errors: %d)",
					p.processed, p.total, p.repacked, p.skipped, p.failed)
			} else {
				fmt.Printf("\rProgress: %d/%d (Repacked: %d, Skipped: %d)",
					p.processed, p.total, p.repacked, p.skipped)
			}
			p.mu.Unlock()
		}
	}
}

func (p *progressTracker) record(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed++
	switch {
	case r.Err != nil:
		p.failed++
		logging.LogArchiveProcessed(r.Path, false, r.Err.Error())
	case r.Skipped:
		p.skipped++
	default:
		if r.Repacked {
			p.repacked++
		}
		logging.LogArchiveProcessed(r.Path, true, "")
	}
}

func (p *progressTracker) stop() {
	p.ticker.Stop()
	p.done <- true
	fmt.Println()
}

// Pool schedules archive tasks over a fixed number of workers.
type Pool struct {
	workers int
	stop    func() bool
}

// New creates a pool with the given worker count.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, stop: signalhandler.StopRequested}
}

// Run feeds every path through fn with at most p.workers tasks in flight and
// waits for completion. The stop flag is checked before each dispatch, so a
// requested shutdown finishes in-flight archives and schedules no more.
func (p *Pool) Run(paths []string, fn func(path string) Result) Summary {
	var wg sync.WaitGroup
	resultsChan := make(chan Result, 100)
	semaphore := make(chan struct{}, p.workers)

	tracker := newProgressTracker(len(paths))

	summary := Summary{}
	var summaryMu sync.Mutex

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for r := range resultsChan {
			tracker.record(r)

			summaryMu.Lock()
			summary.Processed++
			switch {
			case r.Err != nil:
				summary.Failed++
			case r.Skipped:
				summary.Skipped++
			case r.Repacked:
				summary.Repacked++
			}
			summaryMu.Unlock()
		}
	}()

	for _, path := range paths {
		if p.stop() {
			summaryMu.Lock()
			summary.Stopped = true
			summaryMu.Unlock()
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		summaryMu.Lock()
		summary.Scheduled++
		summaryMu.Unlock()

		go func(p string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			resultsChan <- fn(p)
		}(path)
	}

	wg.Wait()
	close(resultsChan)
	<-collectorDone
	tracker.stop()

	return summary
}
