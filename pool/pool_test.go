package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkersCaps(t *testing.T) {
	// The CPU heuristic is host-dependent; only the relative caps are testable.
	if got := Workers(1, 0); got != 1 {
		t.Errorf("Workers(1, 0) = %d, want 1", got)
	}
	if got := Workers(8, 512); got != 1 {
		t.Errorf("Workers(8, 512MB) = %d, want 1 (memory cap)", got)
	}
	if got := Workers(8, 100); got != 1 {
		t.Errorf("Workers(8, 100MB) = %d, want 1 (memory floor)", got)
	}
	if got := Workers(0, 0); got < 1 {
		t.Errorf("Workers(0, 0) = %d, want >= 1", got)
	}
	if got := Workers(2, 4096); got > 2 {
		t.Errorf("Workers(2, 4096MB) = %d, want <= 2", got)
	}
}

func TestInnerWorkers(t *testing.T) {
	if got := InnerWorkers(5); got != 1 {
		t.Errorf("InnerWorkers(5) = %d, want 1", got)
	}
	if got := InnerWorkers(32); got != 4 {
		t.Errorf("InnerWorkers(32) = %d, want 4", got)
	}
}

func TestRunProcessesAll(t *testing.T) {
	paths := []string{"a.zip", "b.zip", "c.zip", "d.zip"}

	var mu sync.Mutex
	seen := map[string]bool{}

	p := New(2)
	summary := p.Run(paths, func(path string) Result {
		mu.Lock()
		seen[path] = true
		mu.Unlock()
		return Result{Path: path, Repacked: path == "b.zip"}
	})

	if summary.Processed != 4 || summary.Scheduled != 4 {
		t.Errorf("summary = %+v, want 4 scheduled and processed", summary)
	}
	if summary.Repacked != 1 {
		t.Errorf("repacked = %d, want 1", summary.Repacked)
	}
	for _, path := range paths {
		if !seen[path] {
			t.Errorf("path %s never dispatched", path)
		}
	}
}

func TestRunCountsFailuresAndSkips(t *testing.T) {
	paths := []string{"ok.zip", "skip.zip", "bad.zip"}

	p := New(1)
	summary := p.Run(paths, func(path string) Result {
		switch path {
		case "skip.zip":
			return Result{Path: path, Skipped: true}
		case "bad.zip":
			return Result{Path: path, Err: errors.New("boom")}
		}
		return Result{Path: path}
	})

	if summary.Failed != 1 || summary.Skipped != 1 || summary.Processed != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunStopSchedulesNothingFurther(t *testing.T) {
	paths := []string{"a.zip", "b.zip", "c.zip"}

	// The flag flips after the first dispatch check.
	var checks int32
	p := New(1)
	p.stop = func() bool { return atomic.AddInt32(&checks, 1) > 1 }

	summary := p.Run(paths, func(path string) Result {
		return Result{Path: path}
	})

	if !summary.Stopped {
		t.Error("summary.Stopped not set after a stop request")
	}
	if summary.Scheduled != 1 || summary.Processed != 1 {
		t.Errorf("summary = %+v, want exactly the in-flight archive finished", summary)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32

	paths := make([]string, 20)
	for i := range paths {
		paths[i] = "x"
	}

	p := New(3)
	p.Run(paths, func(string) Result {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return Result{}
	})

	if got := atomic.LoadInt32(&peak); got > 3 {
		t.Errorf("peak concurrency %d exceeds pool size 3", got)
	}
}
