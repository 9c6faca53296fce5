package signalhandler

import (
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
)

var stopRequested atomic.Bool

// SetupHandler installs SIGINT/SIGTERM handling. The first signal requests a
// cooperative stop so in-flight archives finish their atomic commit; a second
// signal exits immediately.
func SetupHandler() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		stopRequested.Store(true)
		<-sigChan
		os.Exit(1)
	}()
}

// StopRequested reports whether a shutdown signal has been received. Workers
// check it between archives and between entries.
func StopRequested() bool {
	return stopRequested.Load()
}

// GetOptimalProcs returns the optimal number of worker goroutines for the system
func GetOptimalProcs() int {
	numCPU := runtime.NumCPU()

	// Extraction and decoding are memory-heavy; leave headroom for the OS.
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}

	return maxProcs
}
