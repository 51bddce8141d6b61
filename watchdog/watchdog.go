// Package watchdog implements the decision loop that detects stuck
// writeback kworker threads and nudges the kernel loose with a
// system-wide sync.
//
// Mechanism of Operation
//
// Each cycle takes a fresh snapshot of the process table and looks for
// the oldest live process matching the configured predicate. A match
// older than the runtime threshold means the writeback worker is most
// likely wedged on the inode_switch_wbs stall, and a sync is issued to
// free it. When nothing matches, the cycle parks on the kernel's process
// event connector so that a new worker is noticed without busy polling;
// the kernel drops those events under load, so the wait is bounded and a
// full authoritative re-scan follows unconditionally.
//
// Nothing is carried between cycles: no process identity tracking, no
// counters, no persisted state. Every decision is a function of the
// current snapshot and the wall clock.
package watchdog

import (
	"log/slog"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// Timing constants governing the loop. They are read-only for the life
// of the process.
const (
	// BusyPolling is the polling interval while a matching worker is
	// running but not yet considered stuck.
	BusyPolling = 1 * time.Second
	// IdlePolling is the back-off the caller applies after a cycle
	// fails.
	IdlePolling = 60 * time.Second
	// MaxMonitorDuration bounds the event wait. The connector may drop
	// events on a busy system, so a full process rescan happens at
	// least this often.
	MaxMonitorDuration = 60 * time.Second
	// ExpectedRecoveryTime is how long to wait after a sync before
	// checking again.
	ExpectedRecoveryTime = 30 * time.Second
)

// NewWorkerMatcher returns a Matcher selecting root-owned processes
// whose comm matches pattern.
func NewWorkerMatcher(pattern glob.Glob) Matcher {
	return func(p ProcInfo) bool {
		return p.UID == 0 && pattern.Match(p.Comm)
	}
}

// Workaround runs a single decision cycle against sys and returns how
// long the caller should sleep before the next one.
//
// If no worker matches, it blocks until a matching process appears or
// MaxMonitorDuration elapses, then requests an immediate re-scan by
// returning a zero delay: an event is only a hint, so the next cycle
// must re-read the process table either way. Errors are returned
// unretried; back-off policy belongs to the caller.
func Workaround(sys System, isWorker Matcher, threshold time.Duration) (time.Duration, error) {
	oldest, err := sys.FindOldestWorker(isWorker)
	if err != nil {
		return 0, errors.Wrap(err, "failed to find oldest worker")
	}

	if oldest == nil {
		slog.Info("no matching worker found, waiting for process events")

		if err := sys.WaitForWorker(isWorker, MaxMonitorDuration); err != nil {
			return 0, errors.Wrap(err, "failed to wait for worker")
		}
		return 0, nil
	}

	age := sys.Now().Sub(oldest.StartTime)
	slog.Debug("oldest worker age", "comm", oldest.Comm, "age", age)

	if age > threshold {
		slog.Warn("sync triggered: oldest worker exceeded runtime threshold",
			"comm", oldest.Comm, "age", age, "threshold", threshold)

		sys.Sync()
		return ExpectedRecoveryTime, nil
	}

	return BusyPolling, nil
}
