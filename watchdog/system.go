package watchdog

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"wbwatchdog/watchdog/procevent"
)

// ProcInfo is a point-in-time snapshot of one process, holding just the
// fields the decision loop needs. It is immutable and discarded after a
// single cycle; it is never a live handle.
type ProcInfo struct {
	UID       uint32
	Comm      string
	StartTime time.Time
}

// Matcher reports whether a process should be treated as a monitored
// worker. Implementations must be pure: no side effects, no captured
// mutable state, safe to apply to any number of records.
type Matcher func(ProcInfo) bool

// System is the boundary between the decision loop and the operating
// system. The live implementation talks to procfs and netlink; tests
// substitute a deterministic fake.
type System interface {
	// FindOldestWorker returns the matching process with the earliest
	// start time, or nil if none matches.
	FindOldestWorker(isWorker Matcher) (*ProcInfo, error)

	// Now returns the current wall-clock time.
	Now() time.Time

	// WaitForWorker blocks until a newly forked or exec'd process
	// matches, or until timeout elapses. A timeout is not an error: it
	// is the safety net against dropped kernel events, and the caller
	// re-scans either way.
	WaitForWorker(isWorker Matcher, timeout time.Duration) error

	// Sync flushes all pending filesystem writes system-wide.
	Sync()
}

// LiveSystem implements System against the running kernel. Seeing other
// users' processes and binding the event connector both require
// privilege; run as root.
type LiveSystem struct{}

var _ System = LiveSystem{}

// FindOldestWorker scans the process table. Processes whose metadata
// cannot be read are skipped: listings are inherently racy, and a
// process exiting mid-scan is not an error. Only the enumeration itself
// failing is.
func (LiveSystem) FindOldestWorker(isWorker Matcher) (*ProcInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processes")
	}

	infos := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		info, err := snapshot(p)
		if err != nil {
			continue
		}

		infos = append(infos, *info)
	}

	return oldestMatch(infos, isWorker), nil
}

// Now implements System.
func (LiveSystem) Now() time.Time { return time.Now() }

// WaitForWorker parks on the kernel's process event connector until a
// fork or exec produces a matching process or the timeout elapses. The
// subscription lives only for the duration of the call.
func (LiveSystem) WaitForWorker(isWorker Matcher, timeout time.Duration) error {
	l, err := procevent.Listen()
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to process events")
	}
	defer l.Close()

	deadline := time.Now().Add(timeout)

	for {
		ev, err := l.Next(deadline)
		if errors.Is(err, procevent.ErrDeadline) {
			slog.Debug("event wait timed out, forcing a full process scan", "timeout", timeout)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to receive process event")
		}

		p, err := process.NewProcess(ev.PID)
		if err != nil {
			// Already gone; keep waiting.
			continue
		}

		info, err := snapshot(p)
		if err != nil {
			continue
		}

		if isWorker(*info) {
			slog.Debug("detected matching worker", "pid", ev.PID, "comm", info.Comm)
			return nil
		}
	}
}

// Sync implements System. sync(2) reports no errors, and none would be
// actionable by this tool anyway.
func (LiveSystem) Sync() { unix.Sync() }

// oldestMatch returns the matching record with the earliest start time.
// Ties keep the record seen first; the decision depends only on elapsed
// age, so either choice is correct.
func oldestMatch(infos []ProcInfo, isWorker Matcher) *ProcInfo {
	var oldest *ProcInfo

	for i := range infos {
		if !isWorker(infos[i]) {
			continue
		}
		if oldest == nil || infos[i].StartTime.Before(oldest.StartTime) {
			oldest = &infos[i]
		}
	}

	return oldest
}

// snapshot reads the fields of p that the matcher needs.
func snapshot(p *process.Process) (*ProcInfo, error) {
	comm, err := p.Name()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read process name")
	}

	uids, err := p.Uids()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read process uids")
	}
	if len(uids) == 0 {
		return nil, errors.New("process has no uids")
	}

	created, err := p.CreateTime()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read process start time")
	}

	return &ProcInfo{
		UID:       uint32(uids[0]),
		Comm:      comm,
		StartTime: time.UnixMilli(created),
	}, nil
}
