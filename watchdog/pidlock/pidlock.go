// Package pidlock guards against concurrent wbwatchdog instances with a
// flock'd pid file, so that two daemons never double-fire syncs at the
// same stall.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLockedElsewhere is returned by Acquire when another process holds
// the lock.
var ErrLockedElsewhere = errors.New("lock file held by another instance")

// Lock is a held instance lock. It must be closed by the caller or by
// the operating system when the process exits.
type Lock struct {
	f *os.File
	l *flock.Flock
}

// Acquire takes a non-blocking flock on path and records the holder's
// pid in it. It returns ErrLockedElsewhere if the lock is already held.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}

	l := flock.New(path)

	locked, err := l.TryLock()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to acquire lock")
	}
	if !locked {
		f.Close()
		return nil, ErrLockedElsewhere
	}

	// The recorded pid is informational; the flock is the actual guard.
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &Lock{f: f, l: l}, nil
}

// Close releases the lock. The pid file itself is left in place; a
// stale file nobody holds a flock on is harmless.
func (l *Lock) Close() error {
	l.f.Close()
	return l.l.Unlock()
}
