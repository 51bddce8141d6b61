package main

import (
	"context"
	"testing"
	"time"

	"wbwatchdog/watchdog"
)

// stubSystem is an idle machine: no workers, waits return immediately.
type stubSystem struct {
	waitCalls int
}

func (s *stubSystem) FindOldestWorker(watchdog.Matcher) (*watchdog.ProcInfo, error) {
	return nil, nil
}

func (s *stubSystem) Now() time.Time { return time.Now() }

func (s *stubSystem) WaitForWorker(watchdog.Matcher, time.Duration) error {
	s.waitCalls++
	return nil
}

func (s *stubSystem) Sync() {}

func TestMonitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sys := &stubSystem{}
	none := func(watchdog.ProcInfo) bool { return false }

	done := make(chan struct{})
	go func() {
		monitor(ctx, sys, none, 30*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}

	if sys.waitCalls != 1 {
		t.Errorf("expected exactly one wait before stopping, got %d", sys.waitCalls)
	}
}

func TestSleepCtx(t *testing.T) {
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if sleepCtx(ctx, time.Hour) {
			t.Error("expected the sleep to abort on a canceled context")
		}
	})

	t.Run("elapsed", func(t *testing.T) {
		if !sleepCtx(context.Background(), 0) {
			t.Error("expected a zero-duration sleep to complete")
		}
	})
}
