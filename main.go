package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"wbwatchdog/watchdog"
	"wbwatchdog/watchdog/pidlock"
)

var flags struct {
	processGlob      string
	runtimeThreshold time.Duration
	verbose          bool
	debug            bool
	noTimestamps     bool
	lockFile         string
}

var rootCmd = &cobra.Command{
	Use:   "wbwatchdog",
	Short: "watches for stuck writeback kworkers and frees them with a sync",
	Long: `wbwatchdog monitors root-owned kworker threads whose comm matches a glob
pattern and triggers a system-wide sync once the oldest of them has been
running longer than the configured threshold. This works around a kernel
stall where an inode_switch_wbs writeback worker blocks indefinitely
until userspace issues a sync.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.processGlob, "process-glob", "kworker/*inode_switch_wbs*",
		"glob pattern for the kworker comm field")
	f.DurationVar(&flags.runtimeThreshold, "runtime-threshold", 30*time.Second,
		"how long a matching worker may run before a sync is triggered")
	f.BoolVarP(&flags.verbose, "verbose", "v", false,
		"increase output verbosity (info)")
	f.BoolVarP(&flags.debug, "debug", "d", false,
		"maximum output verbosity (debug)")
	f.BoolVar(&flags.noTimestamps, "no-timestamps", false,
		"omit timestamps from log lines")
	f.StringVar(&flags.lockFile, "lock-file",
		filepath.Join(os.TempDir(), "wbwatchdog.lock"),
		"lock file guarding against concurrent instances")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	initLogger()

	pattern, err := glob.Compile(flags.processGlob)
	if err != nil {
		return errors.Wrap(err, "invalid --process-glob pattern")
	}
	if flags.runtimeThreshold <= 0 {
		return errors.New("--runtime-threshold must be positive")
	}

	lock, err := pidlock.Acquire(flags.lockFile)
	if err != nil {
		if errors.Is(err, pidlock.ErrLockedElsewhere) {
			// Non-fatal: another instance is already watching.
			slog.Warn("wbwatchdog is already running", "lock", flags.lockFile)
			return nil
		}
		return errors.Wrap(err, "failed to acquire instance lock")
	}
	defer lock.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor(ctx, watchdog.LiveSystem{}, watchdog.NewWorkerMatcher(pattern), flags.runtimeThreshold)
	return nil
}

// monitor runs decision cycles until the context is canceled. Cycle
// errors are logged and retried after the idle interval; the loop never
// exits on its own.
func monitor(ctx context.Context, sys watchdog.System, isWorker watchdog.Matcher, threshold time.Duration) {
	for {
		delay, err := watchdog.Workaround(sys, isWorker, threshold)
		if err != nil {
			slog.Error("decision cycle failed", "err", err)
			delay = watchdog.IdlePolling
		}

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// sleepCtx sleeps for d and reports false if the context was canceled
// instead.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func initLogger() {
	level := slog.LevelWarn
	switch {
	case flags.debug:
		level = slog.LevelDebug
	case flags.verbose:
		level = slog.LevelInfo
	}

	opts := slog.HandlerOptions{Level: level}
	if flags.noTimestamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &opts)))
}
