package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the Runner on a fixed interval. The first pass starts
// immediately so that work left over from a crash is repaired at boot.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer that runs runner every interval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is live. Used by the readiness check.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.runner.RunAll(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		t.logger.Debug("reconciliation skipped, a run is in progress")
	case err != nil:
		t.logger.Warn("reconciliation run failed", "error", err)
	case !rep.Healthy:
		t.logger.Warn("reconciliation found problems",
			"mismatches", rep.LedgerMismatches, "newly_frozen", rep.NewlyFrozen,
			"payments_recovered", rep.PaymentsRecovered, "errors", len(rep.Errors))
	}
}
