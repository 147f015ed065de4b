package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the timer polls for settlements whose
// dispute period has ended.
const DefaultSweepInterval = 5 * time.Minute

// Timer periodically runs ProcessReadySettlements.
type Timer struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a new settlement sweep timer.
func NewTimer(coordinator *Coordinator, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass.
func (t *Timer) Sweep(ctx context.Context) *SweepResult {
	res, err := t.coordinator.ProcessReadySettlements(ctx)
	if err != nil {
		t.logger.Warn("settlement sweep failed", "error", err)
	}
	if res == nil {
		return &SweepResult{}
	}
	if res.Promoted > 0 || res.Executed > 0 {
		t.logger.Info("settlement sweep",
			"promoted", res.Promoted, "executed", res.Executed,
			"succeeded", res.Succeeded, "failed", res.Failed)
	}
	return res
}
