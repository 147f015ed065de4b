package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chainsettle/chainsettle/internal/chain"
)

// Timer periodically expires lapsed escrows and refunds disputes the
// arbiter never resolved.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow expiry timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}, 1),
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
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns how many escrows were expired and how
// many lapsed disputes were refunded.
func (t *Timer) Sweep(ctx context.Context) (expired, lapsed int) {
	now := t.service.now()

	due, err := t.store.ListExpired(ctx, now, t.batch)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
	}
	for _, rec := range due {
		if _, err := t.service.Expire(ctx, rec.Chain, rec.ID, string(chain.RoleSystem)); err != nil {
			t.logger.Warn("failed to expire escrow", "escrowId", rec.ID, "chain", rec.Chain, "error", err)
			continue
		}
		expired++
		t.logger.Info("expired escrow", "escrowId", rec.ID, "chain", rec.Chain, "payer", rec.PayerAddr, "amount", rec.Amount)
	}

	disputes, err := t.store.ListDisputeLapsed(ctx, now, t.batch)
	if err != nil {
		t.logger.Warn("failed to list lapsed disputes", "error", err)
		return expired, lapsed
	}
	for _, rec := range disputes {
		if _, err := t.service.ResolveLapsedDispute(ctx, rec.Chain, rec.ID); err != nil {
			t.logger.Warn("failed to resolve lapsed dispute", "escrowId", rec.ID, "chain", rec.Chain, "error", err)
			continue
		}
		lapsed++
		t.logger.Info("refunded lapsed dispute", "escrowId", rec.ID, "chain", rec.Chain, "payer", rec.PayerAddr)
	}
	return expired, lapsed
}
