package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/circuitbreaker"
	"github.com/chainsettle/chainsettle/internal/metrics"
)

// DefaultCallTimeout bounds a single adapter call.
const DefaultCallTimeout = 30 * time.Second

// Registry maps chain names to adapters. Adapters returned by Get are
// guarded: every call runs under a timeout and through the chain's breaker.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Registry {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		breaker:  breaker,
		timeout:  timeout,
		logger:   logger,
	}
}

// Register adds or replaces the adapter for a.Chain().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Chain()] = a
	r.mu.Unlock()
}

// Get returns the guarded adapter for chain.
func (r *Registry) Get(chain string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[chain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return &guarded{inner: a, reg: r}, nil
}

// Raw returns the unguarded adapter, for health checks.
func (r *Registry) Raw(chain string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chain]
	return a, ok
}

// Chains lists registered chain names in sorted order.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// BreakerStates exposes per-chain breaker state for the admin API.
func (r *Registry) BreakerStates() []circuitbreaker.KeyState {
	return r.breaker.Snapshot()
}

// call runs fn for chain/op under the registry's timeout and breaker.
func (r *Registry) call(ctx context.Context, chain, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.breaker.Execute(chain, func(err error) bool {
		return !IsBusinessError(err) && !errors.Is(err, context.Canceled)
	}, func() error {
		return fn(cctx)
	})
	metrics.ObserveChainCall(chain, op, start, err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return &OpError{Chain: chain, Op: op, Err: fmt.Errorf("%w: circuit open", ErrChainUnavailable)}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Warn("chain call timed out", "chain", chain, "op", op, "timeout", r.timeout)
		return &OpError{Chain: chain, Op: op, Err: fmt.Errorf("%w: %w", ErrChainUnavailable, ErrTimeout)}
	case IsBusinessError(err), errors.Is(err, ErrChainUnavailable), ctx.Err() != nil:
		return &OpError{Chain: chain, Op: op, Err: err}
	default:
		return &OpError{Chain: chain, Op: op, Err: fmt.Errorf("%w: %w", ErrChainUnavailable, err)}
	}
}

// guarded decorates an adapter with the registry's call policy.
type guarded struct {
	inner Adapter
	reg   *Registry
}

func (g *guarded) Chain() string { return g.inner.Chain() }

func (g *guarded) Deposit(ctx context.Context, p DepositParams) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpDeposit, func(ctx context.Context) error {
		ref, err = g.inner.Deposit(ctx, p)
		return err
	})
	return ref, err
}

func (g *guarded) Confirm(ctx context.Context, escrowID string, role Role) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpConfirm, func(ctx context.Context) error {
		ref, err = g.inner.Confirm(ctx, escrowID, role)
		return err
	})
	return ref, err
}

func (g *guarded) Dispute(ctx context.Context, escrowID string) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpDispute, func(ctx context.Context) error {
		ref, err = g.inner.Dispute(ctx, escrowID)
		return err
	})
	return ref, err
}

func (g *guarded) Release(ctx context.Context, p ReleaseParams) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpRelease, func(ctx context.Context) error {
		ref, err = g.inner.Release(ctx, p)
		return err
	})
	return ref, err
}

func (g *guarded) Refund(ctx context.Context, escrowID, to string) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpRefund, func(ctx context.Context) error {
		ref, err = g.inner.Refund(ctx, escrowID, to)
		return err
	})
	return ref, err
}

func (g *guarded) Withdraw(ctx context.Context, p WithdrawParams) (ref TxRef, err error) {
	err = g.reg.call(ctx, g.Chain(), OpWithdraw, func(ctx context.Context) error {
		ref, err = g.inner.Withdraw(ctx, p)
		return err
	})
	return ref, err
}

func (g *guarded) GetState(ctx context.Context, escrowID string) (st *EscrowState, err error) {
	err = g.reg.call(ctx, g.Chain(), OpGetState, func(ctx context.Context) error {
		st, err = g.inner.GetState(ctx, escrowID)
		return err
	})
	return st, err
}

func (g *guarded) BalanceOf(ctx context.Context, owner string) (bal *big.Int, err error) {
	err = g.reg.call(ctx, g.Chain(), OpBalance, func(ctx context.Context) error {
		bal, err = g.inner.BalanceOf(ctx, owner)
		return err
	})
	return bal, err
}

func (g *guarded) WaitForConfirmation(ctx context.Context, ref TxRef, confirmations uint64) (rc *Receipt, err error) {
	err = g.reg.call(ctx, g.Chain(), OpWait, func(ctx context.Context) error {
		rc, err = g.inner.WaitForConfirmation(ctx, ref, confirmations)
		return err
	})
	return rc, err
}

func (g *guarded) EstimateDepositGas(ctx context.Context) (q GasQuote, err error) {
	err = g.reg.call(ctx, g.Chain(), OpGas, func(ctx context.Context) error {
		q, err = g.inner.EstimateDepositGas(ctx)
		return err
	})
	return q, err
}
