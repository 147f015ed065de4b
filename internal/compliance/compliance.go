// Package compliance decides whether a settlement may pay out.
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
)

var ErrGateUnavailable = errors.New("compliance: gate unavailable")

// Gate is consulted after withdrawal and before payout.
type Gate interface {
	IsClearedToSettle(ctx context.Context, payer, merchantID string) (bool, error)
}

// AmountGate is an optional extension checked with the settlement amount.
type AmountGate interface {
	CheckAmount(ctx context.Context, merchantID string, amount *big.Int) (bool, error)
}

// Decision records one gate evaluation.
type Decision struct {
	Payer      string    `json:"payer"`
	MerchantID string    `json:"merchantId"`
	Cleared    bool      `json:"cleared"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// PolicyGate clears settlements against deny lists and per-merchant
// rolling limits.
type PolicyGate struct {
	mu              sync.RWMutex
	deniedPayers    map[string]bool
	deniedMerchants map[string]bool
	limits          map[string]*big.Int
	decisions       []Decision
	logger          *slog.Logger
	now             func() time.Time
}

// NewPolicyGate creates a gate. Payer addresses compare case-insensitively.
func NewPolicyGate(denyPayers, denyMerchants []string, logger *slog.Logger) *PolicyGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &PolicyGate{
		deniedPayers:    make(map[string]bool),
		deniedMerchants: make(map[string]bool),
		limits:          make(map[string]*big.Int),
		logger:          logger,
		now:             time.Now,
	}
	for _, p := range denyPayers {
		g.deniedPayers[strings.ToLower(p)] = true
	}
	for _, m := range denyMerchants {
		g.deniedMerchants[m] = true
	}
	return g
}

// DenyPayer adds a payer to the deny list.
func (g *PolicyGate) DenyPayer(addr string) {
	g.mu.Lock()
	g.deniedPayers[strings.ToLower(addr)] = true
	g.mu.Unlock()
}

// DenyMerchant adds a merchant to the deny list.
func (g *PolicyGate) DenyMerchant(id string) {
	g.mu.Lock()
	g.deniedMerchants[id] = true
	g.mu.Unlock()
}

// SetLimit caps a single settlement for merchantID. A nil limit removes it.
func (g *PolicyGate) SetLimit(merchantID string, limit *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit == nil {
		delete(g.limits, merchantID)
		return
	}
	g.limits[merchantID] = new(big.Int).Set(limit)
}

// IsClearedToSettle implements Gate.
func (g *PolicyGate) IsClearedToSettle(ctx context.Context, payer, merchantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	reason := ""
	switch {
	case g.deniedPayers[strings.ToLower(payer)]:
		reason = "payer_denied"
	case g.deniedMerchants[merchantID]:
		reason = "merchant_denied"
	}
	g.record(payer, merchantID, reason)
	return reason == "", nil
}

// CheckAmount implements AmountGate.
func (g *PolicyGate) CheckAmount(ctx context.Context, merchantID string, amount *big.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	limit, ok := g.limits[merchantID]
	if !ok || amount.Cmp(limit) <= 0 {
		return true, nil
	}
	g.record("", merchantID, "limit_exceeded")
	return false, nil
}

func (g *PolicyGate) record(payer, merchantID, reason string) {
	d := Decision{Payer: payer, MerchantID: merchantID, Cleared: reason == "", Reason: reason, At: g.now()}
	g.decisions = append(g.decisions, d)
	if !d.Cleared {
		g.logger.Warn("compliance refused settlement", "payer", payer, "merchantId", merchantID, "reason", reason)
	}
}

// Decisions returns a copy of the evaluation history.
func (g *PolicyGate) Decisions() []Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Decision, len(g.decisions))
	copy(out, g.decisions)
	return out
}

// AllowAll clears everything.
type AllowAll struct{}

func (AllowAll) IsClearedToSettle(context.Context, string, string) (bool, error) { return true, nil }
