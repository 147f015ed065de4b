package payout

import (
	"context"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/idgen"
)

// SimulatedGateway records payouts in memory. Repeated idempotency keys
// return the original receipt.
type SimulatedGateway struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
	failures []error
	calls    int
}

// NewSimulatedGateway returns an empty simulated gateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{receipts: make(map[string]*Receipt)}
}

// FailNext queues errors returned by the next payouts, in order.
func (g *SimulatedGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

// Calls is the number of Payout invocations, including failed ones.
func (g *SimulatedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Paid returns the receipt recorded for key, if any.
func (g *SimulatedGateway) Paid(key string) (*Receipt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.receipts[key]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Payout implements Gateway.
func (g *SimulatedGateway) Payout(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return nil, err
	}
	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	currency := req.Currency
	if currency == "" {
		currency = req.Method.Currency()
	}
	r := &Receipt{
		PayoutRef: "po_" + idgen.Hex(12),
		Rail:      req.Method.Rail(),
		Status:    "paid",
		Amount:    req.Amount.StringFixed(2),
		Currency:  currency,
		At:        time.Now(),
	}
	g.receipts[req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}
