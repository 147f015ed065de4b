// Package payout sends fiat to merchants over their registered payment rail.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMethod   = errors.New("payout: invalid payment method")
	ErrUnsupportedRail = errors.New("payout: unsupported rail")
	ErrInvalidAmount   = errors.New("payout: amount must be positive")
	ErrRejected        = errors.New("payout: rejected by provider")
	ErrTransient       = errors.New("payout: transient provider failure")
	ErrNotConfigured   = errors.New("payout: gateway not configured")
)

// Request is one fiat transfer. IdempotencyKey must be stable across
// retries of the same logical payout; providers dedupe on it.
type Request struct {
	IdempotencyKey string
	Method         Method
	Amount         decimal.Decimal
	Currency       string
	Reference      string
}

func (r Request) validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidMethod)
	}
	if r.Method == nil {
		return fmt.Errorf("%w: method required", ErrInvalidMethod)
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return r.Method.Validate()
}

// Receipt is the provider's acknowledgement of a payout.
type Receipt struct {
	PayoutRef string    `json:"payoutRef"`
	Rail      Rail      `json:"rail"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	At        time.Time `json:"at"`
}

// Gateway moves fiat to a payout destination.
type Gateway interface {
	Payout(ctx context.Context, req Request) (*Receipt, error)
}

// IsRetryable reports whether a payout error may succeed on a later attempt
// with the same idempotency key.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, ErrTransient)
}

// Router dispatches a request to the gateway registered for its rail.
type Router struct {
	gateways map[Rail]Gateway
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{gateways: make(map[Rail]Gateway)}
}

// Route registers gw for rail, replacing any previous gateway.
func (r *Router) Route(rail Rail, gw Gateway) *Router {
	r.gateways[rail] = gw
	return r
}

// Rails lists the rails that have a gateway.
func (r *Router) Rails() []Rail {
	out := make([]Rail, 0, len(r.gateways))
	for _, rail := range []Rail{RailUPI, RailPIX, RailSEPA, RailStripeConnect} {
		if _, ok := r.gateways[rail]; ok {
			out = append(out, rail)
		}
	}
	return out
}

// Payout implements Gateway.
func (r *Router) Payout(ctx context.Context, req Request) (*Receipt, error) {
	var rail Rail
	switch m := req.Method.(type) {
	case UPI:
		rail = RailUPI
	case PIX:
		rail = RailPIX
	case SEPA:
		rail = RailSEPA
	case StripeConnect:
		rail = RailStripeConnect
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedRail, m)
	}
	gw, ok := r.gateways[rail]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for %s", ErrUnsupportedRail, rail)
	}
	return gw.Payout(ctx, req)
}
