package payout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// transferCreator is the slice of the Stripe API the gateway uses.
type transferCreator interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeGateway pays StripeConnect destinations with Connect transfers.
type StripeGateway struct {
	transfers transferCreator
	now       func() time.Time
}

// NewStripeGateway creates a gateway authenticated with secretKey.
func NewStripeGateway(secretKey string) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, ErrNotConfigured
	}
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeGateway{transfers: sc.Transfers, now: time.Now}, nil
}

func newStripeGatewayWith(t transferCreator) *StripeGateway {
	return &StripeGateway{transfers: t, now: time.Now}
}

// Payout implements Gateway.
func (g *StripeGateway) Payout(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	dest, ok := req.Method.(StripeConnect)
	if !ok {
		return nil, fmt.Errorf("%w: stripe gateway cannot pay %s", ErrUnsupportedRail, req.Method.Rail())
	}
	currency := req.Currency
	if currency == "" {
		currency = dest.Currency()
	}

	// Stripe amounts are in minor units.
	minor := req.Amount.Shift(2).Round(0).IntPart()
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(currency)),
		Destination:   stripe.String(dest.AccountID),
		TransferGroup: stripe.String(req.Reference),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("settlement_id", req.Reference)

	tr, err := g.transfers.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Receipt{
		PayoutRef: tr.ID,
		Rail:      RailStripeConnect,
		Status:    "paid",
		Amount:    req.Amount.StringFixed(2),
		Currency:  strings.ToUpper(currency),
		At:        g.now(),
	}, nil
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: stripe %d: %s", ErrTransient, se.HTTPStatusCode, se.Msg)
		}
		return fmt.Errorf("%w: stripe %d: %s", ErrRejected, se.HTTPStatusCode, se.Msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failures never reached Stripe's idempotency layer.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
