// Package gas prices escrow deposit calls per chain.
//
// Payers only hold the settlement token. The native gas each deposit burns
// is converted to USD through the rate oracle so the planner can compare
// chains and show a pre-flight cost.
package gas

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Estimate is the priced cost of one deposit call on one chain.
type Estimate struct {
	Chain          string          `json:"chain"`
	Units          uint64          `json:"units"`
	PricePerUnit   *big.Int        `json:"pricePerUnit"`
	NativeSymbol   string          `json:"nativeSymbol"`
	NativeCost     decimal.Decimal `json:"nativeCost"`
	NativePriceUSD decimal.Decimal `json:"nativePriceUsd"`
	CostUSD        decimal.Decimal `json:"costUsd"`
	ValidUntil     time.Time       `json:"validUntil"`
}

// Expired reports whether the estimate is past its validity window.
func (e *Estimate) Expired(now time.Time) bool {
	return !now.Before(e.ValidUntil)
}

// Config controls pricing.
type Config struct {
	MarkupPct decimal.Decimal // e.g. 0.2 = 20%
	MinFeeUSD decimal.Decimal
	MaxFeeUSD decimal.Decimal

	// MaxPricePerUnit caps the per-unit gas price by chain. Chains without
	// an entry are uncapped.
	MaxPricePerUnit map[string]*big.Int

	// Validity is how long a quote is served from cache.
	Validity time.Duration
}

// DefaultConfig returns defaults suited to L2 deposits.
func DefaultConfig() Config {
	return Config{
		MarkupPct: decimal.RequireFromString("0.2"),
		MinFeeUSD: decimal.RequireFromString("0.0001"),
		MaxFeeUSD: decimal.RequireFromString("5"),
		Validity:  30 * time.Second,
	}
}

// Error is a pricing failure with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Chain   string `json:"chain,omitempty"`
}

func (e *Error) Error() string {
	if e.Chain != "" {
		return e.Chain + ": " + e.Message
	}
	return e.Message
}

// Is matches on Code so chain-tagged copies still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrGasPriceTooHigh = &Error{
		Code:    "gas_price_too_high",
		Message: "Current gas price exceeds maximum",
	}
	ErrEstimateFailed = &Error{
		Code:    "estimate_failed",
		Message: "Failed to estimate gas",
	}
	ErrNoNativePrice = &Error{
		Code:    "no_native_price",
		Message: "No USD price for the chain's native token",
	}
)

func tagged(base *Error, chain string) *Error {
	return &Error{Code: base.Code, Message: base.Message, Chain: chain}
}
