// Package units converts token amounts between their smallest on-chain unit
// and human-readable decimal strings.
//
// Amounts are always carried as *big.Int in the token's smallest unit. The
// decimal count is a property of the token (6 for USDC, 18 for most ERC-20s).
package units

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the decimal count of the stablecoins the platform settles in.
const USDCDecimals = 6

// BpsDenominator is the divisor for basis-point fee rates.
const BpsDenominator = 10_000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// representation for a token with the given decimals. Returns (nil, false)
// on invalid input.
//
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Fractional digits beyond decimals are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, found := strings.Cut(s, ".")
	if found && strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// Format renders a smallest-unit amount with exactly decimals fractional digits.
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	if len(s) < decimals+1 {
		s = strings.Repeat("0", decimals+1-len(s)) + s
	}
	cut := len(s) - decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// ParseUSDC is Parse with USDC decimals.
func ParseUSDC(s string) (*big.Int, bool) { return Parse(s, USDCDecimals) }

// FormatUSDC is Format with USDC decimals.
func FormatUSDC(amount *big.Int) string { return Format(amount, USDCDecimals) }

// ApplyBps returns floor(amount * bps / 10000). A nil amount yields zero.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(BpsDenominator))
}

// SplitFee splits amount into (fee, net) where fee = ApplyBps(amount, bps)
// and fee + net == amount.
func SplitFee(amount *big.Int, bps int64) (fee, net *big.Int) {
	fee = ApplyBps(amount, bps)
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

// ToDecimal converts a smallest-unit amount into a whole-token decimal.
func ToDecimal(amount *big.Int, decimals int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, int32(-decimals))
}

// FromDecimal converts a whole-token decimal into smallest units, truncating
// digits beyond the token's precision.
func FromDecimal(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// Sum adds amounts, skipping nils.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
