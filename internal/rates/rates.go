// Package rates provides crypto-to-fiat exchange rates.
package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownPair = errors.New("rates: no rate for pair")
	ErrBadRate     = errors.New("rates: invalid rate")
)

// Quote is a rate snapshot: one unit of token buys Rate units of fiat.
type Quote struct {
	Token  string          `json:"token"`
	Fiat   string          `json:"fiat"`
	Rate   decimal.Decimal `json:"rate"`
	AsOf   time.Time       `json:"asOf"`
	Source string          `json:"source"`
}

// Oracle returns the current rate for a token/fiat pair.
type Oracle interface {
	Rate(ctx context.Context, token, fiat string) (Quote, error)
}

// Pair formats a pair key as TOKEN:FIAT.
func Pair(token, fiat string) string {
	return strings.ToUpper(token) + ":" + strings.ToUpper(fiat)
}

// StaticOracle serves fixed rates, typically loaded from configuration.
type StaticOracle struct {
	rates map[string]decimal.Decimal
	now   func() time.Time
}

// NewStaticOracle builds an oracle from pair → rate.
func NewStaticOracle(rates map[string]decimal.Decimal) *StaticOracle {
	m := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		m[strings.ToUpper(k)] = v
	}
	return &StaticOracle{rates: m, now: time.Now}
}

// ParseStatic parses "USDC:USD=1,USDC:EUR=0.92" into a StaticOracle.
func ParseStatic(spec string) (*StaticOracle, error) {
	m := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, val, ok := strings.Cut(entry, "=")
		if !ok || !strings.Contains(pair, ":") {
			return nil, fmt.Errorf("%w: entry %q", ErrBadRate, entry)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("%w: entry %q", ErrBadRate, entry)
		}
		m[strings.ToUpper(strings.TrimSpace(pair))] = d
	}
	return NewStaticOracle(m), nil
}

// Rate implements Oracle. Pairs missing directly are crossed through USD
// when both TOKEN:USD and USD:FIAT (or USDC:FIAT as a USD proxy) are known.
func (o *StaticOracle) Rate(_ context.Context, token, fiat string) (Quote, error) {
	token, fiat = strings.ToUpper(token), strings.ToUpper(fiat)
	q := Quote{Token: token, Fiat: fiat, AsOf: o.now(), Source: "static"}
	if token == fiat {
		q.Rate = decimal.NewFromInt(1)
		return q, nil
	}
	if r, ok := o.rates[Pair(token, fiat)]; ok {
		q.Rate = r
		return q, nil
	}
	toUSD, ok := o.rates[Pair(token, "USD")]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, Pair(token, fiat))
	}
	if usdFiat, ok := o.rates[Pair("USD", fiat)]; ok {
		q.Rate = toUSD.Mul(usdFiat)
		return q, nil
	}
	if stable, ok := o.rates[Pair("USDC", fiat)]; ok {
		usdc := o.rates[Pair("USDC", "USD")]
		if usdc.IsPositive() {
			q.Rate = toUSD.Mul(stable).Div(usdc)
			return q, nil
		}
	}
	return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, Pair(token, fiat))
}

// Pairs lists configured pairs.
func (o *StaticOracle) Pairs() []string {
	out := make([]string, 0, len(o.rates))
	for k := range o.rates {
		out = append(out, k)
	}
	return out
}
