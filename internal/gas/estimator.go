package gas

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/rates"
	"github.com/chainsettle/chainsettle/internal/units"
)

// Chains resolves adapters by name. *chain.Registry implements it.
type Chains interface {
	Get(name string) (chain.Adapter, error)
	Chains() []string
}

// Estimator quotes deposit gas in USD.
//
// Flow:
// 1. Ask the chain adapter for units and price per unit
// 2. Convert the native cost to USD through the rate oracle
// 3. Add markup and clamp to [MinFeeUSD, MaxFeeUSD]
// 4. Cache the result until ValidUntil
type Estimator struct {
	chains Chains
	oracle rates.Oracle
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*Estimate
}

// NewEstimator creates an estimator.
func NewEstimator(chains Chains, oracle rates.Oracle, cfg Config, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultConfig().Validity
	}
	return &Estimator{
		chains: chains,
		oracle: oracle,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*Estimate),
	}
}

// WithClock overrides time.Now.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Quote prices a deposit on the named chain.
func (e *Estimator) Quote(ctx context.Context, chainName string) (*Estimate, error) {
	e.mu.Lock()
	if cached, ok := e.cache[chainName]; ok && !cached.Expired(e.now()) {
		e.mu.Unlock()
		cp := *cached
		return &cp, nil
	}
	e.mu.Unlock()

	adapter, err := e.chains.Get(chainName)
	if err != nil {
		return nil, err
	}
	q, err := adapter.EstimateDepositGas(ctx)
	if err != nil {
		e.logger.Warn("gas estimate failed", "chain", chainName, "error", err)
		return nil, fmt.Errorf("%w: %v", tagged(ErrEstimateFailed, chainName), err)
	}
	if limit, ok := e.cfg.MaxPricePerUnit[chainName]; ok && limit != nil && q.PricePerUnit != nil &&
		q.PricePerUnit.Cmp(limit) > 0 {
		return nil, tagged(ErrGasPriceTooHigh, chainName)
	}

	native, err := e.oracle.Rate(ctx, q.NativeSymbol, "USD")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tagged(ErrNoNativePrice, chainName), err)
	}

	nativeCost := units.ToDecimal(q.Cost(), q.NativeDecimals)
	usd := nativeCost.Mul(native.Rate).Mul(decimal.NewFromInt(1).Add(e.cfg.MarkupPct))
	usd = e.clamp(usd)

	est := &Estimate{
		Chain:          chainName,
		Units:          q.Units,
		PricePerUnit:   q.PricePerUnit,
		NativeSymbol:   q.NativeSymbol,
		NativeCost:     nativeCost,
		NativePriceUSD: native.Rate,
		CostUSD:        usd,
		ValidUntil:     e.now().Add(e.cfg.Validity),
	}

	e.mu.Lock()
	e.cache[chainName] = est
	e.mu.Unlock()

	cp := *est
	return &cp, nil
}

// QuoteAll prices every registered chain. Chains that fail are reported in
// the error map and left out of the result, which is sorted by CostUSD.
func (e *Estimator) QuoteAll(ctx context.Context) ([]*Estimate, map[string]error) {
	var (
		out  []*Estimate
		errs map[string]error
	)
	for _, name := range e.chains.Chains() {
		est, err := e.Quote(ctx, name)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[name] = err
			continue
		}
		out = append(out, est)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CostUSD.LessThan(out[j].CostUSD) })
	return out, errs
}

// Invalidate drops cached quotes.
func (e *Estimator) Invalidate() {
	e.mu.Lock()
	e.cache = make(map[string]*Estimate)
	e.mu.Unlock()
}

func (e *Estimator) clamp(usd decimal.Decimal) decimal.Decimal {
	if !e.cfg.MinFeeUSD.IsZero() && usd.LessThan(e.cfg.MinFeeUSD) {
		usd = e.cfg.MinFeeUSD
	}
	if !e.cfg.MaxFeeUSD.IsZero() && usd.GreaterThan(e.cfg.MaxFeeUSD) {
		usd = e.cfg.MaxFeeUSD
	}
	return usd
}

var _ Chains = (*chain.Registry)(nil)
