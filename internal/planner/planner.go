// Package planner splits one logical payment across wallets on several
// chains and drives the resulting escrow deposits.
//
// A plan is built greedily: candidate wallets are ordered by the chosen
// strategy and each contributes min(remaining, balance) until the target is
// met. Planning never commits funds. Execution deposits each fragment into
// an escrow on its chain; fragments succeed or fail independently and the
// plan completes only when every fragment is confirmed.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/gas"
	"github.com/chainsettle/chainsettle/internal/idgen"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/syncutil"
	"github.com/chainsettle/chainsettle/internal/units"
)

var (
	ErrInsufficientAggregateBalance = errors.New("aggregate wallet balance is below the target amount")
	ErrPlanNotFound                 = errors.New("plan not found")
	ErrInvalidState                 = errors.New("invalid plan status for this operation")
	ErrInvalidAmount                = errors.New("invalid amount")
	ErrInvalidStrategy              = errors.New("unknown strategy")
	ErrInvalidRequest               = errors.New("invalid plan request")
	ErrGasUnavailable               = errors.New("gas estimation is not configured")
	ErrDuplicate                    = errors.New("plan already exists")

	// ErrConflict is returned by stores when a CAS update lost the race.
	ErrConflict = fmt.Errorf("%w: concurrent status change", ErrInvalidState)
)

// Strategy orders candidate wallets before greedy consumption.
type Strategy string

const (
	StrategyDefault           Strategy = "default"
	StrategyMinimizeFragments Strategy = "minimize_fragments"
	StrategyMinimizeGas       Strategy = "minimize_gas"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDefault, StrategyMinimizeFragments, StrategyMinimizeGas:
		return true
	}
	return false
}

// FragmentStatus is the state of one fragment.
type FragmentStatus string

const (
	FragmentPlanned   FragmentStatus = "planned"
	FragmentSubmitted FragmentStatus = "submitted"
	FragmentConfirmed FragmentStatus = "confirmed"
	FragmentFailed    FragmentStatus = "failed"
)

// Status is the aggregate state of a plan.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AllStatuses lists plan statuses for validation.
var AllStatuses = []Status{StatusPlanned, StatusExecuting, StatusCompleted, StatusFailed}

// Wallet is a payer balance on one chain. A nil Balance means unknown; the
// planner reads it from the chain before planning.
type Wallet struct {
	Chain   string   `json:"chain"`
	Address string   `json:"address"`
	Token   string   `json:"token"`
	Balance *big.Int `json:"balance,omitempty"`
}

// WalletRef names a wallet whose balance should be read on-chain.
type WalletRef struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

// Fragment is one chain's contribution to a plan.
type Fragment struct {
	Index          int            `json:"index"`
	Chain          string         `json:"chain"`
	SourceWallet   string         `json:"sourceWallet"`
	Amount         *big.Int       `json:"amount"`
	TargetEscrowID string         `json:"targetEscrowId"`
	DepositTx      string         `json:"depositTx,omitempty"`
	Status         FragmentStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Plan aggregates the fragments of one logical payment.
type Plan struct {
	ID           string     `json:"id"`
	TotalAmount  *big.Int   `json:"totalAmount"`
	Token        string     `json:"token"`
	Strategy     Strategy   `json:"strategy"`
	MerchantID   string     `json:"merchantId"`
	MerchantAddr string     `json:"merchantAddr"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	Fragments    []Fragment `json:"fragments"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.TotalAmount = cloneInt(p.TotalAmount)
	cp.Fragments = make([]Fragment, len(p.Fragments))
	for i, f := range p.Fragments {
		f.Amount = cloneInt(f.Amount)
		cp.Fragments[i] = f
	}
	return &cp
}

// Planned returns the sum of all fragment amounts.
func (p *Plan) Planned() *big.Int {
	total := new(big.Int)
	for _, f := range p.Fragments {
		if f.Amount != nil {
			total.Add(total, f.Amount)
		}
	}
	return total
}

// Confirmed returns the sum of confirmed fragment amounts.
func (p *Plan) Confirmed() *big.Int {
	total := new(big.Int)
	for _, f := range p.Fragments {
		if f.Status == FragmentConfirmed && f.Amount != nil {
			total.Add(total, f.Amount)
		}
	}
	return total
}

// outcome derives the terminal plan status from fragment outcomes.
func (p *Plan) outcome() Status {
	if len(p.Fragments) == 0 {
		return StatusFailed
	}
	for _, f := range p.Fragments {
		if f.Status != FragmentConfirmed {
			return StatusFailed
		}
	}
	return StatusCompleted
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// PlanRequest asks for a plan reaching TargetAmount of Token.
type PlanRequest struct {
	ID           string
	TargetAmount *big.Int
	Token        string
	Strategy     Strategy
	MerchantID   string
	MerchantAddr string
	Wallets      []Wallet
	Actor        string
}

// ExecOptions controls how fragments are submitted.
type ExecOptions struct {
	Parallel bool
	// Delay separates sequential submissions. Ignored when Parallel.
	Delay time.Duration
	Actor string
}

// GasEstimate is the pre-flight cost of executing a plan.
type GasEstimate struct {
	PlanID    string          `json:"planId"`
	TotalUSD  decimal.Decimal `json:"totalUsd"`
	Fragments []FragmentGas   `json:"fragments"`
}

// FragmentGas is the deposit cost of one fragment.
type FragmentGas struct {
	Index        int             `json:"index"`
	Chain        string          `json:"chain"`
	NativeSymbol string          `json:"nativeSymbol"`
	NativeCost   decimal.Decimal `json:"nativeCost"`
	CostUSD      decimal.Decimal `json:"costUsd"`
}

// Filter selects plans for listing.
type Filter struct {
	Status     Status
	MerchantID string
	CreatedBy  string
	Cursor     *pagination.Cursor
	Limit      int
}

func (f Filter) matches(p *Plan) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.MerchantID != "" && p.MerchantID != f.MerchantID {
		return false
	}
	if f.CreatedBy != "" && !strings.EqualFold(p.CreatedBy, f.CreatedBy) {
		return false
	}
	if f.Cursor != nil {
		if p.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if p.CreatedAt.Equal(f.Cursor.CreatedAt) && p.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}

// Store persists plans.
type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	// UpdateStatus sets the plan status only if the stored one is expected;
	// otherwise it returns ErrConflict.
	UpdateStatus(ctx context.Context, id string, status Status, expected Status, at time.Time) error
	// UpdateFragment writes one fragment's execution state.
	UpdateFragment(ctx context.Context, planID string, f Fragment) error
	// List returns matches newest first.
	List(ctx context.Context, f Filter) ([]*Plan, error)
}

// EscrowDepositor funds one escrow and waits for it to confirm.
// *escrow.Service implements it.
type EscrowDepositor interface {
	Deposit(ctx context.Context, req escrow.DepositRequest) (*escrow.Record, error)
}

// GasQuoter prices a deposit on a chain. *gas.Estimator implements it.
type GasQuoter interface {
	Quote(ctx context.Context, chain string) (*gas.Estimate, error)
}

// Chains resolves adapters for balance reads.
type Chains interface {
	Get(name string) (chain.Adapter, error)
}

// Config holds planner settings.
type Config struct {
	// EscrowTimeout is passed to each fragment's escrow. Zero uses the
	// escrow service default.
	EscrowTimeout time.Duration
	// MaxWallets bounds the candidate list of one request.
	MaxWallets int
}

// DefaultMaxWallets bounds wallets per plan request.
const DefaultMaxWallets = 32

// Planner builds and executes payment plans.
type Planner struct {
	store     Store
	depositor EscrowDepositor
	chains    Chains
	gas       GasQuoter
	events    events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// submit serializes deposits per chain during parallel execution.
	submit *syncutil.ContextShardedMutex
}

// New creates a planner.
func New(store Store, depositor EscrowDepositor, chains Chains, cfg Config, logger *slog.Logger) *Planner {
	if cfg.MaxWallets <= 0 {
		cfg.MaxWallets = DefaultMaxWallets
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:     store,
		depositor: depositor,
		chains:    chains,
		events:    events.Nop{},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		submit:    syncutil.NewContextShardedMutex(),
	}
}

// WithGas enables the minimize_gas strategy and EstimateGas.
func (p *Planner) WithGas(q GasQuoter) *Planner {
	p.gas = q
	return p
}

// WithEvents sets the audit event publisher.
func (p *Planner) WithEvents(pub events.Publisher) *Planner {
	if pub != nil {
		p.events = pub
	}
	return p
}

// WithClock overrides time.Now.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

type candidate struct {
	wallet Wallet
	cost   decimal.Decimal
	priced bool
}

// PlanPayment builds and stores a plan. No fragment is created unless the
// eligible wallets together cover the target.
func (p *Planner) PlanPayment(ctx context.Context, req PlanRequest) (*Plan, error) {
	if req.TargetAmount == nil || req.TargetAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Token == "" || req.MerchantAddr == "" {
		return nil, fmt.Errorf("%w: token and merchantAddr are required", ErrInvalidRequest)
	}
	if req.Strategy == "" {
		req.Strategy = StrategyDefault
	}
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}
	if req.Strategy == StrategyMinimizeGas && p.gas == nil {
		return nil, ErrGasUnavailable
	}
	if len(req.Wallets) > p.cfg.MaxWallets {
		return nil, fmt.Errorf("%w: at most %d wallets", ErrInvalidRequest, p.cfg.MaxWallets)
	}

	wallets, err := p.resolveBalances(ctx, req.Wallets)
	if err != nil {
		return nil, err
	}
	cands := eligible(wallets, req.Token)

	available := new(big.Int)
	for _, c := range cands {
		available.Add(available, c.wallet.Balance)
	}
	if available.Cmp(req.TargetAmount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientAggregateBalance, available, req.TargetAmount)
	}

	if req.Strategy == StrategyMinimizeGas {
		p.priceCandidates(ctx, cands)
	}
	order(cands, req.Strategy)

	now := p.now()
	id := req.ID
	if id == "" {
		id = idgen.WithPrefix(idgen.PlanPrefix)
	}
	plan := &Plan{
		ID:           id,
		TotalAmount:  new(big.Int).Set(req.TargetAmount),
		Token:        req.Token,
		Strategy:     req.Strategy,
		MerchantID:   req.MerchantID,
		MerchantAddr: req.MerchantAddr,
		CreatedBy:    req.Actor,
		Status:       StatusPlanned,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	remaining := new(big.Int).Set(req.TargetAmount)
	for _, c := range cands {
		if remaining.Sign() == 0 {
			break
		}
		amt := units.Min(remaining, c.wallet.Balance)
		remaining.Sub(remaining, amt)
		plan.Fragments = append(plan.Fragments, Fragment{
			Index:          len(plan.Fragments),
			Chain:          c.wallet.Chain,
			SourceWallet:   c.wallet.Address,
			Amount:         amt,
			TargetEscrowID: idgen.WithPrefix(idgen.EscrowPrefix),
			Status:         FragmentPlanned,
			UpdatedAt:      now,
		})
	}
	if plan.Planned().Cmp(plan.TotalAmount) != 0 {
		return nil, fmt.Errorf("plan %s: fragments sum to %s, target %s", id, plan.Planned(), plan.TotalAmount)
	}

	if err := p.store.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}
	p.emit(ctx, plan, "", req.Actor, nil)
	return plan.Clone(), nil
}

// resolveBalances reads balances for wallets that arrived without one.
// Wallets whose read fails are dropped.
func (p *Planner) resolveBalances(ctx context.Context, in []Wallet) ([]Wallet, error) {
	out := make([]Wallet, 0, len(in))
	var refs []WalletRef
	for _, w := range in {
		if w.Chain == "" || w.Address == "" {
			return nil, fmt.Errorf("%w: every wallet needs chain and address", ErrInvalidRequest)
		}
		if w.Balance != nil {
			out = append(out, w)
			continue
		}
		refs = append(refs, WalletRef{Chain: w.Chain, Address: w.Address, Token: w.Token})
	}
	if len(refs) == 0 {
		return out, nil
	}
	fresh, err := p.RefreshBalances(ctx, refs)
	if err != nil {
		p.logger.Warn("some wallet balances could not be read", "error", err)
	}
	return append(out, fresh...), nil
}

// RefreshBalances reads live token balances. Wallets that could not be read
// are left out and their errors joined.
func (p *Planner) RefreshBalances(ctx context.Context, refs []WalletRef) ([]Wallet, error) {
	if p.chains == nil {
		return nil, fmt.Errorf("%w: no chains configured", ErrInvalidRequest)
	}
	var (
		out  []Wallet
		errs []error
	)
	for _, ref := range refs {
		adapter, err := p.chains.Get(ref.Chain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var reader chain.BalanceReader = adapter
		bal, err := reader.BalanceOf(ctx, ref.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", ref.Chain, ref.Address, err))
			continue
		}
		out = append(out, Wallet{Chain: ref.Chain, Address: ref.Address, Token: ref.Token, Balance: bal})
	}
	return out, errors.Join(errs...)
}

// eligible keeps positive balances of token, first occurrence per wallet.
func eligible(wallets []Wallet, token string) []*candidate {
	seen := make(map[string]bool, len(wallets))
	var out []*candidate
	for _, w := range wallets {
		if !strings.EqualFold(w.Token, token) || w.Balance == nil || w.Balance.Sign() <= 0 {
			continue
		}
		key := syncutil.Key(w.Chain, strings.ToLower(w.Address))
		if seen[key] {
			continue
		}
		seen[key] = true
		w.Balance = new(big.Int).Set(w.Balance)
		out = append(out, &candidate{wallet: w})
	}
	return out
}

// priceCandidates attaches deposit gas cost per chain. Chains that cannot
// be priced sort last.
func (p *Planner) priceCandidates(ctx context.Context, cands []*candidate) {
	quotes := make(map[string]*gas.Estimate)
	failed := make(map[string]bool)
	for _, c := range cands {
		name := c.wallet.Chain
		if failed[name] {
			continue
		}
		q, ok := quotes[name]
		if !ok {
			var err error
			q, err = p.gas.Quote(ctx, name)
			if err != nil {
				p.logger.Warn("gas quote unavailable, ranking chain last", "chain", name, "error", err)
				failed[name] = true
				continue
			}
			quotes[name] = q
		}
		c.cost = q.CostUSD
		c.priced = true
	}
}

func order(cands []*candidate, strategy Strategy) {
	byBalance := func(a, b *candidate) bool {
		if cmp := a.wallet.Balance.Cmp(b.wallet.Balance); cmp != 0 {
			return cmp > 0
		}
		if a.wallet.Chain != b.wallet.Chain {
			return a.wallet.Chain < b.wallet.Chain
		}
		return a.wallet.Address < b.wallet.Address
	}
	if strategy != StrategyMinimizeGas {
		sort.SliceStable(cands, func(i, j int) bool { return byBalance(cands[i], cands[j]) })
		return
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priced != b.priced {
			return a.priced
		}
		if a.priced && !a.cost.Equal(b.cost) {
			return a.cost.LessThan(b.cost)
		}
		return byBalance(a, b)
	})
}

// EstimateGas sums the deposit cost of every fragment in the plan.
func (p *Planner) EstimateGas(ctx context.Context, plan *Plan) (*GasEstimate, error) {
	if p.gas == nil {
		return nil, ErrGasUnavailable
	}
	est := &GasEstimate{PlanID: plan.ID, TotalUSD: decimal.Zero}
	for _, f := range plan.Fragments {
		q, err := p.gas.Quote(ctx, f.Chain)
		if err != nil {
			return nil, fmt.Errorf("fragment %d on %s: %w", f.Index, f.Chain, err)
		}
		est.TotalUSD = est.TotalUSD.Add(q.CostUSD)
		est.Fragments = append(est.Fragments, FragmentGas{
			Index:        f.Index,
			Chain:        f.Chain,
			NativeSymbol: q.NativeSymbol,
			NativeCost:   q.NativeCost,
			CostUSD:      q.CostUSD,
		})
	}
	return est, nil
}

// GetPlan returns a plan by ID.
func (p *Planner) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return p.store.Get(ctx, id)
}

// ListPlans returns plans newest first.
func (p *Planner) ListPlans(ctx context.Context, f Filter) ([]*Plan, error) {
	return p.store.List(ctx, f)
}

func (p *Planner) emit(ctx context.Context, plan *Plan, from Status, actor string, detail map[string]string) {
	ev := events.New(events.KindPlan, plan.ID, string(from), string(plan.Status), actor)
	ev.Detail = detail
	if err := p.events.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish plan event", "planId", plan.ID, "to", plan.Status, "error", err)
	}
	metrics.PlansTotal.WithLabelValues(string(plan.Strategy), string(plan.Status)).Inc()
	p.logger.Info("plan transition", "planId", plan.ID, "to", plan.Status,
		"fragments", len(plan.Fragments), "amount", plan.TotalAmount.String())
}
