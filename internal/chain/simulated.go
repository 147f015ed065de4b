package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/chainsettle/chainsettle/internal/idgen"
)

// SimulatedAdapter is an in-memory chain. It keeps token balances per
// address and escrow holdings per escrow ID, mines every transaction
// instantly and supports failure injection. It backs local development and
// the test suites of the packages built on top of chain.
type SimulatedAdapter struct {
	mu          sync.Mutex
	name        string
	block       uint64
	balances    map[string]*big.Int
	escrows     map[string]*simEscrow
	withdrawals map[string]TxRef
	txs         map[string]uint64
	gas         GasQuote
	faults      map[string][]error
	calls       map[string]int
}

type simEscrow struct {
	payer, merchant   string
	amount, held      *big.Int
	status            string
	payerConfirmed    bool
	merchantConfirmed bool
}

// SimOption configures a SimulatedAdapter.
type SimOption func(*SimulatedAdapter)

// WithGasQuote sets the deposit gas quote returned by EstimateDepositGas.
func WithGasQuote(units uint64, pricePerUnit int64, nativeSymbol string, nativeDecimals int) SimOption {
	return func(s *SimulatedAdapter) {
		s.gas = GasQuote{
			Chain:          s.name,
			Units:          units,
			PricePerUnit:   big.NewInt(pricePerUnit),
			NativeSymbol:   nativeSymbol,
			NativeDecimals: nativeDecimals,
		}
	}
}

// NewSimulatedAdapter creates an empty simulated chain.
func NewSimulatedAdapter(name string, opts ...SimOption) *SimulatedAdapter {
	s := &SimulatedAdapter{
		name:        name,
		block:       1,
		balances:    make(map[string]*big.Int),
		escrows:     make(map[string]*simEscrow),
		withdrawals: make(map[string]TxRef),
		txs:         make(map[string]uint64),
		faults:      make(map[string][]error),
		calls:       make(map[string]int),
		gas: GasQuote{
			Chain:          name,
			Units:          120_000,
			PricePerUnit:   big.NewInt(1_000_000_000),
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chain implements Adapter.
func (s *SimulatedAdapter) Chain() string { return s.name }

// Fund credits amount to addr.
func (s *SimulatedAdapter) Fund(addr string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceLocked(addr).Add(s.balanceLocked(addr), amount)
}

// FailNext queues errs to be returned, one per call, by the next calls to op.
func (s *SimulatedAdapter) FailNext(op string, errs ...error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], errs...)
	s.mu.Unlock()
}

// Calls returns how many times op reached the chain (including failures).
func (s *SimulatedAdapter) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Ping implements Pinger.
func (s *SimulatedAdapter) Ping(ctx context.Context) error {
	return ctx.Err()
}

// begin counts the call and pops an injected fault. Caller must hold s.mu.
func (s *SimulatedAdapter) begin(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *SimulatedAdapter) balanceLocked(addr string) *big.Int {
	key := strings.ToLower(addr)
	b, ok := s.balances[key]
	if !ok {
		b = new(big.Int)
		s.balances[key] = b
	}
	return b
}

// mine records a new transaction. Caller must hold s.mu.
func (s *SimulatedAdapter) mine() TxRef {
	s.block++
	hash := "0x" + idgen.Hex(32)
	s.txs[hash] = s.block
	return TxRef{Chain: s.name, Hash: hash}
}

func (s *SimulatedAdapter) escrowLocked(id string) (*simEscrow, error) {
	e, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, id)
	}
	return e, nil
}

func (e *simEscrow) open() bool {
	return e.status == OnChainActive || e.status == OnChainDisputed
}

// Deposit implements Adapter.
func (s *SimulatedAdapter) Deposit(ctx context.Context, p DepositParams) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpDeposit); err != nil {
		return TxRef{}, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return TxRef{}, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidAmount)
	}
	if _, exists := s.escrows[p.EscrowID]; exists {
		return TxRef{}, fmt.Errorf("%w: %s", ErrEscrowExists, p.EscrowID)
	}
	bal := s.balanceLocked(p.Payer)
	if bal.Cmp(p.Amount) < 0 {
		return TxRef{}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, p.Payer, bal, p.Amount)
	}
	bal.Sub(bal, p.Amount)
	s.escrows[p.EscrowID] = &simEscrow{
		payer:    strings.ToLower(p.Payer),
		merchant: strings.ToLower(p.Merchant),
		amount:   new(big.Int).Set(p.Amount),
		held:     new(big.Int).Set(p.Amount),
		status:   OnChainActive,
	}
	return s.mine(), nil
}

// Confirm implements Adapter.
func (s *SimulatedAdapter) Confirm(ctx context.Context, escrowID string, role Role) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpConfirm); err != nil {
		return TxRef{}, err
	}
	e, err := s.escrowLocked(escrowID)
	if err != nil {
		return TxRef{}, err
	}
	if e.status != OnChainActive {
		return TxRef{}, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, escrowID, e.status)
	}
	switch role {
	case RolePayer:
		e.payerConfirmed = true
	case RoleMerchant:
		e.merchantConfirmed = true
	default:
		return TxRef{}, fmt.Errorf("%w: role %s cannot confirm", ErrUnsupported, role)
	}
	return s.mine(), nil
}

// Dispute implements Adapter.
func (s *SimulatedAdapter) Dispute(ctx context.Context, escrowID string) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpDispute); err != nil {
		return TxRef{}, err
	}
	e, err := s.escrowLocked(escrowID)
	if err != nil {
		return TxRef{}, err
	}
	if e.status != OnChainActive {
		return TxRef{}, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, escrowID, e.status)
	}
	e.status = OnChainDisputed
	return s.mine(), nil
}

// Release implements Adapter.
func (s *SimulatedAdapter) Release(ctx context.Context, p ReleaseParams) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpRelease); err != nil {
		return TxRef{}, err
	}
	e, err := s.escrowLocked(p.EscrowID)
	if err != nil {
		return TxRef{}, err
	}
	if !e.open() {
		return TxRef{}, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, p.EscrowID, e.status)
	}
	fee := p.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	if new(big.Int).Add(p.Net, fee).Cmp(e.held) != 0 {
		return TxRef{}, fmt.Errorf("%w: release %s+%s does not match held %s", ErrInvalidAmount, p.Net, fee, e.held)
	}
	s.balanceLocked(p.Recipient).Add(s.balanceLocked(p.Recipient), p.Net)
	if fee.Sign() > 0 {
		s.balanceLocked(p.FeeRecipient).Add(s.balanceLocked(p.FeeRecipient), fee)
	}
	e.held.SetInt64(0)
	e.status = OnChainReleased
	return s.mine(), nil
}

// Refund implements Adapter.
func (s *SimulatedAdapter) Refund(ctx context.Context, escrowID, to string) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpRefund); err != nil {
		return TxRef{}, err
	}
	e, err := s.escrowLocked(escrowID)
	if err != nil {
		return TxRef{}, err
	}
	if !e.open() {
		return TxRef{}, fmt.Errorf("%w: %s is %s", ErrEscrowClosed, escrowID, e.status)
	}
	s.balanceLocked(to).Add(s.balanceLocked(to), e.held)
	e.held.SetInt64(0)
	e.status = OnChainRefunded
	return s.mine(), nil
}

// Withdraw implements Adapter. Repeating a reference returns the original
// transaction without moving funds.
func (s *SimulatedAdapter) Withdraw(ctx context.Context, p WithdrawParams) (TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpWithdraw); err != nil {
		return TxRef{}, err
	}
	if ref, done := s.withdrawals[p.Reference]; done {
		ref.Replayed = true
		return ref, nil
	}
	bal := s.balanceLocked(p.From)
	if bal.Cmp(p.Amount) < 0 {
		return TxRef{}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, p.From, bal, p.Amount)
	}
	bal.Sub(bal, p.Amount)
	ref := s.mine()
	s.withdrawals[p.Reference] = ref
	return ref, nil
}

// Withdrawn reports whether a withdrawal with reference has been applied.
func (s *SimulatedAdapter) Withdrawn(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.withdrawals[reference]
	return ok
}

// GetState implements Adapter.
func (s *SimulatedAdapter) GetState(ctx context.Context, escrowID string) (*EscrowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGetState); err != nil {
		return nil, err
	}
	e, err := s.escrowLocked(escrowID)
	if err != nil {
		return nil, err
	}
	return &EscrowState{
		EscrowID:          escrowID,
		Status:            e.status,
		Amount:            new(big.Int).Set(e.amount),
		Held:              new(big.Int).Set(e.held),
		Payer:             e.payer,
		Merchant:          e.merchant,
		PayerConfirmed:    e.payerConfirmed,
		MerchantConfirmed: e.merchantConfirmed,
	}, nil
}

// BalanceOf implements Adapter.
func (s *SimulatedAdapter) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpBalance); err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.balanceLocked(owner)), nil
}

// WaitForConfirmation implements Adapter. Simulated blocks are final at once.
func (s *SimulatedAdapter) WaitForConfirmation(ctx context.Context, ref TxRef, _ uint64) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpWait); err != nil {
		return nil, err
	}
	block, ok := s.txs[ref.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, ref.Hash)
	}
	return &Receipt{TxRef: ref, BlockNumber: block, GasUsed: s.gas.Units}, nil
}

// EstimateDepositGas implements Adapter.
func (s *SimulatedAdapter) EstimateDepositGas(ctx context.Context) (GasQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGas); err != nil {
		return GasQuote{}, err
	}
	q := s.gas
	q.PricePerUnit = new(big.Int).Set(s.gas.PricePerUnit)
	return q, nil
}
