// Package escrow runs the per-chain merchant escrow state machine.
//
// Flow:
//  1. Payer deposits → chain holds the amount, record is active
//  2. Payer and merchant each confirm → the second confirmation releases
//     amount − fee to the merchant and the fee to the fee recipient
//  3. Either party disputes → disputed until the arbiter resolves it
//  4. Either party cancels, or anyone expires it past ExpiresAt → payer refunded
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/idgen"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/syncutil"
	"github.com/chainsettle/chainsettle/internal/traces"
	"github.com/chainsettle/chainsettle/internal/units"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrInvalidState   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized   = errors.New("not authorized for this escrow operation")
	ErrNotYetExpired  = errors.New("escrow has not expired yet")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrDuplicate      = errors.New("escrow already exists")
	ErrInvalidParties = errors.New("invalid escrow parties")

	// ErrDepositUnconfirmed is returned when a deposit could neither be
	// confirmed nor refunded. The escrow is stored as active.
	ErrDepositUnconfirmed = errors.New("escrow deposit not confirmed")

	// ErrConflict is returned by Store.Update when the stored status no
	// longer matches the expected one.
	ErrConflict = fmt.Errorf("%w: concurrent status change", ErrInvalidState)
)

// Status represents the state of an escrow.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

const (
	DefaultEscrowTimeout  = 7 * 24 * time.Hour
	DefaultDisputeTimeout = 14 * 24 * time.Hour
)

// Record is one on-chain deposit. Amounts are in the token's smallest unit.
type Record struct {
	ID                string     `json:"id"`
	Chain             string     `json:"chain"`
	Token             string     `json:"token"`
	Amount            *big.Int   `json:"amount"`
	PayerAddr         string     `json:"payerAddr"`
	MerchantID        string     `json:"merchantId"`
	MerchantAddr      string     `json:"merchantAddr"`
	ArbiterAddr       string     `json:"arbiterAddr,omitempty"`
	Status            Status     `json:"status"`
	PayerConfirmed    bool       `json:"payerConfirmed"`
	MerchantConfirmed bool       `json:"merchantConfirmed"`
	Fee               *big.Int   `json:"fee,omitempty"`
	NetAmount         *big.Int   `json:"netAmount,omitempty"`
	Recipient         string     `json:"recipient,omitempty"`
	Reference         string     `json:"reference,omitempty"`
	DepositTx         string     `json:"depositTx,omitempty"`
	ResolutionTx      string     `json:"resolutionTx,omitempty"`
	DisputeReason     string     `json:"disputeReason,omitempty"`
	DisputeDeadline   *time.Time `json:"disputeDeadline,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether no further transition or fund movement is allowed.
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Amount = cloneInt(r.Amount)
	cp.Fee = cloneInt(r.Fee)
	cp.NetAmount = cloneInt(r.NetAmount)
	cp.DisputeDeadline = cloneTime(r.DisputeDeadline)
	cp.ResolvedAt = cloneTime(r.ResolvedAt)
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// roleOf maps an actor address to its party role on this escrow.
func (r *Record) roleOf(actor string) (chain.Role, bool) {
	switch {
	case actor == "":
		return "", false
	case strings.EqualFold(actor, r.PayerAddr):
		return chain.RolePayer, true
	case strings.EqualFold(actor, r.MerchantAddr):
		return chain.RoleMerchant, true
	}
	return "", false
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Chain      string
	Status     Status
	MerchantID string
	Party      string // payer or merchant address
	Reference  string
	Cursor     *pagination.Cursor
	Limit      int
}

func (f Filter) matches(r *Record) bool {
	if f.Chain != "" && r.Chain != f.Chain {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.MerchantID != "" && r.MerchantID != f.MerchantID {
		return false
	}
	if f.Party != "" && !strings.EqualFold(r.PayerAddr, f.Party) && !strings.EqualFold(r.MerchantAddr, f.Party) {
		return false
	}
	if f.Reference != "" && r.Reference != f.Reference {
		return false
	}
	if f.Cursor != nil {
		if r.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if r.CreatedAt.Equal(f.Cursor.CreatedAt) && r.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}

// Store persists escrow records keyed by (chain, id).
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, chainName, id string) (*Record, error)
	// Update writes rec only if the stored status still equals expected;
	// otherwise it returns ErrConflict.
	Update(ctx context.Context, rec *Record, expected Status) error
	// List returns matches newest first.
	List(ctx context.Context, f Filter) ([]*Record, error)
	// ListExpired returns active escrows with ExpiresAt before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	// ListDisputeLapsed returns disputed escrows whose dispute deadline passed.
	ListDisputeLapsed(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

// Chains resolves a chain name to its adapter.
type Chains interface {
	Get(chainName string) (chain.Adapter, error)
}

// Config holds escrow economics and timing.
type Config struct {
	PlatformFeeBps int64
	FeeRecipient   string
	ArbiterAddr    string
	EscrowTimeout  time.Duration
	DisputeTimeout time.Duration
	Confirmations  uint64
}

// DepositRequest funds a new escrow.
type DepositRequest struct {
	ID           string
	Chain        string
	Token        string
	PayerAddr    string
	MerchantID   string
	MerchantAddr string
	Amount       *big.Int
	Reference    string
	Timeout      time.Duration
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	chains Chains
	cfg    Config
	events events.Publisher
	logger *slog.Logger
	locks  syncutil.ShardedMutex
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, chains Chains, cfg Config, logger *slog.Logger) *Service {
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = DefaultEscrowTimeout
	}
	if cfg.DisputeTimeout <= 0 {
		cfg.DisputeTimeout = DefaultDisputeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		chains: chains,
		cfg:    cfg,
		events: events.Nop{},
		logger: logger,
		now:    time.Now,
	}
}

// WithEvents sets the audit event sink.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Deposit submits the deposit, waits for confirmations and persists an
// active record.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*Record, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.PayerAddr == "" || req.MerchantAddr == "" {
		return nil, fmt.Errorf("%w: payer and merchant addresses are required", ErrInvalidParties)
	}
	if strings.EqualFold(req.PayerAddr, req.MerchantAddr) {
		return nil, fmt.Errorf("%w: payer and merchant cannot be the same address", ErrInvalidParties)
	}
	adapter, err := s.chains.Get(req.Chain)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix(idgen.EscrowPrefix)
	}
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit", traces.Chain(req.Chain), traces.EscrowID(id), traces.Amount(req.Amount.String()))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.EscrowTimeout
	}
	now := s.now()
	rec := &Record{
		ID:           id,
		Chain:        req.Chain,
		Token:        req.Token,
		Amount:       new(big.Int).Set(req.Amount),
		PayerAddr:    req.PayerAddr,
		MerchantID:   req.MerchantID,
		MerchantAddr: req.MerchantAddr,
		ArbiterAddr:  s.cfg.ArbiterAddr,
		Status:       StatusActive,
		Reference:    req.Reference,
		ExpiresAt:    now.Add(timeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ref, err := adapter.Deposit(ctx, chain.DepositParams{
		EscrowID:  id,
		Payer:     rec.PayerAddr,
		Merchant:  rec.MerchantAddr,
		Amount:    rec.Amount,
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("deposit escrow %s on %s: %w", id, req.Chain, err)
	}
	rec.DepositTx = ref.Hash
	if err := s.await(ctx, adapter, ref); err != nil {
		traces.End(span, err)
		return nil, s.unconfirmedDeposit(ctx, adapter, rec, err)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		// Best-effort refund if store fails
		if _, rerr := adapter.Refund(ctx, id, rec.PayerAddr); rerr != nil {
			s.logger.Error("CRITICAL: escrow deposited on-chain but not recorded, refund failed",
				"escrowId", id, "chain", req.Chain, "depositTx", ref.Hash, "error", rerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	s.emit(ctx, rec, "", rec.PayerAddr, ref.Hash, nil)
	return rec.Clone(), nil
}

// await blocks until ref has the configured confirmations. A reverted or
// unconfirmed transaction leaves the record untouched.
func (s *Service) await(ctx context.Context, adapter chain.Adapter, ref chain.TxRef) error {
	if ref.Replayed && ref.Hash == "" {
		return nil
	}
	if _, err := adapter.WaitForConfirmation(ctx, ref, s.cfg.Confirmations); err != nil {
		return fmt.Errorf("tx %s not confirmed: %w", ref.Hash, err)
	}
	return nil
}

// unconfirmedDeposit handles a deposit that was submitted but did not
// confirm. A revert held nothing. Otherwise the funds may be held on-chain,
// so the payer is refunded; if that fails too the record is stored so the
// escrow stays visible and cancellable.
func (s *Service) unconfirmedDeposit(ctx context.Context, adapter chain.Adapter, rec *Record, waitErr error) error {
	if errors.Is(waitErr, chain.ErrTxFailed) {
		return fmt.Errorf("deposit for escrow %s reverted: %w", rec.ID, waitErr)
	}
	ref, err := adapter.Refund(ctx, rec.ID, rec.PayerAddr)
	if err == nil {
		err = s.await(ctx, adapter, ref)
	}
	if err == nil {
		s.logger.Warn("unconfirmed escrow deposit refunded",
			"escrowId", rec.ID, "chain", rec.Chain, "depositTx", rec.DepositTx, "refundTx", ref.Hash)
		return fmt.Errorf("deposit for escrow %s not confirmed, payer refunded: %w", rec.ID, waitErr)
	}

	if cerr := s.store.Create(ctx, rec); cerr != nil {
		s.logger.Error("CRITICAL: unconfirmed escrow deposit neither refunded nor recorded",
			"escrowId", rec.ID, "chain", rec.Chain, "depositTx", rec.DepositTx, "refundError", err, "error", cerr)
		return fmt.Errorf("deposit for escrow %s not confirmed: %w", rec.ID, waitErr)
	}
	s.logger.Error("unconfirmed escrow deposit recorded for follow-up",
		"escrowId", rec.ID, "chain", rec.Chain, "depositTx", rec.DepositTx, "refundError", err)
	s.emit(ctx, rec, "", rec.PayerAddr, rec.DepositTx, map[string]string{"unconfirmed": "true"})
	return fmt.Errorf("%w: escrow %s recorded, deposit %s: %w", ErrDepositUnconfirmed, rec.ID, rec.DepositTx, waitErr)
}

// Confirm records the actor's confirmation. The second confirmation
// releases funds; a single confirmation never does. Calling again after
// a failed release retries the release.
func (s *Service) Confirm(ctx context.Context, chainName, id, actor string) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	role, ok := rec.roleOf(actor)
	if !ok {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot confirm %s escrow", ErrInvalidState, rec.Status)
	}
	adapter, err := s.chains.Get(chainName)
	if err != nil {
		return nil, err
	}

	already := (role == chain.RolePayer && rec.PayerConfirmed) || (role == chain.RoleMerchant && rec.MerchantConfirmed)
	if !already {
		ref, err := adapter.Confirm(ctx, id, role)
		if err == nil {
			err = s.await(ctx, adapter, ref)
		}
		if err != nil {
			return nil, fmt.Errorf("confirm escrow %s as %s: %w", id, role, err)
		}
		if role == chain.RolePayer {
			rec.PayerConfirmed = true
		} else {
			rec.MerchantConfirmed = true
		}
		rec.UpdatedAt = s.now()
		if err := s.store.Update(ctx, rec, StatusActive); err != nil {
			return nil, err
		}
		s.emit(ctx, rec, StatusActive, actor, ref.Hash, map[string]string{"confirmed": string(role)})
	}

	if !rec.PayerConfirmed || !rec.MerchantConfirmed {
		return rec.Clone(), nil
	}
	return s.releaseToMerchant(ctx, adapter, rec, actor)
}

// releaseToMerchant pays amount − fee to the merchant and completes the
// escrow. Caller holds the escrow lock.
func (s *Service) releaseToMerchant(ctx context.Context, adapter chain.Adapter, rec *Record, actor string) (*Record, error) {
	from := rec.Status
	fee, net := units.SplitFee(rec.Amount, s.cfg.PlatformFeeBps)
	ref, err := adapter.Release(ctx, chain.ReleaseParams{
		EscrowID:     rec.ID,
		Recipient:    rec.MerchantAddr,
		Net:          net,
		Fee:          fee,
		FeeRecipient: s.cfg.FeeRecipient,
	})
	if err == nil {
		err = s.await(ctx, adapter, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("release escrow %s: %w", rec.ID, err)
	}
	rec.Fee, rec.NetAmount = fee, net
	rec.Recipient = rec.MerchantAddr
	return s.finish(ctx, rec, from, StatusCompleted, actor, ref)
}

// refundPayer returns the full held amount to the payer and moves the
// escrow to the terminal status to.
func (s *Service) refundPayer(ctx context.Context, adapter chain.Adapter, rec *Record, to Status, actor string) (*Record, error) {
	from := rec.Status
	ref, err := adapter.Refund(ctx, rec.ID, rec.PayerAddr)
	if err == nil {
		err = s.await(ctx, adapter, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("refund escrow %s: %w", rec.ID, err)
	}
	rec.Fee = new(big.Int)
	rec.NetAmount = new(big.Int).Set(rec.Amount)
	rec.Recipient = rec.PayerAddr
	return s.finish(ctx, rec, from, to, actor, ref)
}

// finish persists a terminal transition after funds moved.
func (s *Service) finish(ctx context.Context, rec *Record, from, to Status, actor string, ref chain.TxRef) (*Record, error) {
	now := s.now()
	rec.Status = to
	rec.ResolutionTx = ref.Hash
	rec.ResolvedAt = &now
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec, from); err != nil {
		// Retry once: funds already moved, so the state change has to land
		if retryErr := s.store.Update(ctx, rec, from); retryErr != nil {
			s.logger.Error("CRITICAL: escrow funds moved but status update failed",
				"escrowId", rec.ID, "chain", rec.Chain, "to", to, "tx", ref.Hash, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund movement (requires manual resolution): %w", err)
		}
	}
	s.emit(ctx, rec, from, actor, ref.Hash, nil)
	metrics.EscrowDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	return rec.Clone(), nil
}

// Dispute moves an active escrow to disputed and starts the dispute timeout.
func (s *Service) Dispute(ctx context.Context, chainName, id, actor, reason string) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	if _, ok := rec.roleOf(actor); !ok {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot dispute %s escrow", ErrInvalidState, rec.Status)
	}
	adapter, err := s.chains.Get(chainName)
	if err != nil {
		return nil, err
	}
	ref, err := adapter.Dispute(ctx, id)
	if err == nil {
		err = s.await(ctx, adapter, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute escrow %s: %w", id, err)
	}

	now := s.now()
	deadline := now.Add(s.cfg.DisputeTimeout)
	rec.Status = StatusDisputed
	rec.DisputeReason = reason
	rec.DisputeDeadline = &deadline
	rec.UpdatedAt = now
	if err := s.store.Update(ctx, rec, StatusActive); err != nil {
		return nil, err
	}
	s.emit(ctx, rec, StatusActive, actor, ref.Hash, map[string]string{"reason": reason})
	return rec.Clone(), nil
}

// Cancel refunds the payer in full. Either party may cancel an active or
// disputed escrow.
func (s *Service) Cancel(ctx context.Context, chainName, id, actor string) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	if _, ok := rec.roleOf(actor); !ok {
		return nil, ErrUnauthorized
	}
	if rec.Status != StatusActive && rec.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot cancel %s escrow", ErrInvalidState, rec.Status)
	}
	adapter, err := s.chains.Get(chainName)
	if err != nil {
		return nil, err
	}
	return s.refundPayer(ctx, adapter, rec, StatusCancelled, actor)
}

// Expire refunds the payer once an active escrow is past ExpiresAt. Any
// caller may trigger it.
func (s *Service) Expire(ctx context.Context, chainName, id, actor string) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot expire %s escrow", ErrInvalidState, rec.Status)
	}
	if !s.now().After(rec.ExpiresAt) {
		return nil, ErrNotYetExpired
	}
	adapter, err := s.chains.Get(chainName)
	if err != nil {
		return nil, err
	}
	return s.refundPayer(ctx, adapter, rec, StatusExpired, actor)
}

// Resolve settles a disputed escrow. Only the escrow's arbiter may call it.
// toMerchant pays amount − fee to the merchant; otherwise the payer gets the
// full amount. Either way the escrow completes.
func (s *Service) Resolve(ctx context.Context, chainName, id, arbiter string, toMerchant bool) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	if rec.ArbiterAddr == "" || !strings.EqualFold(arbiter, rec.ArbiterAddr) {
		return nil, ErrUnauthorized
	}
	return s.resolveLocked(ctx, rec, arbiter, toMerchant)
}

func (s *Service) resolveLocked(ctx context.Context, rec *Record, actor string, toMerchant bool) (*Record, error) {
	if rec.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot resolve %s escrow", ErrInvalidState, rec.Status)
	}
	adapter, err := s.chains.Get(rec.Chain)
	if err != nil {
		return nil, err
	}
	if toMerchant {
		return s.releaseToMerchant(ctx, adapter, rec, actor)
	}
	return s.refundPayer(ctx, adapter, rec, StatusCompleted, actor)
}

// ResolveLapsedDispute refunds the payer of a disputed escrow whose dispute
// deadline passed without an arbiter decision.
func (s *Service) ResolveLapsedDispute(ctx context.Context, chainName, id string) (*Record, error) {
	unlock := s.locks.Lock(syncutil.Key(chainName, id))
	defer unlock()

	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	if rec.DisputeDeadline == nil || !s.now().After(*rec.DisputeDeadline) {
		return nil, ErrNotYetExpired
	}
	return s.resolveLocked(ctx, rec, string(chain.RoleSystem), false)
}

// Get returns an escrow by chain and ID.
func (s *Service) Get(ctx context.Context, chainName, id string) (*Record, error) {
	return s.store.Get(ctx, chainName, id)
}

// List returns escrows matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// Verification compares a record with the chain's view of the escrow.
type Verification struct {
	EscrowID     string   `json:"escrowId"`
	Chain        string   `json:"chain"`
	RecordStatus Status   `json:"recordStatus"`
	ChainStatus  string   `json:"chainStatus"`
	Held         *big.Int `json:"held"`
	Consistent   bool     `json:"consistent"`
	Mismatches   []string `json:"mismatches,omitempty"`
}

// VerifyOnChain reads the escrow from its chain and reports divergences.
func (s *Service) VerifyOnChain(ctx context.Context, chainName, id string) (*Verification, error) {
	rec, err := s.store.Get(ctx, chainName, id)
	if err != nil {
		return nil, err
	}
	adapter, err := s.chains.Get(chainName)
	if err != nil {
		return nil, err
	}
	st, err := adapter.GetState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read escrow %s on %s: %w", id, chainName, err)
	}
	return Compare(rec, st), nil
}

// Compare checks a record against on-chain state. Open escrows must still
// hold the full amount; terminal ones must hold nothing.
func Compare(rec *Record, st *chain.EscrowState) *Verification {
	v := &Verification{
		EscrowID:     rec.ID,
		Chain:        rec.Chain,
		RecordStatus: rec.Status,
		ChainStatus:  st.Status,
		Held:         cloneInt(st.Held),
	}
	if want := expectedChainStatus(rec); want != st.Status {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("status: record %s expects chain %s, chain reports %s", rec.Status, want, st.Status))
	}
	if st.Amount != nil && st.Amount.Cmp(rec.Amount) != 0 {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("amount: record %s, chain %s", rec.Amount, st.Amount))
	}
	wantHeld := new(big.Int)
	if !rec.IsTerminal() {
		wantHeld.Set(rec.Amount)
	}
	if st.Held != nil && st.Held.Cmp(wantHeld) != 0 {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("held: expected %s, chain %s", wantHeld, st.Held))
	}
	if st.Payer != "" && !strings.EqualFold(st.Payer, rec.PayerAddr) {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("payer: record %s, chain %s", rec.PayerAddr, st.Payer))
	}
	if rec.Status == StatusActive {
		if st.PayerConfirmed != rec.PayerConfirmed || st.MerchantConfirmed != rec.MerchantConfirmed {
			v.Mismatches = append(v.Mismatches, "confirmation flags differ")
		}
	}
	v.Consistent = len(v.Mismatches) == 0
	return v
}

func expectedChainStatus(rec *Record) string {
	switch rec.Status {
	case StatusActive:
		return chain.OnChainActive
	case StatusDisputed:
		return chain.OnChainDisputed
	case StatusCompleted:
		if rec.Recipient != "" && strings.EqualFold(rec.Recipient, rec.PayerAddr) {
			return chain.OnChainRefunded
		}
		return chain.OnChainReleased
	default:
		return chain.OnChainRefunded
	}
}

func (s *Service) emit(ctx context.Context, rec *Record, from Status, actor, txHash string, detail map[string]string) {
	ev := events.New(events.KindEscrow, rec.ID, string(from), string(rec.Status), actor)
	ev.Chain = rec.Chain
	ev.TxRef = txHash
	ev.Detail = detail
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish escrow event", "escrowId", rec.ID, "to", rec.Status, "error", err)
	}
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(rec.Chain, fromLabel, string(rec.Status)).Inc()
	s.logger.Info("escrow transition", "escrowId", rec.ID, "chain", rec.Chain, "from", fromLabel, "to", rec.Status, "actor", actor)
}
