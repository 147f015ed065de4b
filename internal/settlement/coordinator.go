package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/compliance"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/idgen"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/payout"
	"github.com/chainsettle/chainsettle/internal/rates"
	"github.com/chainsettle/chainsettle/internal/retry"
	"github.com/chainsettle/chainsettle/internal/traces"
	"github.com/chainsettle/chainsettle/internal/units"
)

const (
	DefaultSettlementFeeBps    = 50
	DefaultDisputePeriod       = 72 * time.Hour
	DefaultMaxWithdrawAttempts = 3
	DefaultCallTimeout         = 30 * time.Second
	DefaultSweepBatch          = 100

	systemActor = "system"
)

// Config holds settlement economics and execution limits.
type Config struct {
	SettlementFeeBps    int64
	DisputePeriod       time.Duration
	AutoSettle          bool
	MaxWithdrawAttempts int
	// Confirmations a withdrawal needs before the fiat leg starts.
	Confirmations uint64
	PayoutRetry   retry.Policy
	// CallTimeout bounds each chain, oracle, gate and gateway call.
	CallTimeout time.Duration
	SweepBatch  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SettlementFeeBps:    DefaultSettlementFeeBps,
		DisputePeriod:       DefaultDisputePeriod,
		AutoSettle:          true,
		MaxWithdrawAttempts: DefaultMaxWithdrawAttempts,
		Confirmations:       1,
		PayoutRetry:         retry.Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		CallTimeout:         DefaultCallTimeout,
		SweepBatch:          DefaultSweepBatch,
	}
}

// Coordinator queues settlements and drives them from withdrawal to payout.
type Coordinator struct {
	store       Store
	chains      Chains
	oracle      rates.Oracle
	gate        compliance.Gate
	gateway     payout.Gateway
	escrows     EscrowLookup
	audit       *AuditTrail
	locker      Locker
	escalations EscalationQueue
	events      events.Publisher
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator creates a coordinator. Zero Config fields take defaults;
// AutoSettle is taken as given.
func NewCoordinator(store Store, chains Chains, oracle rates.Oracle, gate compliance.Gate, gateway payout.Gateway, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.DisputePeriod <= 0 {
		cfg.DisputePeriod = def.DisputePeriod
	}
	if cfg.MaxWithdrawAttempts <= 0 {
		cfg.MaxWithdrawAttempts = def.MaxWithdrawAttempts
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = def.Confirmations
	}
	if cfg.PayoutRetry.MaxAttempts <= 0 {
		cfg.PayoutRetry = def.PayoutRetry
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       store,
		chains:      chains,
		oracle:      oracle,
		gate:        gate,
		gateway:     gateway,
		locker:      NewLocalLocker(),
		escalations: NewMemoryEscalations(),
		events:      events.Nop{},
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// WithEscrows enables the check that each queued settlement is backed by an
// escrow released to the merchant.
func (c *Coordinator) WithEscrows(l EscrowLookup) *Coordinator {
	c.escrows = l
	return c
}

// WithAuditTrail enables on-chain bookkeeping.
func (c *Coordinator) WithAuditTrail(a *AuditTrail) *Coordinator {
	c.audit = a
	return c
}

// WithLocker replaces the in-process execution lock.
func (c *Coordinator) WithLocker(l Locker) *Coordinator {
	c.locker = l
	return c
}

// WithEscalations replaces the in-memory escalation queue.
func (c *Coordinator) WithEscalations(q EscalationQueue) *Coordinator {
	c.escalations = q
	return c
}

// WithEvents sets the audit event sink.
func (c *Coordinator) WithEvents(p events.Publisher) *Coordinator {
	c.events = p
	return c
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// deriveFiat is round2(net in whole tokens × rate).
func deriveFiat(net *big.Int, decimals int, rate decimal.Decimal) decimal.Decimal {
	return units.ToDecimal(net, decimals).Mul(rate).Round(2)
}

// RecomputeFiat re-derives the fiat amount from the stored rate snapshot.
// It always equals FiatAmount for a settlement created by QueueSettlement.
func (s *Settlement) RecomputeFiat() decimal.Decimal {
	if s.NetAmount == nil {
		return decimal.Zero
	}
	return deriveFiat(s.NetAmount, s.TokenDecimals, s.ExchangeRate)
}

// QueueSettlement snapshots fee, rate and fiat amount and persists a pending
// settlement. Queueing an ID that already exists returns the stored record.
func (c *Coordinator) QueueSettlement(ctx context.Context, req QueueRequest) (*Settlement, error) {
	if req.ID != "" {
		existing, err := c.store.Get(ctx, req.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if req.Escrow.Chain == "" || req.Escrow.EscrowID == "" {
		return nil, fmt.Errorf("%w: escrow chain and id are required", ErrInvalidRequest)
	}
	if c.escrows != nil {
		if err := c.fillFromEscrow(ctx, &req); err != nil {
			return nil, err
		}
	}
	if req.PaymentMethod == nil {
		return nil, fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}
	if err := req.PaymentMethod.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.MerchantID == "" || req.MerchantAddr == "" {
		return nil, fmt.Errorf("%w: merchant id and address are required", ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Token == "" {
		req.Token = "USDC"
	}
	if req.TokenDecimals <= 0 {
		req.TokenDecimals = units.USDCDecimals
	}

	id := req.ID
	if id == "" {
		id = idgen.Settlement()
	}
	ctx, span := traces.StartSpan(ctx, "settlement.Queue", traces.SettlementID(id), traces.Chain(req.Escrow.Chain), traces.Amount(req.Amount.String()))
	defer span.End()

	fee, net := units.SplitFee(req.Amount, c.cfg.SettlementFeeBps)
	if net.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount does not cover the settlement fee", ErrInvalidAmount)
	}
	currency := req.PaymentMethod.Currency()
	quote, err := c.rate(ctx, req.Token, currency)
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("%w: %s: %w", ErrRateUnavailable, rates.Pair(req.Token, currency), err)
	}
	fiat := deriveFiat(net, req.TokenDecimals, quote.Rate)
	if !fiat.IsPositive() {
		return nil, fmt.Errorf("%w: converts to zero %s", ErrInvalidAmount, currency)
	}

	now := c.now()
	s := &Settlement{
		ID:               id,
		Escrow:           req.Escrow,
		MerchantID:       req.MerchantID,
		MerchantAddr:     req.MerchantAddr,
		PayerAddr:        req.PayerAddr,
		CryptoAmount:     new(big.Int).Set(req.Amount),
		Token:            strings.ToUpper(req.Token),
		TokenDecimals:    req.TokenDecimals,
		PaymentMethod:    payout.Destination{Method: req.PaymentMethod},
		DisputePeriodEnd: now.Add(c.cfg.DisputePeriod),
		Status:           StatusPending,
		SettlementFee:    fee,
		NetAmount:        net,
		FiatAmount:       fiat,
		FiatCurrency:     currency,
		ExchangeRate:     quote.Rate,
		RateAsOf:         quote.AsOf,
		RateSource:       quote.Source,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicate) {
			if existing, gerr := c.store.Get(ctx, id); gerr == nil {
				return existing, nil
			}
		}
		traces.End(span, err)
		return nil, err
	}

	actor := req.Actor
	if actor == "" {
		actor = req.MerchantAddr
	}
	c.emit(ctx, s, "", actor, "", map[string]string{
		"fiat":   fiat.StringFixed(2) + " " + currency,
		"rate":   quote.Rate.String(),
		"escrow": s.Escrow.Chain + ":" + s.Escrow.EscrowID,
	})
	if c.audit != nil {
		c.audit.Register(RegistryEntry{
			SettlementID:  s.ID,
			Escrow:        s.Escrow,
			CryptoAmount:  s.CryptoAmount,
			Fee:           s.SettlementFee,
			FiatAmount:    s.FiatAmount,
			FiatCurrency:  s.FiatCurrency,
			Rail:          string(req.PaymentMethod.Rail()),
			DisputePeriod: c.cfg.DisputePeriod,
		})
	}
	return s.Clone(), nil
}

func (c *Coordinator) fillFromEscrow(ctx context.Context, req *QueueRequest) error {
	rec, err := c.escrows.Get(ctx, req.Escrow.Chain, req.Escrow.EscrowID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return fmt.Errorf("%w: escrow %s not found on %s", ErrEscrowNotSettled, req.Escrow.EscrowID, req.Escrow.Chain)
	}
	if err != nil {
		return err
	}
	if rec.Status != escrow.StatusCompleted || !strings.EqualFold(rec.Recipient, rec.MerchantAddr) {
		return fmt.Errorf("%w: escrow is %s", ErrEscrowNotSettled, rec.Status)
	}
	if req.MerchantAddr != "" && !strings.EqualFold(req.MerchantAddr, rec.MerchantAddr) {
		return fmt.Errorf("%w: merchant address does not match escrow", ErrInvalidRequest)
	}
	if req.MerchantID != "" && rec.MerchantID != "" && req.MerchantID != rec.MerchantID {
		return fmt.Errorf("%w: merchant id does not match escrow", ErrInvalidRequest)
	}
	if req.Amount != nil && rec.NetAmount != nil && req.Amount.Cmp(rec.NetAmount) > 0 {
		return fmt.Errorf("%w: exceeds the %s released by the escrow", ErrInvalidAmount, rec.NetAmount)
	}

	req.MerchantAddr = rec.MerchantAddr
	if req.MerchantID == "" {
		req.MerchantID = rec.MerchantID
	}
	if req.PayerAddr == "" {
		req.PayerAddr = rec.PayerAddr
	}
	if req.Token == "" {
		req.Token = rec.Token
	}
	if req.Amount == nil && rec.NetAmount != nil {
		req.Amount = new(big.Int).Set(rec.NetAmount)
	}
	return nil
}

func (c *Coordinator) rate(ctx context.Context, token, fiat string) (rates.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	q, err := c.oracle.Rate(ctx, token, fiat)
	if err != nil {
		return q, err
	}
	if !q.Rate.IsPositive() {
		return q, rates.ErrBadRate
	}
	return q, nil
}

// execution carries one run of the settlement pipeline.
type execution struct {
	c     *Coordinator
	s     *Settlement
	res   *Result
	actor string
}

func (c *Coordinator) newExecution(s *Settlement, actor string) *execution {
	return &execution{
		c:     c,
		s:     s,
		actor: actor,
		res: &Result{
			SettlementID: s.ID,
			Status:       s.Status,
			FiatAmount:   s.FiatAmount,
			FiatCurrency: s.FiatCurrency,
		},
	}
}

// step runs one stage and records its outcome. A failed stage is returned
// as a *StageError.
func (e *execution) step(ctx context.Context, stage Stage, fn func(context.Context) (string, error)) error {
	ctx, span := traces.StartSpan(ctx, "settlement."+string(stage), traces.SettlementID(e.s.ID), traces.Stage(string(stage)))
	start := time.Now()
	detail, err := fn(ctx)
	traces.End(span, err)

	sr := StageResult{Stage: stage, OK: err == nil, Detail: detail, Duration: time.Since(start)}
	if err != nil {
		sr.Error = err.Error()
	}
	e.res.Stages = append(e.res.Stages, sr)
	e.sync()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrDisputePeriodActive) && !errors.Is(err, ErrAlreadyProcessing) {
		metrics.SettlementStageFailures.WithLabelValues(string(stage)).Inc()
	}
	return &StageError{Stage: stage, SettlementID: e.s.ID, Err: err}
}

func (e *execution) skip(stage Stage, detail string) {
	e.res.Stages = append(e.res.Stages, StageResult{Stage: stage, OK: true, Skipped: true, Detail: detail})
}

func (e *execution) sync() {
	e.res.Status = e.s.Status
	e.res.WithdrawTx = e.s.WithdrawTx
	e.res.PayoutRef = e.s.PayoutRef
	e.res.ProofHash = e.s.ProofHash
}

// ExecuteSettlement runs withdrawal, compliance, conversion and payout for
// one settlement whose dispute period has ended. The Result is returned
// whenever the settlement exists, including on failure, and lists every
// stage that ran.
//
// Once the settlement is claimed the run ignores cancellation of ctx and
// always ends in completed, failed, or ready after a failed withdrawal.
func (c *Coordinator) ExecuteSettlement(ctx context.Context, id string) (*Result, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ex := c.newExecution(s, systemActor)

	switch s.Status {
	case StatusPending, StatusReady:
	case StatusSettling:
		return ex.res, &StageError{Stage: StageClaim, SettlementID: id, Err: ErrAlreadyProcessing}
	case StatusCompleted, StatusFailed:
		// another run got here first and already finished
		return ex.res, &StageError{Stage: StageClaim, SettlementID: id,
			Err: fmt.Errorf("%w: %w: settlement is %s", ErrAlreadyProcessing, ErrInvalidState, s.Status)}
	default:
		return ex.res, &StageError{Stage: StageClaim, SettlementID: id,
			Err: fmt.Errorf("%w: cannot execute %s settlement", ErrInvalidState, s.Status)}
	}

	err = ex.step(ctx, StageDisputeGate, func(context.Context) (string, error) {
		if c.now().Before(s.DisputePeriodEnd) {
			return "", fmt.Errorf("%w: ends at %s", ErrDisputePeriodActive, s.DisputePeriodEnd.UTC().Format(time.RFC3339))
		}
		return "elapsed", nil
	})
	if err != nil {
		return ex.res, err
	}

	unlock, err := ex.lock(ctx)
	if err != nil {
		return ex.res, err
	}
	defer unlock()

	from := s.Status
	err = ex.step(ctx, StageClaim, func(ctx context.Context) (string, error) {
		return c.claim(ctx, s, []Status{StatusPending, StatusReady})
	})
	if err != nil {
		return ex.res, err
	}
	c.emit(ctx, s, from, ex.actor, "", nil)

	runCtx := context.WithoutCancel(ctx)
	if err := ex.withdrawStages(runCtx); err != nil {
		return ex.res, err
	}
	err = ex.step(runCtx, StageCompliance, func(ctx context.Context) (string, error) {
		return c.checkCompliance(ctx, s)
	})
	if err != nil {
		return ex.res, err
	}
	return ex.res, ex.payoutStages(runCtx)
}

// RetryPayout re-runs conversion, payout and completion for a settlement
// that failed at payout after its withdrawal went through. The settlement ID
// remains the payout idempotency key, so a provider that already paid
// returns the original transfer.
func (c *Coordinator) RetryPayout(ctx context.Context, id, actor string) (*Result, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ex := c.newExecution(s, actor)
	if s.Status != StatusFailed || s.FailureReason != ReasonPayoutFailed || s.WithdrawTx == "" {
		return ex.res, &StageError{Stage: StageClaim, SettlementID: id,
			Err: fmt.Errorf("%w: only settlements that failed at payout after withdrawal can be retried", ErrInvalidState)}
	}

	unlock, err := ex.lock(ctx)
	if err != nil {
		return ex.res, err
	}
	defer unlock()

	err = ex.step(ctx, StageClaim, func(ctx context.Context) (string, error) {
		s.FailureReason = ""
		s.LastError = ""
		return c.claim(ctx, s, []Status{StatusFailed})
	})
	if err != nil {
		return ex.res, err
	}
	c.emit(ctx, s, StatusFailed, actor, "", map[string]string{"retry": "payout"})

	ex.skip(StageWithdraw, s.WithdrawTx)
	ex.skip(StageCompliance, "cleared in the original run")
	return ex.res, ex.payoutStages(context.WithoutCancel(ctx))
}

func (e *execution) lock(ctx context.Context) (func(), error) {
	unlock := func() {}
	err := e.step(ctx, StageLock, func(ctx context.Context) (string, error) {
		u, ok, err := e.c.locker.TryLock(ctx, e.s.ID)
		if err != nil {
			e.c.logger.Warn("settlement lock unavailable, relying on status compare-and-set",
				"settlementId", e.s.ID, "error", err)
			return "degraded", nil
		}
		if !ok {
			return "", ErrAlreadyProcessing
		}
		unlock = u
		return "held", nil
	})
	return unlock, err
}

// claim moves s to settling if its stored status is one of from.
func (c *Coordinator) claim(ctx context.Context, s *Settlement, from []Status) (string, error) {
	prev := s.Status
	s.Status = StatusSettling
	s.UpdatedAt = c.now()
	err := c.store.Update(ctx, s, from...)
	if err == nil {
		return string(prev) + " -> settling", nil
	}
	s.Status = prev
	if !errors.Is(err, ErrConflict) {
		return "", err
	}
	cur, gerr := c.store.Get(ctx, s.ID)
	if gerr != nil {
		return "", err
	}
	switch cur.Status {
	case StatusSettling:
		return "", ErrAlreadyProcessing
	case StatusCompleted, StatusFailed:
		return "", fmt.Errorf("%w: %w: settlement is now %s", ErrAlreadyProcessing, ErrInvalidState, cur.Status)
	}
	return "", fmt.Errorf("%w: settlement is now %s", ErrInvalidState, cur.Status)
}

func (e *execution) withdrawStages(ctx context.Context) error {
	s := e.s
	if s.WithdrawTx != "" {
		e.skip(StageWithdraw, s.WithdrawTx)
		return nil
	}
	if err := e.step(ctx, StageWithdraw, func(ctx context.Context) (string, error) {
		return e.c.withdraw(ctx, s)
	}); err != nil {
		return err
	}
	return e.step(ctx, StageRecordWithdrawal, func(context.Context) (string, error) {
		if e.c.audit == nil {
			return "local only", nil
		}
		if !e.c.audit.RecordWithdrawal(s.ID, s.WithdrawTx) {
			return "dropped", nil
		}
		return "queued", nil
	})
}

func (e *execution) payoutStages(ctx context.Context) error {
	s := e.s
	if err := e.step(ctx, StageConvert, func(ctx context.Context) (string, error) {
		return e.c.convert(ctx, s)
	}); err != nil {
		return err
	}
	if err := e.step(ctx, StagePayout, func(ctx context.Context) (string, error) {
		return e.c.pay(ctx, s)
	}); err != nil {
		return err
	}
	proof := proofHash(s)
	s.ProofHash = proof.Hex()
	if err := e.step(ctx, StageRecordCompletion, func(context.Context) (string, error) {
		if e.c.audit == nil {
			return "local only", nil
		}
		if !e.c.audit.RecordCompletion(s.ID, s.PayoutRef, proof) {
			return "dropped", nil
		}
		return "queued", nil
	}); err != nil {
		return err
	}
	return e.step(ctx, StageComplete, func(ctx context.Context) (string, error) {
		return e.c.complete(ctx, s, e.actor)
	})
}

// replayedWithdrawal marks a withdrawal the chain reported as already
// applied without naming its transaction.
const replayedWithdrawal = "replayed:"

// withdraw moves the crypto off the merchant's escrow payout and waits for
// the transaction to confirm. The adapter dedupes on the settlement ID, so
// an attempt whose confirmation timed out but landed is replayed next time.
func (c *Coordinator) withdraw(ctx context.Context, s *Settlement) (string, error) {
	adapter, err := c.chains.Get(s.Escrow.Chain)
	var ref chain.TxRef
	if err == nil {
		ref, err = c.submitWithdrawal(ctx, adapter, s)
	}
	if err != nil {
		s.WithdrawAttempts++
		s.LastError = err.Error()
		s.UpdatedAt = c.now()
		s.Status = StatusReady
		if s.WithdrawAttempts >= c.cfg.MaxWithdrawAttempts {
			s.Status = StatusFailed
			s.FailureReason = ReasonWithdrawFailed
		}
		if uerr := c.store.Update(ctx, s, StatusSettling); uerr != nil {
			c.logger.Error("failed to record withdrawal failure", "settlementId", s.ID, "error", uerr)
		}
		c.emit(ctx, s, StatusSettling, systemActor, "", map[string]string{
			"attempt": fmt.Sprint(s.WithdrawAttempts),
			"error":   err.Error(),
		})
		return "", fmt.Errorf("withdraw attempt %d of %d: %w", s.WithdrawAttempts, c.cfg.MaxWithdrawAttempts, err)
	}

	s.WithdrawTx = ref.Hash
	if s.WithdrawTx == "" {
		s.WithdrawTx = replayedWithdrawal + s.ID
	}
	s.UpdatedAt = c.now()
	if err := c.store.Update(ctx, s, StatusSettling); err != nil {
		// funds moved; the completion write persists WithdrawTx again
		c.logger.Error("withdrawal succeeded but was not persisted",
			"settlementId", s.ID, "withdrawTx", ref.Hash, "error", err)
	}
	if ref.Replayed {
		return s.WithdrawTx + " (replayed)", nil
	}
	return ref.Hash, nil
}

func (c *Coordinator) submitWithdrawal(ctx context.Context, adapter chain.Adapter, s *Settlement) (chain.TxRef, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	ref, err := adapter.Withdraw(callCtx, chain.WithdrawParams{
		Reference: s.ID,
		EscrowID:  s.Escrow.EscrowID,
		From:      s.MerchantAddr,
		Amount:    s.CryptoAmount,
	})
	if err != nil {
		return ref, err
	}
	if ref.Replayed && ref.Hash == "" {
		return ref, nil
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancelWait()
	if _, err := adapter.WaitForConfirmation(waitCtx, ref, c.cfg.Confirmations); err != nil {
		return ref, fmt.Errorf("withdrawal %s not confirmed: %w", ref.Hash, err)
	}
	return ref, nil
}

func (c *Coordinator) checkCompliance(ctx context.Context, s *Settlement) (string, error) {
	cleared, err := c.cleared(ctx, s)
	if err == nil && cleared {
		return "cleared", nil
	}
	cause := ErrComplianceRefused
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrComplianceRefused, err)
	}
	failErr := fmt.Errorf("%w: %w", ErrPostWithdrawalComplianceFailure, cause)
	c.fail(ctx, s, StageCompliance, ReasonComplianceRefused, failErr)
	return "", failErr
}

func (c *Coordinator) cleared(ctx context.Context, s *Settlement) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	ok, err := c.gate.IsClearedToSettle(ctx, s.PayerAddr, s.MerchantID)
	if err != nil || !ok {
		return false, err
	}
	if ag, isAmount := c.gate.(compliance.AmountGate); isAmount {
		return ag.CheckAmount(ctx, s.MerchantID, s.CryptoAmount)
	}
	return true, nil
}

// convert checks the stored fiat amount against the snapshot. The live rate
// only feeds the drift histogram.
func (c *Coordinator) convert(ctx context.Context, s *Settlement) (string, error) {
	derived := s.RecomputeFiat()
	if !derived.Equal(s.FiatAmount) {
		failErr := fmt.Errorf("%w: stored %s, derived %s", ErrConversionMismatch, s.FiatAmount.StringFixed(2), derived.StringFixed(2))
		c.fail(ctx, s, StageConvert, ReasonConversionMismatch, failErr)
		return "", failErr
	}
	if q, err := c.rate(ctx, s.Token, s.FiatCurrency); err == nil && s.ExchangeRate.IsPositive() {
		drift, _ := q.Rate.Sub(s.ExchangeRate).Abs().Div(s.ExchangeRate).Float64()
		metrics.RateDrift.WithLabelValues(rates.Pair(s.Token, s.FiatCurrency)).Observe(drift)
	}
	return derived.StringFixed(2) + " " + s.FiatCurrency, nil
}

func (c *Coordinator) pay(ctx context.Context, s *Settlement) (string, error) {
	method := s.PaymentMethod.Method
	if method == nil {
		failErr := fmt.Errorf("%w: %w", ErrPayoutFailed, payout.ErrInvalidMethod)
		c.fail(ctx, s, StagePayout, ReasonPayoutFailed, failErr)
		return "", failErr
	}
	rail := string(method.Rail())
	req := payout.Request{
		IdempotencyKey: s.ID,
		Method:         method,
		Amount:         s.FiatAmount,
		Currency:       s.FiatCurrency,
		Reference:      s.ID,
	}

	var receipt *payout.Receipt
	err := c.cfg.PayoutRetry.Do(ctx, func(attempt int) error {
		ctx, span := traces.StartSpan(ctx, "payout.attempt", traces.SettlementID(s.ID), traces.Rail(rail))
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		r, err := c.gateway.Payout(callCtx, req)
		traces.End(span, err)
		if err != nil {
			metrics.PayoutAttempts.WithLabelValues(rail, "error").Inc()
			c.logger.Warn("payout attempt failed", "settlementId", s.ID, "rail", rail, "attempt", attempt, "error", err)
			if !payout.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		metrics.PayoutAttempts.WithLabelValues(rail, "ok").Inc()
		receipt = r
		return nil
	})
	if err != nil {
		failErr := fmt.Errorf("%w: %w", ErrPayoutFailed, err)
		c.fail(ctx, s, StagePayout, ReasonPayoutFailed, failErr)
		return "", failErr
	}

	s.PayoutRef = receipt.PayoutRef
	s.UpdatedAt = c.now()
	if err := c.store.Update(ctx, s, StatusSettling); err != nil {
		c.logger.Error("payout succeeded but was not persisted",
			"settlementId", s.ID, "payoutRef", receipt.PayoutRef, "error", err)
	}
	return receipt.PayoutRef, nil
}

func (c *Coordinator) complete(ctx context.Context, s *Settlement, actor string) (string, error) {
	now := c.now()
	s.Status = StatusCompleted
	s.SettledAt = &now
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s, StatusSettling); err != nil {
		// Retry once, the merchant has been paid
		if retryErr := c.store.Update(ctx, s, StatusSettling); retryErr != nil {
			c.logger.Error("CRITICAL: settlement paid but completion was not persisted",
				"settlementId", s.ID, "withdrawTx", s.WithdrawTx, "payoutRef", s.PayoutRef, "error", retryErr)
			c.escalate(ctx, s, StageComplete, ReasonPersistFailed, retryErr)
			return "", fmt.Errorf("settlement paid but completion was not persisted (requires manual resolution): %w", err)
		}
	}
	c.emit(ctx, s, StatusSettling, actor, s.WithdrawTx, map[string]string{
		"payoutRef": s.PayoutRef,
		"proofHash": s.ProofHash,
	})
	metrics.SettlementDuration.Observe(now.Sub(s.CreatedAt).Seconds())
	return s.PayoutRef, nil
}

// fail moves a settling settlement to failed after its withdrawal went
// through and pushes it to the operator queue.
func (c *Coordinator) fail(ctx context.Context, s *Settlement, stage Stage, reason string, cause error) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.LastError = cause.Error()
	s.UpdatedAt = c.now()
	if err := c.store.Update(ctx, s, StatusSettling); err != nil {
		if retryErr := c.store.Update(ctx, s, StatusSettling); retryErr != nil {
			c.logger.Error("CRITICAL: settlement failure was not persisted",
				"settlementId", s.ID, "stage", stage, "reason", reason, "error", retryErr)
		}
	}
	c.emit(ctx, s, StatusSettling, systemActor, s.WithdrawTx, map[string]string{"reason": reason, "stage": string(stage)})
	c.escalate(ctx, s, stage, reason, cause)
}

func (c *Coordinator) escalate(ctx context.Context, s *Settlement, stage Stage, reason string, cause error) {
	e := &Escalation{
		ID:           idgen.New(),
		SettlementID: s.ID,
		Stage:        stage,
		Reason:       reason,
		Detail:       cause.Error(),
		WithdrawTx:   s.WithdrawTx,
		CreatedAt:    c.now(),
	}
	metrics.SettlementEscalations.WithLabelValues(reason).Inc()
	c.logger.Error("settlement escalated for manual reconciliation",
		"settlementId", s.ID, "stage", stage, "reason", reason, "withdrawTx", s.WithdrawTx, "error", cause)
	if err := c.escalations.Push(ctx, e); err != nil {
		c.logger.Error("CRITICAL: failed to push settlement escalation",
			"settlementId", s.ID, "reason", reason, "error", err)
	}
}

// proofHash commits to the settlement's crypto and fiat legs.
func proofHash(s *Settlement) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.Join([]string{
		s.ID, s.WithdrawTx, s.PayoutRef, s.FiatAmount.StringFixed(2), s.FiatCurrency,
	}, "|")))
}

// ProcessReadySettlements promotes pending settlements whose dispute period
// has ended to ready and, with AutoSettle, executes every ready settlement.
// One failure never stops the sweep.
func (c *Coordinator) ProcessReadySettlements(ctx context.Context) (*SweepResult, error) {
	out := &SweepResult{Errors: make(map[string]string)}
	now := c.now()

	due, err := c.store.ListDue(ctx, now, c.cfg.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list due settlements: %w", err)
	}
	for _, s := range due {
		s.Status = StatusReady
		s.UpdatedAt = now
		if err := c.store.Update(ctx, s, StatusPending); err != nil {
			if !errors.Is(err, ErrConflict) {
				out.Errors[s.ID] = err.Error()
			}
			continue
		}
		out.Promoted++
		c.emit(ctx, s, StatusPending, systemActor, "", nil)
	}

	if !c.cfg.AutoSettle {
		return out, nil
	}
	ready, err := c.store.List(ctx, Filter{Status: StatusReady, Limit: c.cfg.SweepBatch})
	if err != nil {
		return out, fmt.Errorf("list ready settlements: %w", err)
	}
	for _, s := range ready {
		if ctx.Err() != nil {
			break
		}
		out.Executed++
		if _, err := c.ExecuteSettlement(ctx, s.ID); err != nil {
			out.Failed++
			out.Errors[s.ID] = err.Error()
			c.logger.Warn("settlement execution failed", "settlementId", s.ID, "error", err)
			continue
		}
		out.Succeeded++
	}
	return out, nil
}

// CancelSettlement stops a settlement before execution starts.
func (c *Coordinator) CancelSettlement(ctx context.Context, id, actor string) (*Settlement, error) {
	return c.halt(ctx, id, actor, StatusCancelled, "")
}

// DisputeSettlement holds a settlement that has not started executing. A
// disputed settlement is never executed.
func (c *Coordinator) DisputeSettlement(ctx context.Context, id, actor, reason string) (*Settlement, error) {
	return c.halt(ctx, id, actor, StatusDisputed, reason)
}

func (c *Coordinator) halt(ctx context.Context, id, actor string, to Status, reason string) (*Settlement, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := s.Status
	if from != StatusPending && from != StatusReady {
		return nil, fmt.Errorf("%w: cannot move %s settlement to %s", ErrInvalidState, from, to)
	}
	s.Status = to
	s.LastError = reason
	s.UpdatedAt = c.now()
	if err := c.store.Update(ctx, s, StatusPending, StatusReady); err != nil {
		return nil, err
	}
	var detail map[string]string
	if reason != "" {
		detail = map[string]string{"reason": reason}
	}
	c.emit(ctx, s, from, actor, "", detail)
	return s.Clone(), nil
}

// GetSettlement returns one settlement.
func (c *Coordinator) GetSettlement(ctx context.Context, id string) (*Settlement, error) {
	return c.store.Get(ctx, id)
}

// ListSettlements returns matching settlements, newest first.
func (c *Coordinator) ListSettlements(ctx context.Context, f Filter) ([]*Settlement, error) {
	return c.store.List(ctx, f)
}

// GetSettlementStats aggregates the settlement book and the open escalation
// count. It never mutates state.
func (c *Coordinator) GetSettlementStats(ctx context.Context) (*Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	n, err := c.escalations.CountOpen(ctx)
	if err != nil {
		return nil, err
	}
	st.OpenEscalation = n
	return st, nil
}

// ListEscalations returns the operator queue, oldest first.
func (c *Coordinator) ListEscalations(ctx context.Context, includeResolved bool) ([]*Escalation, error) {
	return c.escalations.List(ctx, includeResolved)
}

// ResolveEscalation closes an escalation after manual reconciliation.
func (c *Coordinator) ResolveEscalation(ctx context.Context, id, actor string) error {
	return c.escalations.Resolve(ctx, id, actor, c.now())
}

func (c *Coordinator) emit(ctx context.Context, s *Settlement, from Status, actor, txHash string, detail map[string]string) {
	ev := events.New(events.KindSettlement, s.ID, string(from), string(s.Status), actor)
	ev.Chain = s.Escrow.Chain
	ev.TxRef = txHash
	ev.Detail = make(map[string]string, len(detail)+1)
	maps.Copy(ev.Detail, detail)
	ev.Detail["merchantId"] = s.MerchantID
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to publish settlement event", "settlementId", s.ID, "to", s.Status, "error", err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(s.Status)).Inc()
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	c.logger.Info("settlement transition", "settlementId", s.ID, "from", fromLabel, "to", s.Status, "actor", actor)
}
