// Package settlement turns completed escrows into fiat payouts.
//
// A settlement is queued when an escrow completes in the merchant's favour.
// It waits out a dispute period, then a single execution withdraws the
// crypto, clears compliance, converts at the rate snapshotted at queue time
// and pays the merchant's rail. On-chain bookkeeping runs beside the main
// path and never blocks it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/payout"
)

var (
	ErrNotFound                        = errors.New("settlement not found")
	ErrInvalidState                    = errors.New("invalid settlement status for this operation")
	ErrInvalidRequest                  = errors.New("invalid settlement request")
	ErrInvalidAmount                   = errors.New("invalid settlement amount")
	ErrDuplicate                       = errors.New("settlement already exists")
	ErrEscrowAlreadySettled            = errors.New("escrow already has a settlement")
	ErrEscrowNotSettled                = errors.New("escrow has not completed in the merchant's favour")
	ErrDisputePeriodActive             = errors.New("dispute period has not ended")
	ErrAlreadyProcessing               = errors.New("settlement is already being processed")
	ErrRateUnavailable                 = errors.New("exchange rate unavailable")
	ErrComplianceRefused               = errors.New("compliance gate refused settlement")
	ErrPostWithdrawalComplianceFailure = errors.New("compliance failed after withdrawal, escalated for manual reconciliation")
	ErrConversionMismatch              = errors.New("fiat amount does not match rate snapshot")
	ErrPayoutFailed                    = errors.New("fiat payout failed")
	ErrEscalationNotFound              = errors.New("escalation not found")

	// ErrConflict is returned by Store.Update when the stored status is not
	// one of the expected ones.
	ErrConflict = fmt.Errorf("%w: concurrent status change", ErrInvalidState)
)

// Status is the settlement lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusSettling  Status = "settling"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusReady, StatusSettling, StatusCompleted,
	StatusDisputed, StatusFailed, StatusCancelled,
}

// Failure reasons recorded on failed settlements.
const (
	ReasonWithdrawFailed     = "withdraw_failed"
	ReasonComplianceRefused  = "compliance_refused"
	ReasonConversionMismatch = "conversion_mismatch"
	ReasonPayoutFailed       = "payout_failed"
	ReasonPersistFailed      = "persist_failed"
)

// Stage names one step of an execution.
type Stage string

const (
	StageDisputeGate      Stage = "dispute_gate"
	StageLock             Stage = "lock"
	StageClaim            Stage = "claim"
	StageWithdraw         Stage = "withdraw"
	StageRecordWithdrawal Stage = "record_withdrawal"
	StageCompliance       Stage = "compliance"
	StageConvert          Stage = "convert"
	StagePayout           Stage = "payout"
	StageRecordCompletion Stage = "record_completion"
	StageComplete         Stage = "complete"
)

// StageError reports which step of an execution failed.
type StageError struct {
	Stage        Stage
	SettlementID string
	Err          error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("settlement %s: %s: %v", e.SettlementID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// EscrowRef points at the escrow a settlement pays out.
type EscrowRef struct {
	Chain    string `json:"chain"`
	EscrowID string `json:"escrowId"`
}

// Settlement is one fiat payout of a completed escrow. Crypto amounts are in
// the token's smallest unit.
type Settlement struct {
	ID                 string             `json:"id"`
	Escrow             EscrowRef          `json:"escrow"`
	MerchantID         string             `json:"merchantId"`
	MerchantAddr       string             `json:"merchantAddr"`
	PayerAddr          string             `json:"payerAddr"`
	CryptoAmount       *big.Int           `json:"cryptoAmount"`
	Token              string             `json:"token"`
	TokenDecimals      int                `json:"tokenDecimals"`
	PaymentMethod      payout.Destination `json:"paymentMethod"`
	DisputePeriodEnd   time.Time          `json:"disputePeriodEnd"`
	Status             Status             `json:"status"`
	SettlementFee      *big.Int           `json:"settlementFee"`
	NetAmount          *big.Int           `json:"netAmount"`
	FiatAmount         decimal.Decimal    `json:"fiatAmount"`
	FiatCurrency       string             `json:"fiatCurrency"`
	ExchangeRate       decimal.Decimal    `json:"exchangeRate"`
	RateAsOf           time.Time          `json:"rateAsOf"`
	RateSource         string             `json:"rateSource,omitempty"`
	OnChainRegistered  bool               `json:"onChainRegistered"`
	RegistryTx         string             `json:"registryTx,omitempty"`
	WithdrawTx         string             `json:"withdrawTx,omitempty"`
	WithdrawalRecordTx string             `json:"withdrawalRecordTx,omitempty"`
	CompletionTx       string             `json:"completionTx,omitempty"`
	PayoutRef          string             `json:"payoutRef,omitempty"`
	ProofHash          string             `json:"proofHash,omitempty"`
	FailureReason      string             `json:"failureReason,omitempty"`
	LastError          string             `json:"lastError,omitempty"`
	WithdrawAttempts   int                `json:"withdrawAttempts"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	SettledAt          *time.Time         `json:"settledAt,omitempty"`
}

// IsTerminal reports whether the settlement will not change again without
// operator action.
func (s *Settlement) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusDisputed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (s *Settlement) Clone() *Settlement {
	cp := *s
	cp.CryptoAmount = cloneInt(s.CryptoAmount)
	cp.SettlementFee = cloneInt(s.SettlementFee)
	cp.NetAmount = cloneInt(s.NetAmount)
	if s.SettledAt != nil {
		t := *s.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// AuditOp identifies an on-chain bookkeeping write.
type AuditOp string

const (
	AuditRegister   AuditOp = "register"
	AuditWithdrawal AuditOp = "withdrawal"
	AuditCompletion AuditOp = "completion"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status        Status
	MerchantID    string
	EscrowChain   string
	UpdatedBefore time.Time
	Cursor        *pagination.Cursor
	Limit         int
}

func (f Filter) matches(s *Settlement) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.MerchantID != "" && s.MerchantID != f.MerchantID {
		return false
	}
	if f.EscrowChain != "" && s.Escrow.Chain != f.EscrowChain {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if f.Cursor != nil {
		if s.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if s.CreatedAt.Equal(f.Cursor.CreatedAt) && s.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}

// Stats aggregates the settlement book. Volumes are in smallest token units
// and assume a single settlement token.
type Stats struct {
	Total          int                        `json:"total"`
	ByStatus       map[Status]int             `json:"byStatus"`
	TotalVolume    *big.Int                   `json:"totalVolume"`
	SettledVolume  *big.Int                   `json:"settledVolume"`
	TotalFees      *big.Int                   `json:"totalFees"`
	FiatSettled    map[string]decimal.Decimal `json:"fiatSettled"`
	Unregistered   int                        `json:"unregistered"`
	OpenEscalation int                        `json:"openEscalations"`
}

func newStats() *Stats {
	st := &Stats{
		ByStatus:      make(map[Status]int, len(AllStatuses)),
		TotalVolume:   new(big.Int),
		SettledVolume: new(big.Int),
		TotalFees:     new(big.Int),
		FiatSettled:   make(map[string]decimal.Decimal),
	}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	return st
}

func (st *Stats) add(s *Settlement) {
	st.Total++
	st.ByStatus[s.Status]++
	if s.CryptoAmount != nil {
		st.TotalVolume.Add(st.TotalVolume, s.CryptoAmount)
	}
	if !s.OnChainRegistered {
		st.Unregistered++
	}
	if s.Status != StatusCompleted {
		return
	}
	if s.CryptoAmount != nil {
		st.SettledVolume.Add(st.SettledVolume, s.CryptoAmount)
	}
	if s.SettlementFee != nil {
		st.TotalFees.Add(st.TotalFees, s.SettlementFee)
	}
	st.FiatSettled[s.FiatCurrency] = st.FiatSettled[s.FiatCurrency].Add(s.FiatAmount)
}

// Store persists settlements keyed by ID. An escrow may back at most one
// settlement.
type Store interface {
	// Create returns ErrDuplicate for a known ID and ErrEscrowAlreadySettled
	// when the escrow already backs another settlement.
	Create(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, id string) (*Settlement, error)
	// Update writes s only if the stored status is one of expected;
	// otherwise it returns ErrConflict. On-chain bookkeeping fields are
	// owned by RecordAudit and left untouched.
	Update(ctx context.Context, s *Settlement, expected ...Status) error
	// RecordAudit stores the tx of a completed on-chain bookkeeping write.
	RecordAudit(ctx context.Context, id string, op AuditOp, txRef string) error
	// List returns matches newest first.
	List(ctx context.Context, f Filter) ([]*Settlement, error)
	// ListDue returns pending settlements whose dispute period ended at or
	// before the cutoff.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Settlement, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Chains resolves a chain name to its adapter.
type Chains interface {
	Get(chainName string) (chain.Adapter, error)
}

// EscrowLookup reads escrow records to check that a settlement is backed by
// an escrow released to the merchant.
type EscrowLookup interface {
	Get(ctx context.Context, chainName, id string) (*escrow.Record, error)
}

// QueueRequest asks for a settlement of one escrow. Fields left empty are
// filled from the escrow record when an EscrowLookup is configured.
type QueueRequest struct {
	ID            string
	Escrow        EscrowRef
	MerchantID    string
	MerchantAddr  string
	PayerAddr     string
	Amount        *big.Int
	Token         string
	TokenDecimals int
	PaymentMethod payout.Method
	Actor         string
}

// StageResult is the outcome of one execution step.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Result describes one ExecuteSettlement or RetryPayout run.
type Result struct {
	SettlementID string          `json:"settlementId"`
	Status       Status          `json:"status"`
	WithdrawTx   string          `json:"withdrawTx,omitempty"`
	PayoutRef    string          `json:"payoutRef,omitempty"`
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	FiatCurrency string          `json:"fiatCurrency"`
	ProofHash    string          `json:"proofHash,omitempty"`
	Stages       []StageResult   `json:"stages"`
}

// SweepResult summarizes one ProcessReadySettlements pass.
type SweepResult struct {
	Promoted  int               `json:"promoted"`
	Executed  int               `json:"executed"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}
