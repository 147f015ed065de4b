// Package chain defines the per-network gateway used by escrow, settlement
// and planning code, plus its simulated, EVM and Solana implementations.
//
// Each adapter owns one chain. Callers reach adapters through a Registry,
// which applies per-chain circuit breaking and bounded call timeouts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrChainUnavailable    = errors.New("chain: unavailable")
	ErrUnknownChain        = errors.New("chain: unknown chain")
	ErrInsufficientBalance = errors.New("chain: insufficient balance")
	ErrTimeout             = errors.New("chain: operation timed out")
	ErrEscrowNotFound      = errors.New("chain: escrow not found")
	ErrEscrowExists        = errors.New("chain: escrow already exists")
	ErrEscrowClosed        = errors.New("chain: escrow already closed")
	ErrTxFailed            = errors.New("chain: transaction failed")
	ErrTxNotFound          = errors.New("chain: transaction not found")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrUnsupported         = errors.New("chain: operation not supported")
)

// Role identifies who is acting on an escrow.
type Role string

const (
	RolePayer    Role = "payer"
	RoleMerchant Role = "merchant"
	RoleArbiter  Role = "arbiter"
	RoleSystem   Role = "system"
)

// On-chain escrow statuses as reported by GetState.
const (
	OnChainActive   = "active"
	OnChainDisputed = "disputed"
	OnChainReleased = "released"
	OnChainRefunded = "refunded"
)

// Operation names, used for metrics, breaker keys and failure injection.
const (
	OpDeposit  = "deposit"
	OpConfirm  = "confirm"
	OpDispute  = "dispute"
	OpRelease  = "release"
	OpRefund   = "refund"
	OpWithdraw = "withdraw"
	OpGetState = "get_state"
	OpBalance  = "balance"
	OpWait     = "wait"
	OpGas      = "estimate_gas"
)

// TxRef points at a submitted transaction.
type TxRef struct {
	Chain string `json:"chain"`
	Hash  string `json:"hash"`
	// Replayed is set when an idempotent call found the operation already
	// applied on-chain and submitted nothing new.
	Replayed bool `json:"replayed,omitempty"`
}

func (r TxRef) String() string { return r.Chain + ":" + r.Hash }

// Receipt is a mined transaction.
type Receipt struct {
	TxRef       TxRef  `json:"txRef"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// DepositParams funds a new escrow.
type DepositParams struct {
	EscrowID  string
	Payer     string
	Merchant  string
	Amount    *big.Int
	ExpiresAt time.Time
}

// ReleaseParams pays out a held escrow: Net to Recipient, Fee to FeeRecipient.
type ReleaseParams struct {
	EscrowID     string
	Recipient    string
	Net          *big.Int
	Fee          *big.Int
	FeeRecipient string
}

// WithdrawParams moves released merchant funds off-chain-bound. Reference is
// the idempotency key: a second withdrawal with the same reference must not
// move funds again.
type WithdrawParams struct {
	Reference string
	EscrowID  string
	From      string
	Amount    *big.Int
}

// EscrowState is the chain's view of one escrow.
type EscrowState struct {
	EscrowID          string   `json:"escrowId"`
	Status            string   `json:"status"`
	Amount            *big.Int `json:"amount"`
	Held              *big.Int `json:"held"`
	Payer             string   `json:"payer"`
	Merchant          string   `json:"merchant"`
	PayerConfirmed    bool     `json:"payerConfirmed"`
	MerchantConfirmed bool     `json:"merchantConfirmed"`
}

// GasQuote prices one deposit call in the chain's native token.
type GasQuote struct {
	Chain          string   `json:"chain"`
	Units          uint64   `json:"units"`
	PricePerUnit   *big.Int `json:"pricePerUnit"`
	NativeSymbol   string   `json:"nativeSymbol"`
	NativeDecimals int      `json:"nativeDecimals"`
}

// Cost returns Units * PricePerUnit in the native token's smallest unit.
func (q GasQuote) Cost() *big.Int {
	if q.PricePerUnit == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(q.Units), q.PricePerUnit)
}

// BalanceReader reads token balances. Planner wallet discovery only needs this.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner string) (*big.Int, error)
}

// Adapter is the per-network gateway. Implementations must be safe for
// concurrent use.
type Adapter interface {
	BalanceReader

	Chain() string
	Deposit(ctx context.Context, p DepositParams) (TxRef, error)
	Confirm(ctx context.Context, escrowID string, role Role) (TxRef, error)
	Dispute(ctx context.Context, escrowID string) (TxRef, error)
	Release(ctx context.Context, p ReleaseParams) (TxRef, error)
	Refund(ctx context.Context, escrowID, to string) (TxRef, error)
	Withdraw(ctx context.Context, p WithdrawParams) (TxRef, error)
	GetState(ctx context.Context, escrowID string) (*EscrowState, error)
	WaitForConfirmation(ctx context.Context, ref TxRef, confirmations uint64) (*Receipt, error)
	EstimateDepositGas(ctx context.Context) (GasQuote, error)
}

// Pinger is implemented by adapters that can cheaply check RPC reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpError wraps an adapter failure with the chain and operation.
type OpError struct {
	Chain string
	Op    string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("chain %s: %s: %v", e.Chain, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsBusinessError reports whether err is a deterministic rejection (bad
// input, wrong state, not enough funds) rather than an infrastructure fault.
// Business errors never trip a chain's circuit breaker and are not retried.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance, ErrEscrowNotFound, ErrEscrowExists,
		ErrEscrowClosed, ErrInvalidAddress, ErrInvalidAmount, ErrUnsupported, ErrTxFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether a failed call may succeed if repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChainUnavailable) || errors.Is(err, ErrTimeout) {
		return true
	}
	return !IsBusinessError(err) && !errors.Is(err, context.Canceled)
}
