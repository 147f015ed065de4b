package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaLamportsPerSignature is the base fee of one signature.
const SolanaLamportsPerSignature = 5000

// SolanaAdapter reads SPL token balances from a Solana cluster. The escrow
// program client is not wired, so fund-moving operations return
// ErrUnsupported; Solana wallets still take part in discovery and gas
// estimation.
type SolanaAdapter struct {
	name   string
	client *rpc.Client
	mint   solana.PublicKey
}

var _ Adapter = (*SolanaAdapter)(nil)

// NewSolanaAdapter connects to rpcURL and reads balances of mint.
func NewSolanaAdapter(name, rpcURL, mint string) (*SolanaAdapter, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("chain %s: mint: %w: %v", name, ErrInvalidAddress, err)
	}
	return &SolanaAdapter{name: name, client: rpc.New(rpcURL), mint: mintKey}, nil
}

// Chain implements Adapter.
func (s *SolanaAdapter) Chain() string { return s.name }

// Ping implements Pinger.
func (s *SolanaAdapter) Ping(ctx context.Context) error {
	_, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	return err
}

// BalanceOf returns the owner's balance in the associated token account of
// the configured mint. A missing token account is a zero balance.
func (s *SolanaAdapter) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, owner)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, s.mint)
	if err != nil {
		return nil, fmt.Errorf("derive token account: %w", err)
	}

	res, err := s.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		if strings.Contains(err.Error(), "could not find account") {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("token balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("token balance: malformed amount %q", res.Value.Amount)
	}
	return amount, nil
}

// EstimateDepositGas quotes a single-signature transaction.
func (s *SolanaAdapter) EstimateDepositGas(context.Context) (GasQuote, error) {
	return GasQuote{
		Chain:          s.name,
		Units:          1,
		PricePerUnit:   big.NewInt(SolanaLamportsPerSignature),
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
	}, nil
}

func (s *SolanaAdapter) unsupported(op string) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupported, op, s.name)
}

func (s *SolanaAdapter) Deposit(context.Context, DepositParams) (TxRef, error) {
	return TxRef{}, s.unsupported(OpDeposit)
}

func (s *SolanaAdapter) Confirm(context.Context, string, Role) (TxRef, error) {
	return TxRef{}, s.unsupported(OpConfirm)
}

func (s *SolanaAdapter) Dispute(context.Context, string) (TxRef, error) {
	return TxRef{}, s.unsupported(OpDispute)
}

func (s *SolanaAdapter) Release(context.Context, ReleaseParams) (TxRef, error) {
	return TxRef{}, s.unsupported(OpRelease)
}

func (s *SolanaAdapter) Refund(context.Context, string, string) (TxRef, error) {
	return TxRef{}, s.unsupported(OpRefund)
}

func (s *SolanaAdapter) Withdraw(context.Context, WithdrawParams) (TxRef, error) {
	return TxRef{}, s.unsupported(OpWithdraw)
}

func (s *SolanaAdapter) GetState(context.Context, string) (*EscrowState, error) {
	return nil, s.unsupported(OpGetState)
}

func (s *SolanaAdapter) WaitForConfirmation(context.Context, TxRef, uint64) (*Receipt, error) {
	return nil, s.unsupported(OpWait)
}
