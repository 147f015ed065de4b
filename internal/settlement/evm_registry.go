package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/retry"
)

// SettlementRegistry ABI. IDs and tx references are keccak256 of their
// string form; fiat amounts are in minor units.
const registryABI = `[
	{"type":"function","name":"registerSettlement","stateMutability":"nonpayable","inputs":[{"name":"settlementId","type":"bytes32"},{"name":"escrowId","type":"bytes32"},{"name":"cryptoAmount","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"fiatMinor","type":"uint256"},{"name":"fiatCurrency","type":"string"},{"name":"rail","type":"string"},{"name":"disputePeriodSeconds","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"recordWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"settlementId","type":"bytes32"},{"name":"cryptoTx","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"recordCompletion","stateMutability":"nonpayable","inputs":[{"name":"settlementId","type":"bytes32"},{"name":"fiatRef","type":"bytes32"},{"name":"proofHash","type":"bytes32"}],"outputs":[]}
]`

// Transactor submits signed contract calls. *chain.EVMTransactor
// implements it.
type Transactor interface {
	Send(ctx context.Context, to common.Address, data []byte) (chain.TxRef, error)
	Wait(ctx context.Context, ref chain.TxRef, confirmations uint64) (*chain.Receipt, error)
}

// EVMRegistry writes settlement bookkeeping to a registry contract.
type EVMRegistry struct {
	tx            Transactor
	contract      common.Address
	abi           abi.ABI
	confirmations uint64
}

// NewEVMRegistry binds a registry contract. With confirmations > 0 each
// write waits to be mined before it counts as recorded.
func NewEVMRegistry(tx Transactor, contract string, confirmations uint64) (*EVMRegistry, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: registry contract %q", chain.ErrInvalidAddress, contract)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	return &EVMRegistry{
		tx:            tx,
		contract:      common.HexToAddress(contract),
		abi:           parsed,
		confirmations: confirmations,
	}, nil
}

func (r *EVMRegistry) RegisterSettlement(ctx context.Context, e RegistryEntry) (string, error) {
	fiatMinor := e.FiatAmount.Shift(2).Truncate(0).BigInt()
	return r.send(ctx, "registerSettlement",
		chain.IDHash(e.SettlementID),
		chain.IDHash(e.Escrow.Chain+":"+e.Escrow.EscrowID),
		e.CryptoAmount, e.Fee, fiatMinor,
		e.FiatCurrency, e.Rail,
		uint64(e.DisputePeriod.Seconds()),
	)
}

func (r *EVMRegistry) RecordWithdrawal(ctx context.Context, settlementID, cryptoTx string) (string, error) {
	return r.send(ctx, "recordWithdrawal", chain.IDHash(settlementID), txKey(cryptoTx))
}

func (r *EVMRegistry) RecordCompletion(ctx context.Context, settlementID, fiatRef string, proofHash [32]byte) (string, error) {
	return r.send(ctx, "recordCompletion", chain.IDHash(settlementID), chain.IDHash(fiatRef), proofHash)
}

func (r *EVMRegistry) send(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("pack %s: %w", method, err))
	}
	ref, err := r.tx.Send(ctx, r.contract, data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	if r.confirmations > 0 {
		if _, err := r.tx.Wait(ctx, ref, r.confirmations); err != nil {
			return "", fmt.Errorf("%s %s: %w", method, ref.Hash, err)
		}
	}
	return ref.Hash, nil
}

// txKey uses an EVM tx hash as-is and hashes anything else.
func txKey(ref string) [32]byte {
	if len(ref) == 66 && strings.HasPrefix(ref, "0x") {
		return common.HexToHash(ref)
	}
	return chain.IDHash(ref)
}

var (
	_ Registry   = (*EVMRegistry)(nil)
	_ Transactor = (*chain.EVMTransactor)(nil)
)
