package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the subset of ethclient.Client the EVM code uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(250_000)

	// DefaultDepositGas is the quote used when a deposit cannot be estimated.
	DefaultDepositGas = uint64(120_000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EscrowVault ABI: custody contract holding escrowed ERC-20 funds.
const escrowVaultABI = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"payer","type":"address"},{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"expiresAt","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"confirm","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"role","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"dispute","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"net","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"feeRecipient","type":"address"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"to","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"from","type":"address"},{"name":"amount","type":"uint256"},{"name":"ref","type":"bytes32"}],"outputs":[]},
	{"type":"event","name":"Withdrawn","anonymous":false,"inputs":[{"name":"ref","type":"bytes32","indexed":true},{"name":"escrowId","type":"bytes32","indexed":true},{"name":"from","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"function","name":"isWithdrawn","stateMutability":"view","inputs":[{"name":"ref","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"payer","type":"address"},{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"held","type":"uint256"},{"name":"status","type":"uint8"},{"name":"payerConfirmed","type":"bool"},{"name":"merchantConfirmed","type":"bool"}]}
]`

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// IDHash maps a string identifier to the bytes32 key used on-chain.
func IDHash(id string) [32]byte {
	return crypto.Keccak256Hash([]byte(id))
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// -----------------------------------------------------------------------------
// EVMTransactor
// -----------------------------------------------------------------------------

// EVMTransactor signs and submits contract calls from one key. Sends are
// serialized so concurrent callers never race on the pending nonce.
type EVMTransactor struct {
	chain   string
	client  EthClient
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	poll    time.Duration
	sendMu  sync.Mutex
}

// NewEVMTransactor creates a transactor. privateKeyHex may carry a 0x prefix.
func NewEVMTransactor(chain string, client EthClient, privateKeyHex string, chainID int64) (*EVMTransactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain %s: invalid private key: %w", chain, err)
	}
	if chainID == 0 {
		return nil, fmt.Errorf("chain %s: chain ID required", chain)
	}
	return &EVMTransactor{
		chain:   chain,
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		poll:    ConfirmationPollInterval,
	}, nil
}

// Address is the signer address.
func (t *EVMTransactor) Address() common.Address { return t.from }

// Send builds, signs and submits a call to contract.
func (t *EVMTransactor) Send(ctx context.Context, to common.Address, data []byte) (TxRef, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return TxRef{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return TxRef{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.key)
	if err != nil {
		return TxRef{}, fmt.Errorf("sign: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return TxRef{}, fmt.Errorf("send %s: %w", signed.Hash().Hex(), err)
	}
	return TxRef{Chain: t.chain, Hash: signed.Hash().Hex()}, nil
}

// Call executes a read-only contract call at the latest block.
func (t *EVMTransactor) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return t.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// Wait polls for the receipt of ref until it has the requested number of
// confirmations. A reverted transaction returns ErrTxFailed.
func (t *EVMTransactor) Wait(ctx context.Context, ref TxRef, confirmations uint64) (*Receipt, error) {
	hash := common.HexToHash(ref.Hash)
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, fmt.Errorf("%w: %s reverted", ErrTxFailed, ref.Hash)
			}
			head, herr := t.client.BlockNumber(ctx)
			mined := receipt.BlockNumber.Uint64()
			if herr == nil && head >= mined && head-mined+1 >= confirmations {
				return &Receipt{TxRef: ref, BlockNumber: mined, GasUsed: receipt.GasUsed}, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, ref.Hash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// -----------------------------------------------------------------------------
// EVMAdapter
// -----------------------------------------------------------------------------

// EVMConfig configures an EVMAdapter.
type EVMConfig struct {
	Chain          string
	RPCURL         string
	ChainID        int64
	EscrowContract string
	TokenContract  string
	PrivateKey     string
	NativeSymbol   string
}

// EVMOption configures an EVMAdapter.
type EVMOption func(*evmOptions)

type evmOptions struct {
	client EthClient
	poll   time.Duration
}

// WithEthClient injects a client instead of dialing RPCURL.
func WithEthClient(c EthClient) EVMOption {
	return func(o *evmOptions) { o.client = c }
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) EVMOption {
	return func(o *evmOptions) { o.poll = d }
}

// EVMAdapter drives an EscrowVault contract on an EVM chain.
type EVMAdapter struct {
	cfg      EVMConfig
	tx       *EVMTransactor
	vault    common.Address
	token    common.Address
	vaultABI abi.ABI
	tokenABI abi.ABI
}

var _ Adapter = (*EVMAdapter)(nil)

// NewEVMAdapter dials the chain (unless a client is injected) and binds the
// vault and token contracts.
func NewEVMAdapter(ctx context.Context, cfg EVMConfig, opts ...EVMOption) (*EVMAdapter, error) {
	var o evmOptions
	for _, opt := range opts {
		opt(&o)
	}

	vault, err := parseAddress(cfg.EscrowContract)
	if err != nil {
		return nil, fmt.Errorf("chain %s: escrow contract: %w", cfg.Chain, err)
	}
	token, err := parseAddress(cfg.TokenContract)
	if err != nil {
		return nil, fmt.Errorf("chain %s: token contract: %w", cfg.Chain, err)
	}
	vaultABI, err := abi.JSON(strings.NewReader(escrowVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse vault ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	client := o.client
	if client == nil {
		c, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrChainUnavailable, cfg.Chain, err)
		}
		client = c
	}

	tx, err := NewEVMTransactor(cfg.Chain, client, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if o.poll > 0 {
		tx.poll = o.poll
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}

	return &EVMAdapter{
		cfg:      cfg,
		tx:       tx,
		vault:    vault,
		token:    token,
		vaultABI: vaultABI,
		tokenABI: tokenABI,
	}, nil
}

// Chain implements Adapter.
func (a *EVMAdapter) Chain() string { return a.cfg.Chain }

// Transactor exposes the signer, shared with the on-chain settlement registry.
func (a *EVMAdapter) Transactor() *EVMTransactor { return a.tx }

// Ping implements Pinger.
func (a *EVMAdapter) Ping(ctx context.Context) error {
	_, err := a.tx.client.NetworkID(ctx)
	return err
}

// Close releases the RPC connection.
func (a *EVMAdapter) Close() { a.tx.client.Close() }

func (a *EVMAdapter) send(ctx context.Context, method string, args ...interface{}) (TxRef, error) {
	data, err := a.vaultABI.Pack(method, args...)
	if err != nil {
		return TxRef{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return a.tx.Send(ctx, a.vault, data)
}

// Deposit implements Adapter.
func (a *EVMAdapter) Deposit(ctx context.Context, p DepositParams) (TxRef, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return TxRef{}, ErrInvalidAmount
	}
	payer, err := parseAddress(p.Payer)
	if err != nil {
		return TxRef{}, err
	}
	merchant, err := parseAddress(p.Merchant)
	if err != nil {
		return TxRef{}, err
	}
	bal, err := a.BalanceOf(ctx, p.Payer)
	if err != nil {
		return TxRef{}, err
	}
	if bal.Cmp(p.Amount) < 0 {
		return TxRef{}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, p.Payer, bal, p.Amount)
	}
	return a.send(ctx, "deposit", IDHash(p.EscrowID), payer, merchant, p.Amount, uint64(p.ExpiresAt.Unix()))
}

// Confirm implements Adapter.
func (a *EVMAdapter) Confirm(ctx context.Context, escrowID string, role Role) (TxRef, error) {
	var code uint8
	switch role {
	case RolePayer:
		code = 1
	case RoleMerchant:
		code = 2
	default:
		return TxRef{}, fmt.Errorf("%w: role %s cannot confirm", ErrUnsupported, role)
	}
	return a.send(ctx, "confirm", IDHash(escrowID), code)
}

// Dispute implements Adapter.
func (a *EVMAdapter) Dispute(ctx context.Context, escrowID string) (TxRef, error) {
	return a.send(ctx, "dispute", IDHash(escrowID))
}

// Release implements Adapter.
func (a *EVMAdapter) Release(ctx context.Context, p ReleaseParams) (TxRef, error) {
	recipient, err := parseAddress(p.Recipient)
	if err != nil {
		return TxRef{}, err
	}
	fee := p.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	feeRecipient := recipient
	if fee.Sign() > 0 {
		if feeRecipient, err = parseAddress(p.FeeRecipient); err != nil {
			return TxRef{}, err
		}
	}
	return a.send(ctx, "release", IDHash(p.EscrowID), recipient, p.Net, fee, feeRecipient)
}

// Refund implements Adapter.
func (a *EVMAdapter) Refund(ctx context.Context, escrowID, to string) (TxRef, error) {
	addr, err := parseAddress(to)
	if err != nil {
		return TxRef{}, err
	}
	return a.send(ctx, "refund", IDHash(escrowID), addr)
}

// Withdraw implements Adapter. The vault records each reference; a reference
// that was already applied returns a Replayed TxRef carrying the hash of
// the transaction that applied it, without sending.
func (a *EVMAdapter) Withdraw(ctx context.Context, p WithdrawParams) (TxRef, error) {
	from, err := parseAddress(p.From)
	if err != nil {
		return TxRef{}, err
	}
	ref := IDHash(p.Reference)

	data, err := a.vaultABI.Pack("isWithdrawn", ref)
	if err != nil {
		return TxRef{}, fmt.Errorf("pack isWithdrawn: %w", err)
	}
	out, err := a.tx.Call(ctx, a.vault, data)
	if err != nil {
		return TxRef{}, fmt.Errorf("isWithdrawn: %w", err)
	}
	vals, err := a.vaultABI.Unpack("isWithdrawn", out)
	if err != nil {
		return TxRef{}, fmt.Errorf("unpack isWithdrawn: %w", err)
	}
	if done, _ := vals[0].(bool); done {
		hash, err := a.withdrawnTx(ctx, ref)
		if err != nil {
			return TxRef{}, err
		}
		return TxRef{Chain: a.cfg.Chain, Hash: hash, Replayed: true}, nil
	}

	return a.send(ctx, "withdraw", IDHash(p.EscrowID), from, p.Amount, ref)
}

// withdrawnTx finds the transaction that emitted Withdrawn for ref. An
// empty hash means the log is no longer served by the node.
func (a *EVMAdapter) withdrawnTx(ctx context.Context, ref [32]byte) (string, error) {
	logs, err := a.tx.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{a.vault},
		Topics:    [][]common.Hash{{a.vaultABI.Events["Withdrawn"].ID}, {common.Hash(ref)}},
	})
	if err != nil {
		return "", fmt.Errorf("withdrawn logs: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if !logs[i].Removed {
			return logs[i].TxHash.Hex(), nil
		}
	}
	return "", nil
}

// GetState implements Adapter.
func (a *EVMAdapter) GetState(ctx context.Context, escrowID string) (*EscrowState, error) {
	data, err := a.vaultABI.Pack("getEscrow", IDHash(escrowID))
	if err != nil {
		return nil, fmt.Errorf("pack getEscrow: %w", err)
	}
	out, err := a.tx.Call(ctx, a.vault, data)
	if err != nil {
		return nil, fmt.Errorf("getEscrow: %w", err)
	}
	vals, err := a.vaultABI.Unpack("getEscrow", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getEscrow: %w", err)
	}

	status := vals[4].(uint8)
	st := &EscrowState{
		EscrowID:          escrowID,
		Payer:             strings.ToLower(vals[0].(common.Address).Hex()),
		Merchant:          strings.ToLower(vals[1].(common.Address).Hex()),
		Amount:            vals[2].(*big.Int),
		Held:              vals[3].(*big.Int),
		PayerConfirmed:    vals[5].(bool),
		MerchantConfirmed: vals[6].(bool),
	}
	switch status {
	case 1:
		st.Status = OnChainActive
	case 2:
		st.Status = OnChainDisputed
	case 3:
		st.Status = OnChainReleased
	case 4:
		st.Status = OnChainRefunded
	default:
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	return st, nil
}

// BalanceOf implements Adapter with ERC-20 balanceOf.
func (a *EVMAdapter) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	addr, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	data, err := a.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := a.tx.Call(ctx, a.token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// WaitForConfirmation implements Adapter.
func (a *EVMAdapter) WaitForConfirmation(ctx context.Context, ref TxRef, confirmations uint64) (*Receipt, error) {
	if ref.Replayed && ref.Hash == "" {
		return &Receipt{TxRef: ref}, nil
	}
	return a.tx.Wait(ctx, ref, confirmations)
}

// EstimateDepositGas implements Adapter.
func (a *EVMAdapter) EstimateDepositGas(ctx context.Context) (GasQuote, error) {
	price, err := a.tx.client.SuggestGasPrice(ctx)
	if err != nil {
		return GasQuote{}, fmt.Errorf("gas price: %w", err)
	}
	return GasQuote{
		Chain:          a.cfg.Chain,
		Units:          DefaultDepositGas,
		PricePerUnit:   price,
		NativeSymbol:   a.cfg.NativeSymbol,
		NativeDecimals: 18,
	}, nil
}
