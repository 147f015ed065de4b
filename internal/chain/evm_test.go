package chain

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testVault      = "0x1111111111111111111111111111111111111111"
	testToken      = "0x2222222222222222222222222222222222222222"
	testPayer      = "0x3333333333333333333333333333333333333333"
	testMerchant   = "0x4444444444444444444444444444444444444444"
)

// fakeEthClient answers contract calls from canned responses keyed by
// method selector and records sent transactions.
type fakeEthClient struct {
	mu        sync.Mutex
	responses map[[4]byte][]byte
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	queries   []ethereum.FilterQuery
	head      uint64
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{
		responses: make(map[[4]byte][]byte),
		receipts:  make(map[common.Hash]*types.Receipt),
		head:      100,
	}
}

func (f *fakeEthClient) respond(parsed abi.ABI, method string, values ...interface{}) {
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	var sel [4]byte
	copy(sel[:], parsed.Methods[method].ID)
	f.mu.Lock()
	f.responses[sel] = out
	f.mu.Unlock()
}

func (f *fakeEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (f *fakeEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeEthClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sel [4]byte
	copy(sel[:], call.Data[:4])
	return f.responses[sel], nil
}

func (f *fakeEthClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

// FilterLogs matches address and positional topics like a node does.
func (f *fakeEthClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		match := true
		for i, want := range q.Topics {
			if len(want) == 0 {
				continue
			}
			if i >= len(l.Topics) || l.Topics[i] != want[0] {
				match = false
				break
			}
		}
		if match {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeEthClient) NetworkID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }
func (f *fakeEthClient) Close()                                      {}

func newTestEVMAdapter(t *testing.T) (*EVMAdapter, *fakeEthClient) {
	t.Helper()
	client := newFakeEthClient()
	a, err := NewEVMAdapter(context.Background(), EVMConfig{
		Chain:          "base",
		ChainID:        84532,
		EscrowContract: testVault,
		TokenContract:  testToken,
		PrivateKey:     "0x" + testPrivateKey,
	}, WithEthClient(client), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	return a, client
}

func TestEVM_BalanceOf(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.tokenABI, "balanceOf", big.NewInt(42_000_000))

	bal, err := a.BalanceOf(context.Background(), testPayer)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000), bal.Int64())

	_, err = a.BalanceOf(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEVM_DepositSendsVaultCall(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.tokenABI, "balanceOf", big.NewInt(5_000_000))

	ref, err := a.Deposit(context.Background(), DepositParams{
		EscrowID: "esc_1", Payer: testPayer, Merchant: testMerchant,
		Amount: big.NewInt(5_000_000), ExpiresAt: time.Unix(1_800_000_000, 0),
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	tx := client.sent[0]
	assert.Equal(t, ref.Hash, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(testVault), *tx.To())
	assert.True(t, bytes.HasPrefix(tx.Data(), a.vaultABI.Methods["deposit"].ID))
	assert.Equal(t, uint64(90_000), tx.Gas())

	args, err := a.vaultABI.Methods["deposit"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, IDHash("esc_1"), args[0].([32]byte))
	assert.Equal(t, int64(5_000_000), args[3].(*big.Int).Int64())
}

func TestEVM_DepositChecksBalance(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.tokenABI, "balanceOf", big.NewInt(1))

	_, err := a.Deposit(context.Background(), DepositParams{
		EscrowID: "esc_1", Payer: testPayer, Merchant: testMerchant, Amount: big.NewInt(2),
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, client.sent)
}

func TestEVM_WithdrawReplayed(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.vaultABI, "isWithdrawn", true)

	ref, err := a.Withdraw(context.Background(), WithdrawParams{
		Reference: "stl_1", EscrowID: "esc_1", From: testMerchant, Amount: big.NewInt(10),
	})
	require.NoError(t, err)
	assert.True(t, ref.Replayed)
	assert.Empty(t, ref.Hash)
	assert.Empty(t, client.sent)
}

func TestEVM_WithdrawReplayedRecoversHash(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.vaultABI, "isWithdrawn", true)
	event := a.vaultABI.Events["Withdrawn"].ID
	original := common.HexToHash("0xabc1")
	client.logs = []types.Log{
		// another reference's withdrawal
		{Address: common.HexToAddress(testVault), Topics: []common.Hash{event, IDHash("stl_other")}, TxHash: common.HexToHash("0xdead")},
		{Address: common.HexToAddress(testVault), Topics: []common.Hash{event, IDHash("stl_1"), IDHash("esc_1")}, TxHash: original, BlockNumber: 90},
		// reorged out
		{Address: common.HexToAddress(testVault), Topics: []common.Hash{event, IDHash("stl_1"), IDHash("esc_1")}, TxHash: common.HexToHash("0xbeef"), Removed: true},
	}
	client.receipts[original] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90), GasUsed: 50_000}

	ref, err := a.Withdraw(context.Background(), WithdrawParams{
		Reference: "stl_1", EscrowID: "esc_1", From: testMerchant, Amount: big.NewInt(10),
	})
	require.NoError(t, err)
	assert.True(t, ref.Replayed)
	assert.Equal(t, original.Hex(), ref.Hash)
	assert.Empty(t, client.sent)
	require.Len(t, client.queries, 1)
	assert.Equal(t, common.HexToAddress(testVault), client.queries[0].Addresses[0])

	// a recovered hash is waited on like any other
	rcpt, err := a.WaitForConfirmation(context.Background(), ref, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), rcpt.BlockNumber)
}

func TestEVM_GetState(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.vaultABI, "getEscrow",
		common.HexToAddress(testPayer), common.HexToAddress(testMerchant),
		big.NewInt(1000), big.NewInt(1000), uint8(2), true, false)

	st, err := a.GetState(context.Background(), "esc_1")
	require.NoError(t, err)
	assert.Equal(t, OnChainDisputed, st.Status)
	assert.Equal(t, strings.ToLower(testPayer), st.Payer)
	assert.True(t, st.PayerConfirmed)
	assert.False(t, st.MerchantConfirmed)
}

func TestEVM_GetStateMissing(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	client.respond(a.vaultABI, "getEscrow",
		common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), uint8(0), false, false)

	_, err := a.GetState(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEVM_WaitForConfirmation(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	hash := common.HexToHash("0xabc")

	client.mu.Lock()
	client.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99), GasUsed: 80_000}
	client.mu.Unlock()

	rc, err := a.WaitForConfirmation(context.Background(), TxRef{Chain: "base", Hash: hash.Hex()}, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), rc.BlockNumber)

	// not enough confirmations yet
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = a.WaitForConfirmation(ctx, TxRef{Chain: "base", Hash: hash.Hex()}, 10)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestEVM_WaitForConfirmationReverted(t *testing.T) {
	a, client := newTestEVMAdapter(t)
	hash := common.HexToHash("0xdef")
	client.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(99)}

	_, err := a.WaitForConfirmation(context.Background(), TxRef{Chain: "base", Hash: hash.Hex()}, 1)
	assert.ErrorIs(t, err, ErrTxFailed)
}

func TestEVM_ReleaseNeedsFeeRecipientAddress(t *testing.T) {
	a, _ := newTestEVMAdapter(t)
	_, err := a.Release(context.Background(), ReleaseParams{
		EscrowID: "esc_1", Recipient: testMerchant, Net: big.NewInt(9), Fee: big.NewInt(1), FeeRecipient: "platform",
	})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNewEVMAdapter_InvalidKey(t *testing.T) {
	_, err := NewEVMAdapter(context.Background(), EVMConfig{
		Chain: "base", ChainID: 1, EscrowContract: testVault, TokenContract: testToken, PrivateKey: "zz",
	}, WithEthClient(newFakeEthClient()))
	assert.Error(t, err)
}
