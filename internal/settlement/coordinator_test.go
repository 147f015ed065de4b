package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/chain"
	"github.com/chainsettle/chainsettle/internal/compliance"
	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/payout"
	"github.com/chainsettle/chainsettle/internal/rates"
	"github.com/chainsettle/chainsettle/internal/retry"
)

const (
	payer      = "0x1111111111111111111111111111111111111111"
	merchant   = "0x2222222222222222222222222222222222222222"
	merchantID = "mrc_acme"
)

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

type chainMap map[string]chain.Adapter

func (m chainMap) Get(name string) (chain.Adapter, error) {
	a, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownChain, name)
	}
	return a, nil
}

type fixture struct {
	coord   *Coordinator
	store   *MemoryStore
	sim     *chain.SimulatedAdapter
	gate    *compliance.PolicyGate
	gateway *payout.SimulatedGateway
	esc     *MemoryEscalations
	log     *events.MemoryLog

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		SettlementFeeBps:    50,
		DisputePeriod:       72 * time.Hour,
		MaxWithdrawAttempts: 3,
		PayoutRetry:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		CallTimeout:         time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		sim:     chain.NewSimulatedAdapter("base"),
		gate:    compliance.NewPolicyGate(nil, nil, nil),
		gateway: payout.NewSimulatedGateway(),
		esc:     NewMemoryEscalations(),
		log:     events.NewMemoryLog(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sim.Fund(merchant, usdc(100_000))
	oracle := rates.NewStaticOracle(map[string]decimal.Decimal{
		"USDC:INR": decimal.RequireFromString("83.25"),
		"USDC:EUR": decimal.RequireFromString("0.9213"),
	})
	f.coord = NewCoordinator(f.store, chainMap{"base": f.sim}, oracle, f.gate, f.gateway, cfg, nil).
		WithEscalations(f.esc).
		WithEvents(f.log).
		WithClock(f.clock)
	return f
}

func upiRequest(escrowID string, amount *big.Int) QueueRequest {
	return QueueRequest{
		Escrow:        EscrowRef{Chain: "base", EscrowID: escrowID},
		MerchantID:    merchantID,
		MerchantAddr:  merchant,
		PayerAddr:     payer,
		Amount:        amount,
		PaymentMethod: payout.UPI{VPA: "acme@okaxis"},
	}
}

func (f *fixture) queue(t *testing.T, escrowID string, amount *big.Int) *Settlement {
	t.Helper()
	s, err := f.coord.QueueSettlement(context.Background(), upiRequest(escrowID, amount))
	require.NoError(t, err)
	return s
}

func (f *fixture) get(t *testing.T, id string) *Settlement {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func stages(res *Result) []Stage {
	out := make([]Stage, 0, len(res.Stages))
	for _, sr := range res.Stages {
		out = append(out, sr.Stage)
	}
	return out
}

func TestQueueSettlement_SnapshotsFeeAndFiat(t *testing.T) {
	f := newFixture(t, testConfig())

	s := f.queue(t, "esc_1", usdc(1000))

	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, usdc(5), s.SettlementFee)
	assert.Equal(t, usdc(995), s.NetAmount)
	assert.Equal(t, "INR", s.FiatCurrency)
	assert.Equal(t, "82833.75", s.FiatAmount.StringFixed(2))
	assert.Equal(t, "USDC", s.Token)
	assert.Equal(t, 6, s.TokenDecimals)
	assert.Equal(t, "static", s.RateSource)
	assert.Equal(t, f.now.Add(72*time.Hour), s.DisputePeriodEnd)
	assert.Contains(t, s.ID, "stl_")

	evs := f.log.All()
	require.Len(t, evs, 1)
	assert.Equal(t, string(StatusPending), evs[0].To)
	assert.Equal(t, merchant, evs[0].Actor)
}

func TestQueueSettlement_Validation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*QueueRequest)
		want   error
	}{
		{"missing escrow", func(r *QueueRequest) { r.Escrow.EscrowID = "" }, ErrInvalidRequest},
		{"missing method", func(r *QueueRequest) { r.PaymentMethod = nil }, ErrInvalidRequest},
		{"bad vpa", func(r *QueueRequest) { r.PaymentMethod = payout.UPI{VPA: "not a vpa"} }, ErrInvalidRequest},
		{"missing merchant", func(r *QueueRequest) { r.MerchantID = "" }, ErrInvalidRequest},
		{"zero amount", func(r *QueueRequest) { r.Amount = big.NewInt(0) }, ErrInvalidAmount},
		{"nil amount", func(r *QueueRequest) { r.Amount = nil }, ErrInvalidAmount},
		{"unknown pair", func(r *QueueRequest) { r.PaymentMethod = payout.PIX{Key: "acme@example.com", KeyType: "email"} }, ErrRateUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := upiRequest("esc_v", usdc(10))
			tt.mutate(&req)
			_, err := f.coord.QueueSettlement(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := f.store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueueSettlement_Duplicates(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	req := upiRequest("esc_dup", usdc(50))
	req.ID = "stl_fixed"
	first, err := f.coord.QueueSettlement(ctx, req)
	require.NoError(t, err)

	again, err := f.coord.QueueSettlement(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.FiatAmount.Equal(again.FiatAmount))

	other := upiRequest("esc_dup", usdc(50))
	_, err = f.coord.QueueSettlement(ctx, other)
	assert.ErrorIs(t, err, ErrEscrowAlreadySettled)
}

func TestQueueSettlement_FiatRoundTrip(t *testing.T) {
	f := newFixture(t, testConfig())
	amounts := []*big.Int{big.NewInt(1), big.NewInt(333_333), usdc(1), big.NewInt(987_654_321), usdc(250_000)}

	for i, amt := range amounts {
		req := upiRequest(fmt.Sprintf("esc_rt_%d", i), amt)
		s, err := f.coord.QueueSettlement(context.Background(), req)
		if errors.Is(err, ErrInvalidAmount) {
			// dust that rounds to zero fiat
			continue
		}
		require.NoError(t, err)
		stored := f.get(t, s.ID)
		assert.True(t, stored.RecomputeFiat().Equal(stored.FiatAmount), "amount %s", amt)
		assert.True(t, stored.FiatAmount.Equal(stored.FiatAmount.Round(2)))
	}
}

func TestQueueSettlement_EscrowLookup(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	f.coord.WithEscrows(escrows)

	completed := &escrow.Record{
		ID: "esc_done", Chain: "base", Token: "USDC", Amount: usdc(100),
		PayerAddr: payer, MerchantID: merchantID, MerchantAddr: merchant,
		Status: escrow.StatusCompleted, NetAmount: usdc(99), Recipient: merchant,
	}
	refunded := &escrow.Record{
		ID: "esc_refunded", Chain: "base", Token: "USDC", Amount: usdc(100),
		PayerAddr: payer, MerchantID: merchantID, MerchantAddr: merchant,
		Status: escrow.StatusCompleted, NetAmount: usdc(100), Recipient: payer,
	}
	open := &escrow.Record{
		ID: "esc_open", Chain: "base", Token: "USDC", Amount: usdc(100),
		PayerAddr: payer, MerchantID: merchantID, MerchantAddr: merchant,
		Status: escrow.StatusActive,
	}
	for _, r := range []*escrow.Record{completed, refunded, open} {
		require.NoError(t, escrows.Create(ctx, r))
	}

	s, err := f.coord.QueueSettlement(ctx, QueueRequest{
		Escrow:        EscrowRef{Chain: "base", EscrowID: "esc_done"},
		PaymentMethod: payout.UPI{VPA: "acme@okaxis"},
	})
	require.NoError(t, err)
	assert.Equal(t, usdc(99), s.CryptoAmount)
	assert.Equal(t, merchantID, s.MerchantID)
	assert.Equal(t, payer, s.PayerAddr)

	for _, id := range []string{"esc_refunded", "esc_open", "esc_missing"} {
		_, err := f.coord.QueueSettlement(ctx, QueueRequest{
			Escrow:        EscrowRef{Chain: "base", EscrowID: id},
			PaymentMethod: payout.UPI{VPA: "acme@okaxis"},
		})
		assert.ErrorIs(t, err, ErrEscrowNotSettled, id)
	}
}

func TestQueueSettlement_EscrowLookupRejectsMismatch(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	escrows := escrow.NewMemoryStore()
	f.coord.WithEscrows(escrows)
	require.NoError(t, escrows.Create(ctx, &escrow.Record{
		ID: "esc_done", Chain: "base", Token: "USDC", Amount: usdc(100),
		PayerAddr: payer, MerchantID: merchantID, MerchantAddr: merchant,
		Status: escrow.StatusCompleted, NetAmount: usdc(99), Recipient: merchant,
	}))

	req := upiRequest("esc_done", usdc(100))
	_, err := f.coord.QueueSettlement(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	req = upiRequest("esc_done", usdc(10))
	req.MerchantAddr = "0x9999999999999999999999999999999999999999"
	_, err = f.coord.QueueSettlement(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExecuteSettlement_DisputePeriodGate(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_b", usdc(1000))

	f.advance(time.Hour)
	res, err := f.coord.ExecuteSettlement(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisputePeriodActive)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDisputeGate, se.Stage)
	assert.Equal(t, []Stage{StageDisputeGate}, stages(res))
	assert.Equal(t, 0, f.sim.Calls(chain.OpWithdraw))
	assert.Equal(t, StatusPending, f.get(t, s.ID).Status)

	f.advance(72 * time.Hour)
	res, err = f.coord.ExecuteSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []Stage{
		StageDisputeGate, StageLock, StageClaim, StageWithdraw, StageRecordWithdrawal,
		StageCompliance, StageConvert, StagePayout, StageRecordCompletion, StageComplete,
	}, stages(res))
	assert.NotEmpty(t, res.WithdrawTx)
	assert.NotEmpty(t, res.PayoutRef)
	assert.Len(t, res.ProofHash, 66)

	stored := f.get(t, s.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, res.WithdrawTx, stored.WithdrawTx)
	assert.Equal(t, res.PayoutRef, stored.PayoutRef)
	require.NotNil(t, stored.SettledAt)
	assert.True(t, f.sim.Withdrawn(s.ID))

	receipt, ok := f.gateway.Paid(s.ID)
	require.True(t, ok)
	assert.Equal(t, "82833.75", receipt.Amount)
	assert.Equal(t, "INR", receipt.Currency)
}

func TestExecuteSettlement_ExactlyAtPeriodEnd(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.queue(t, "esc_edge", usdc(10))

	f.advance(72 * time.Hour)
	res, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestExecuteSettlement_ComplianceRefusedAfterWithdrawal(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_d", usdc(200))
	f.gate.DenyPayer(payer)
	f.advance(73 * time.Hour)

	res, err := f.coord.ExecuteSettlement(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPostWithdrawalComplianceFailure)
	assert.ErrorIs(t, err, ErrComplianceRefused)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.WithdrawTx)

	stored := f.get(t, s.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, ReasonComplianceRefused, stored.FailureReason)
	assert.True(t, f.sim.Withdrawn(s.ID))
	assert.Equal(t, 0, f.gateway.Calls())

	open, err := f.coord.ListEscalations(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, s.ID, open[0].SettlementID)
	assert.Equal(t, StageCompliance, open[0].Stage)
	assert.Equal(t, stored.WithdrawTx, open[0].WithdrawTx)

	require.NoError(t, f.coord.ResolveEscalation(ctx, open[0].ID, "ops@acme"))
	open, err = f.coord.ListEscalations(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.ErrorIs(t, f.coord.ResolveEscalation(ctx, "missing", "ops@acme"), ErrEscalationNotFound)
}

func TestExecuteSettlement_AmountLimit(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.queue(t, "esc_limit", usdc(5000))
	f.gate.SetLimit(merchantID, usdc(1000))
	f.advance(73 * time.Hour)

	_, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrPostWithdrawalComplianceFailure)
	assert.Equal(t, ReasonComplianceRefused, f.get(t, s.ID).FailureReason)
}

type blockingGateway struct {
	inner   payout.Gateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) Payout(ctx context.Context, req payout.Request) (*payout.Receipt, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.inner.Payout(ctx, req)
}

func TestExecuteSettlement_ConcurrentCallersSeeAlreadyProcessing(t *testing.T) {
	f := newFixture(t, testConfig())
	gw := &blockingGateway{inner: f.gateway, entered: make(chan struct{}), release: make(chan struct{})}
	f.coord.gateway = gw
	ctx := context.Background()
	s := f.queue(t, "esc_c", usdc(100))
	f.advance(73 * time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.ExecuteSettlement(ctx, s.ID)
		done <- err
	}()
	<-gw.entered

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.ExecuteSettlement(ctx, s.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrAlreadyProcessing)
	}

	close(gw.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.sim.Calls(chain.OpWithdraw))
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestExecuteSettlement_RaceHasOneWinner(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_race", usdc(100))
	f.advance(73 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.ExecuteSettlement(ctx, s.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyProcessing)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.sim.Calls(chain.OpWithdraw))
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestExecuteSettlement_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, testConfig())
	locker := NewLocalLocker()
	f.coord.WithLocker(locker)
	ctx := context.Background()
	s := f.queue(t, "esc_lock", usdc(100))
	f.advance(73 * time.Hour)

	unlock, ok, err := locker.TryLock(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.ExecuteSettlement(ctx, s.ID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageLock, se.Stage)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.Equal(t, StatusPending, f.get(t, s.ID).Status)

	unlock()
	_, err = f.coord.ExecuteSettlement(ctx, s.ID)
	require.NoError(t, err)
}

type brokenLocker struct{}

func (brokenLocker) TryLock(context.Context, string) (func(), bool, error) {
	return nil, false, ErrLockUnavailable
}

func TestExecuteSettlement_LockBackendDownFallsBackToStatus(t *testing.T) {
	f := newFixture(t, testConfig())
	f.coord.WithLocker(brokenLocker{})
	s := f.queue(t, "esc_degraded", usdc(100))
	f.advance(73 * time.Hour)

	res, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "degraded", res.Stages[1].Detail)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestExecuteSettlement_WithdrawRetriesThenFails(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_w", usdc(100))
	f.advance(73 * time.Hour)

	f.sim.FailNext(chain.OpWithdraw, chain.ErrChainUnavailable, chain.ErrChainUnavailable, chain.ErrChainUnavailable)

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := f.coord.ExecuteSettlement(ctx, s.ID)
		assert.ErrorIs(t, err, chain.ErrChainUnavailable)
		stored := f.get(t, s.ID)
		assert.Equal(t, StatusReady, stored.Status)
		assert.Equal(t, attempt, stored.WithdrawAttempts)
		assert.Empty(t, stored.WithdrawTx)
	}

	_, err := f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, chain.ErrChainUnavailable)
	stored := f.get(t, s.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, ReasonWithdrawFailed, stored.FailureReason)
	assert.Equal(t, 3, stored.WithdrawAttempts)

	// nothing left the escrow, so there is nothing to reconcile
	open, err := f.coord.ListEscalations(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 0, f.gateway.Calls())

	_, err = f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecuteSettlement_WithdrawRecoversOnRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_wr", usdc(100))
	f.advance(73 * time.Hour)
	f.sim.FailNext(chain.OpWithdraw, chain.ErrTimeout)

	_, err := f.coord.ExecuteSettlement(ctx, s.ID)
	require.Error(t, err)
	res, err := f.coord.ExecuteSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, f.get(t, s.ID).WithdrawAttempts)
}

func TestExecuteSettlement_RevertedWithdrawalNeverPays(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_revert", usdc(100))
	f.advance(73 * time.Hour)
	f.sim.FailNext(chain.OpWait, chain.ErrTxFailed)

	res, err := f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, chain.ErrTxFailed)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageWithdraw, se.Stage)
	assert.Equal(t, StatusReady, res.Status)

	stored := f.get(t, s.ID)
	assert.Equal(t, StatusReady, stored.Status)
	assert.Equal(t, 1, stored.WithdrawAttempts)
	assert.Empty(t, stored.WithdrawTx)
	assert.Equal(t, 0, f.gateway.Calls())

	// the next attempt picks the withdrawal up by its reference instead of
	// sending a second one
	res, err = f.coord.ExecuteSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, f.get(t, s.ID).WithdrawTx)
	assert.Equal(t, 1, f.gateway.Calls())

	bal, err := f.sim.BalanceOf(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Sub(usdc(100_000), usdc(100)), bal)
}

func TestExecuteSettlement_WaitTimeoutReturnsToReady(t *testing.T) {
	cfg := testConfig()
	cfg.Confirmations = 3
	f := newFixture(t, cfg)
	s := f.queue(t, "esc_slow", usdc(100))
	f.advance(73 * time.Hour)
	f.sim.FailNext(chain.OpWait, chain.ErrTimeout)

	_, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	assert.ErrorIs(t, err, chain.ErrTimeout)
	assert.Equal(t, StatusReady, f.get(t, s.ID).Status)
	assert.Equal(t, uint64(3), f.coord.Config().Confirmations)
	assert.Equal(t, 0, f.gateway.Calls())
}

// hashlessReplay reports every withdrawal as already applied without naming
// the original transaction.
type hashlessReplay struct {
	*chain.SimulatedAdapter
}

func (h hashlessReplay) Withdraw(context.Context, chain.WithdrawParams) (chain.TxRef, error) {
	return chain.TxRef{Chain: h.Chain(), Replayed: true}, nil
}

func TestExecuteSettlement_HashlessReplayCanStillRetryPayout(t *testing.T) {
	f := newFixture(t, testConfig())
	f.coord.chains = chainMap{"base": hashlessReplay{f.sim}}
	ctx := context.Background()
	s := f.queue(t, "esc_replay", usdc(100))
	f.advance(73 * time.Hour)
	f.gateway.FailNext(payout.ErrTransient, payout.ErrTransient)

	_, err := f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, ErrPayoutFailed)
	stored := f.get(t, s.ID)
	assert.Equal(t, ReasonPayoutFailed, stored.FailureReason)
	assert.Equal(t, "replayed:"+s.ID, stored.WithdrawTx)
	assert.Equal(t, 0, f.sim.Calls(chain.OpWait))

	res, err := f.coord.RetryPayout(ctx, s.ID, "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, f.get(t, s.ID).ProofHash)
}

func TestExecuteSettlement_AfterWinnerFinishedIsAlreadyProcessing(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_late", usdc(100))
	f.advance(73 * time.Hour)

	_, err := f.coord.ExecuteSettlement(ctx, s.ID)
	require.NoError(t, err)

	_, err = f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, f.sim.Calls(chain.OpWithdraw))
}

func TestExecuteSettlement_PayoutExhaustedThenRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_p", usdc(100))
	f.advance(73 * time.Hour)
	f.gateway.FailNext(payout.ErrTransient, payout.ErrTransient)

	res, err := f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, ErrPayoutFailed)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, f.gateway.Calls())

	stored := f.get(t, s.ID)
	assert.Equal(t, ReasonPayoutFailed, stored.FailureReason)
	assert.NotEmpty(t, stored.WithdrawTx)

	open, err := f.coord.ListEscalations(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ReasonPayoutFailed, open[0].Reason)

	res, err = f.coord.RetryPayout(ctx, s.ID, "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Stages[1].Skipped)
	assert.Equal(t, 1, f.sim.Calls(chain.OpWithdraw))

	stored = f.get(t, s.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Empty(t, stored.FailureReason)

	_, err = f.coord.RetryPayout(ctx, s.ID, "ops@acme")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecuteSettlement_RejectedPayoutIsNotRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.queue(t, "esc_rej", usdc(100))
	f.advance(73 * time.Hour)
	f.gateway.FailNext(payout.ErrRejected)

	_, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrPayoutFailed)
	assert.ErrorIs(t, err, payout.ErrRejected)
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestRetryPayout_RequiresPayoutFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_rp", usdc(100))

	_, err := f.coord.RetryPayout(ctx, s.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.coord.RetryPayout(ctx, "stl_missing", "ops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteSettlement_ConversionMismatch(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_cm", usdc(100))

	tampered := f.get(t, s.ID)
	tampered.FiatAmount = tampered.FiatAmount.Add(decimal.RequireFromString("0.01"))
	require.NoError(t, f.store.Update(ctx, tampered, StatusPending))
	f.advance(73 * time.Hour)

	_, err := f.coord.ExecuteSettlement(ctx, s.ID)
	assert.ErrorIs(t, err, ErrConversionMismatch)
	stored := f.get(t, s.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, ReasonConversionMismatch, stored.FailureReason)
	assert.Equal(t, 0, f.gateway.Calls())
}

func TestExecuteSettlement_IgnoresCancellationAfterClaim(t *testing.T) {
	f := newFixture(t, testConfig())
	gw := &blockingGateway{inner: f.gateway, entered: make(chan struct{}), release: make(chan struct{})}
	f.coord.gateway = gw
	s := f.queue(t, "esc_cancelctx", usdc(100))
	f.advance(73 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.ExecuteSettlement(ctx, s.ID)
		done <- err
	}()
	<-gw.entered
	cancel()
	close(gw.release)

	require.NoError(t, <-done)
	assert.Equal(t, StatusCompleted, f.get(t, s.ID).Status)
}

func TestCancelAndDispute(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	a := f.queue(t, "esc_cancel", usdc(10))
	b := f.queue(t, "esc_dispute", usdc(10))

	cancelled, err := f.coord.CancelSettlement(ctx, a.ID, merchant)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	disputed, err := f.coord.DisputeSettlement(ctx, b.ID, payer, "goods not received")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.Equal(t, "goods not received", disputed.LastError)

	f.advance(73 * time.Hour)
	for _, id := range []string{a.ID, b.ID} {
		_, err := f.coord.ExecuteSettlement(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = f.coord.CancelSettlement(ctx, id, merchant)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, 0, f.sim.Calls(chain.OpWithdraw))

	sweep, err := f.coord.ProcessReadySettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Promoted)
}

func TestProcessReadySettlements(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSettle = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	early := f.queue(t, "esc_s1", usdc(10))
	f.advance(24 * time.Hour)
	later := f.queue(t, "esc_s2", usdc(20))
	f.advance(50 * time.Hour)

	// only the first has waited out its period
	sweep, err := f.coord.ProcessReadySettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Promoted)
	assert.Equal(t, 1, sweep.Executed)
	assert.Equal(t, 1, sweep.Succeeded)
	assert.Equal(t, StatusCompleted, f.get(t, early.ID).Status)
	assert.Equal(t, StatusPending, f.get(t, later.ID).Status)

	f.advance(24 * time.Hour)
	f.sim.FailNext(chain.OpWithdraw, chain.ErrChainUnavailable)
	sweep, err = f.coord.ProcessReadySettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Failed)
	assert.Contains(t, sweep.Errors, later.ID)
	assert.Equal(t, StatusReady, f.get(t, later.ID).Status)

	sweep, err = f.coord.ProcessReadySettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Promoted)
	assert.Equal(t, 1, sweep.Succeeded)
}

func TestProcessReadySettlements_WithoutAutoSettle(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	s := f.queue(t, "esc_manual", usdc(10))
	f.advance(73 * time.Hour)

	sweep, err := f.coord.ProcessReadySettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Promoted)
	assert.Equal(t, 0, sweep.Executed)
	assert.Equal(t, StatusReady, f.get(t, s.ID).Status)
	assert.Equal(t, 0, f.sim.Calls(chain.OpWithdraw))
}

func TestGetSettlementStats(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSettle = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	done := f.queue(t, "esc_st1", usdc(1000))
	f.queue(t, "esc_st2", usdc(10))
	f.advance(73 * time.Hour)
	_, err := f.coord.ExecuteSettlement(ctx, done.ID)
	require.NoError(t, err)

	failed := f.queue(t, "esc_st3", usdc(10))
	f.gate.DenyMerchant(merchantID)
	f.advance(73 * time.Hour)
	_, err = f.coord.ExecuteSettlement(ctx, failed.ID)
	require.Error(t, err)

	st, err := f.coord.GetSettlementStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByStatus[StatusCompleted])
	assert.Equal(t, 1, st.ByStatus[StatusPending])
	assert.Equal(t, 1, st.ByStatus[StatusFailed])
	assert.Equal(t, usdc(1000), st.SettledVolume)
	assert.Equal(t, usdc(5), st.TotalFees)
	assert.Equal(t, "82833.75", st.FiatSettled["INR"].StringFixed(2))
	assert.Equal(t, 1, st.OpenEscalation)
	assert.Equal(t, 3, st.Unregistered)
}

func TestExecuteSettlement_WithAuditTrail(t *testing.T) {
	f := newFixture(t, testConfig())
	registry := NewMemoryRegistry()
	trail := NewAuditTrail(registry, f.store, 16, nil)
	f.coord.WithAuditTrail(trail)
	go trail.Start(context.Background())

	s := f.queue(t, "esc_audit", usdc(100))
	f.advance(73 * time.Hour)
	res, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Stages[4].Detail)

	require.Eventually(t, func() bool { return trail.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	trail.Stop()

	assert.Equal(t, []AuditOp{AuditRegister, AuditWithdrawal, AuditCompletion}, registry.Ops(s.ID))
	stored := f.get(t, s.ID)
	assert.True(t, stored.OnChainRegistered)
	assert.NotEmpty(t, stored.RegistryTx)
	assert.NotEmpty(t, stored.WithdrawalRecordTx)
	assert.NotEmpty(t, stored.CompletionTx)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestExecuteSettlement_RegistryDownKeepsLocalMode(t *testing.T) {
	f := newFixture(t, testConfig())
	registry := NewMemoryRegistry()
	registry.SetFailure(errors.New("rpc: connection refused"))
	trail := NewAuditTrail(registry, f.store, 16, nil).
		WithRetry(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	f.coord.WithAuditTrail(trail)
	go trail.Start(context.Background())

	s := f.queue(t, "esc_local", usdc(100))
	f.advance(73 * time.Hour)
	res, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	require.Eventually(t, func() bool { return trail.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	trail.Stop()

	stored := f.get(t, s.ID)
	assert.False(t, stored.OnChainRegistered)
	assert.Empty(t, stored.CompletionTx)
}

func TestExecuteSettlement_NotFound(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.coord.ExecuteSettlement(context.Background(), "stl_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteSettlement_Events(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.queue(t, "esc_ev", usdc(10))
	f.advance(73 * time.Hour)
	_, err := f.coord.ExecuteSettlement(context.Background(), s.ID)
	require.NoError(t, err)

	evs, err := f.log.List(context.Background(), s.ID)
	require.NoError(t, err)
	var path []string
	for _, e := range evs {
		path = append(path, e.From+">"+e.To)
	}
	assert.Equal(t, []string{">pending", "pending>settling", "settling>completed"}, path)
}
