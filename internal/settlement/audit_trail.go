package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsettle/chainsettle/internal/idgen"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/retry"
)

// RegistryEntry is what RegisterSettlement writes on-chain.
type RegistryEntry struct {
	SettlementID  string
	Escrow        EscrowRef
	CryptoAmount  *big.Int
	Fee           *big.Int
	FiatAmount    decimal.Decimal
	FiatCurrency  string
	Rail          string
	DisputePeriod time.Duration
}

// Registry is the on-chain settlement registry. Each call returns the hash
// of the submitted transaction.
type Registry interface {
	RegisterSettlement(ctx context.Context, e RegistryEntry) (string, error)
	RecordWithdrawal(ctx context.Context, settlementID, cryptoTx string) (string, error)
	RecordCompletion(ctx context.Context, settlementID, fiatRef string, proofHash [32]byte) (string, error)
}

// AuditSink stores the outcome of a bookkeeping write.
type AuditSink interface {
	RecordAudit(ctx context.Context, id string, op AuditOp, txRef string) error
}

type auditJob struct {
	op           AuditOp
	settlementID string
	entry        RegistryEntry
	cryptoTx     string
	fiatRef      string
	proof        [32]byte
}

// AuditTrail writes settlement bookkeeping to the registry from a
// background worker. Enqueue never blocks: a full queue drops the job and
// the settlement stays in local-only mode for that record.
type AuditTrail struct {
	registry Registry
	sink     AuditSink
	logger   *slog.Logger
	policy   retry.Policy
	timeout  time.Duration

	jobs    chan auditJob
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	pending atomic.Int64
}

// NewAuditTrail creates a worker with the given queue capacity.
func NewAuditTrail(registry Registry, sink AuditSink, capacity int, logger *slog.Logger) *AuditTrail {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{
		registry: registry,
		sink:     sink,
		logger:   logger,
		policy:   retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		timeout:  30 * time.Second,
		jobs:     make(chan auditJob, capacity),
		stop:     make(chan struct{}, 1),
	}
}

// WithRetry overrides the per-job retry policy.
func (a *AuditTrail) WithRetry(p retry.Policy) *AuditTrail {
	a.policy = p
	return a
}

// Running reports whether the worker loop is active.
func (a *AuditTrail) Running() bool {
	return a.running.Load()
}

// Pending is the number of queued or in-flight jobs.
func (a *AuditTrail) Pending() int {
	return int(a.pending.Load())
}

// Start runs the worker loop until ctx is done or Stop is called. Queued
// jobs are drained before it returns.
func (a *AuditTrail) Start(ctx context.Context) {
	a.running.Store(true)
	defer a.running.Store(false)
	a.wg.Add(1)
	defer a.wg.Done()

	// ctx only ends the loop; queued writes still go out
	work := context.WithoutCancel(ctx)
	for {
		select {
		case job := <-a.jobs:
			a.process(work, job)
		case <-ctx.Done():
			a.drain(work)
			return
		case <-a.stop:
			a.drain(work)
			return
		}
	}
}

// Stop signals the worker to drain and exit, and waits for it.
func (a *AuditTrail) Stop() {
	select {
	case a.stop <- struct{}{}:
	default:
	}
	a.wg.Wait()
}

func (a *AuditTrail) drain(ctx context.Context) {
	for {
		select {
		case job := <-a.jobs:
			a.process(ctx, job)
		default:
			return
		}
	}
}

func (a *AuditTrail) enqueue(job auditJob) bool {
	a.pending.Add(1)
	select {
	case a.jobs <- job:
		metrics.AuditTrailQueueDepth.Inc()
		return true
	default:
		a.pending.Add(-1)
		metrics.AuditTrailFailures.WithLabelValues(string(job.op)).Inc()
		a.logger.Warn("audit trail queue full, dropping record",
			"settlementId", job.settlementID, "op", job.op)
		return false
	}
}

// Register queues RegisterSettlement.
func (a *AuditTrail) Register(e RegistryEntry) bool {
	return a.enqueue(auditJob{op: AuditRegister, settlementID: e.SettlementID, entry: e})
}

// RecordWithdrawal queues RecordWithdrawal.
func (a *AuditTrail) RecordWithdrawal(settlementID, cryptoTx string) bool {
	return a.enqueue(auditJob{op: AuditWithdrawal, settlementID: settlementID, cryptoTx: cryptoTx})
}

// RecordCompletion queues RecordCompletion.
func (a *AuditTrail) RecordCompletion(settlementID, fiatRef string, proof [32]byte) bool {
	return a.enqueue(auditJob{op: AuditCompletion, settlementID: settlementID, fiatRef: fiatRef, proof: proof})
}

func (a *AuditTrail) process(ctx context.Context, job auditJob) {
	defer func() {
		a.pending.Add(-1)
		metrics.AuditTrailQueueDepth.Dec()
		if r := recover(); r != nil {
			a.logger.Error("panic in audit trail", "settlementId", job.settlementID, "op", job.op, "panic", fmt.Sprint(r))
		}
	}()

	var tx string
	err := a.policy.Do(ctx, func(int) error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		var err error
		tx, err = a.call(callCtx, job)
		return err
	})
	if err != nil {
		metrics.AuditTrailFailures.WithLabelValues(string(job.op)).Inc()
		a.logger.Warn("on-chain settlement record failed, continuing in local-only mode",
			"settlementId", job.settlementID, "op", job.op, "error", err)
		return
	}
	if err := a.sink.RecordAudit(ctx, job.settlementID, job.op, tx); err != nil {
		a.logger.Warn("failed to store settlement audit tx",
			"settlementId", job.settlementID, "op", job.op, "tx", tx, "error", err)
		return
	}
	a.logger.Debug("settlement recorded on-chain", "settlementId", job.settlementID, "op", job.op, "tx", tx)
}

func (a *AuditTrail) call(ctx context.Context, job auditJob) (string, error) {
	switch job.op {
	case AuditRegister:
		return a.registry.RegisterSettlement(ctx, job.entry)
	case AuditWithdrawal:
		return a.registry.RecordWithdrawal(ctx, job.settlementID, job.cryptoTx)
	case AuditCompletion:
		return a.registry.RecordCompletion(ctx, job.settlementID, job.fiatRef, job.proof)
	}
	return "", retry.Permanent(fmt.Errorf("unknown audit op %q", job.op))
}

// NopRegistry accepts every write without touching a chain. Used when no
// registry contract is configured.
type NopRegistry struct{}

func (NopRegistry) RegisterSettlement(context.Context, RegistryEntry) (string, error) {
	return "", errRegistryDisabled
}

func (NopRegistry) RecordWithdrawal(context.Context, string, string) (string, error) {
	return "", errRegistryDisabled
}

func (NopRegistry) RecordCompletion(context.Context, string, string, [32]byte) (string, error) {
	return "", errRegistryDisabled
}

var errRegistryDisabled = retry.Permanent(fmt.Errorf("settlement registry disabled"))

// MemoryRegistry records writes in memory and can be told to fail.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string][]AuditOp
	fail    error
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string][]AuditOp)}
}

// SetFailure makes every subsequent write return err. nil restores writes.
func (m *MemoryRegistry) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Ops returns the writes recorded for a settlement, in order.
func (m *MemoryRegistry) Ops(settlementID string) []AuditOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditOp(nil), m.records[settlementID]...)
}

func (m *MemoryRegistry) write(id string, op AuditOp) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.records[id] = append(m.records[id], op)
	return "0x" + idgen.Hex(32), nil
}

func (m *MemoryRegistry) RegisterSettlement(_ context.Context, e RegistryEntry) (string, error) {
	return m.write(e.SettlementID, AuditRegister)
}

func (m *MemoryRegistry) RecordWithdrawal(_ context.Context, id, _ string) (string, error) {
	return m.write(id, AuditWithdrawal)
}

func (m *MemoryRegistry) RecordCompletion(_ context.Context, id, _ string, _ [32]byte) (string, error) {
	return m.write(id, AuditCompletion)
}

var (
	_ Registry = NopRegistry{}
	_ Registry = (*MemoryRegistry)(nil)
)
