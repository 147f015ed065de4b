package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/syncutil"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Settlement
	escrows map[string]string // chain/escrow id -> settlement id
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Settlement),
		escrows: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[s.ID]; exists {
		return ErrDuplicate
	}
	ek := syncutil.Key(s.Escrow.Chain, s.Escrow.EscrowID)
	if _, taken := m.escrows[ek]; taken {
		return ErrEscrowAlreadySettled
	}
	m.records[s.ID] = s.Clone()
	m.escrows[ek] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Settlement, expected ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[s.ID]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(cur.Status, expected) {
		return ErrConflict
	}
	next := s.Clone()
	next.OnChainRegistered = cur.OnChainRegistered
	next.RegistryTx = cur.RegistryTx
	next.WithdrawalRecordTx = cur.WithdrawalRecordTx
	next.CompletionTx = cur.CompletionTx
	m.records[s.ID] = next
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, want := range set {
		if s == want {
			return true
		}
	}
	return false
}

func (m *MemoryStore) RecordAudit(_ context.Context, id string, op AuditOp, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	switch op {
	case AuditRegister:
		s.OnChainRegistered = true
		s.RegistryTx = txRef
	case AuditWithdrawal:
		s.WithdrawalRecordTx = txRef
	case AuditCompletion:
		s.CompletionTx = txRef
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.records {
		if f.matches(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.records {
		if s.Status == StatusPending && !s.DisputePeriodEnd.After(before) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DisputePeriodEnd.Before(result[j].DisputePeriodEnd) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := newStats()
	for _, s := range m.records {
		st.add(s)
	}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
