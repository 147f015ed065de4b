package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := syncutil.Key(rec.Chain, rec.ID)
	if _, exists := m.records[key]; exists {
		return ErrDuplicate
	}
	m.records[key] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, chainName, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[syncutil.Key(chainName, id)]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Record, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := syncutil.Key(rec.Chain, rec.ID)
	cur, ok := m.records[key]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	m.records[key] = rec.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if f.matches(r) {
			result = append(result, r.Clone())
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

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	return m.scan(limit, func(r *Record) bool {
		return r.Status == StatusActive && r.ExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListDisputeLapsed(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	return m.scan(limit, func(r *Record) bool {
		return r.Status == StatusDisputed && r.DisputeDeadline != nil && r.DisputeDeadline.Before(before)
	}), nil
}

func (m *MemoryStore) scan(limit int, keep func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if keep(r) {
			result = append(result, r.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
