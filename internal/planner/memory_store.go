package planner

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory plan store for demo/development mode.
type MemoryStore struct {
	plans map[string]*Plan
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

func (m *MemoryStore) Create(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plans[p.ID]; exists {
		return ErrDuplicate
	}
	m.plans[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status, expected Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return ErrPlanNotFound
	}
	if p.Status != expected {
		return ErrConflict
	}
	p.Status = status
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpdateFragment(_ context.Context, planID string, f Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[planID]
	if !ok || f.Index < 0 || f.Index >= len(p.Fragments) {
		return ErrPlanNotFound
	}
	f.Amount = cloneInt(f.Amount)
	p.Fragments[f.Index] = f
	if f.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = f.UpdatedAt
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Plan
	for _, p := range m.plans {
		if f.matches(p) {
			result = append(result, p.Clone())
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

var _ Store = (*MemoryStore)(nil)
