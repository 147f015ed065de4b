// Package webhooks notifies merchants of settlement status changes.
//
// Merchants register HTTPS endpoints and pick the settlement statuses they
// care about. Each delivery is a signed POST of the transition event.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/settlement"
)

// EventType names a settlement transition a merchant can subscribe to.
type EventType string

// EventFor returns the event type published when a settlement enters status.
func EventFor(status settlement.Status) EventType {
	return EventType("settlement." + string(status))
}

// AllEventTypes lists every subscribable event type.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(settlement.AllStatuses))
	for _, s := range settlement.AllStatuses {
		out = append(out, EventFor(s))
	}
	return out
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, s := range settlement.AllStatuses {
		if t == EventFor(s) {
			return true
		}
	}
	return false
}

// maxConsecutiveFailures deactivates an endpoint that keeps failing.
const maxConsecutiveFailures = 10

var (
	ErrNotFound   = errors.New("webhooks: subscription not found")
	ErrInvalidURL = errors.New("webhooks: invalid endpoint URL")
	ErrNoEvents   = errors.New("webhooks: at least one valid event type is required")
)

// Subscription is one merchant endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	MerchantID          string      `json:"merchantId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]*Subscription, error)
	// RecordDelivery stores the outcome of one delivery. A failure bumps
	// ConsecutiveFailures and deactivates the endpoint at the limit.
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return fmt.Errorf("webhooks: duplicate subscription %s", sub.ID)
	}
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSub(sub), nil
}

func (m *MemoryStore) ListByMerchant(_ context.Context, merchantID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.MerchantID == merchantID {
			out = append(out, cloneSub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == "" {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
