// Package events records the audit trail of escrow, settlement and plan state
// transitions and fans it out to the configured sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/idgen"
)

// Entity kinds.
const (
	KindEscrow     = "escrow"
	KindSettlement = "settlement"
	KindPlan       = "plan"
)

// Event is one auditable state transition.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	EntityID string            `json:"entityId"`
	Chain    string            `json:"chain,omitempty"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Actor    string            `json:"actor"`
	TxRef    string            `json:"txRef,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// New builds an event with a fresh ID and timestamp.
func New(kind, entityID, from, to, actor string) Event {
	return Event{
		ID:       idgen.WithPrefix(idgen.EventPrefix),
		Kind:     kind,
		EntityID: entityID,
		From:     from,
		To:       to,
		Actor:    actor,
		At:       time.Now().UTC(),
	}
}

// Publisher accepts audit events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Lister reads back the events of one entity, oldest first.
type Lister interface {
	List(ctx context.Context, entityID string) ([]Event, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// MemoryLog keeps events in memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, copyEvent(e))
	m.mu.Unlock()
	return nil
}

func (m *MemoryLog) List(_ context.Context, entityID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.EntityID == entityID {
			out = append(out, copyEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// All returns every event, in publish order.
func (m *MemoryLog) All() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	for i, e := range m.events {
		out[i] = copyEvent(e)
	}
	return out
}

func copyEvent(e Event) Event {
	if e.Detail != nil {
		d := make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	return e
}

// Fanout publishes to every sink. A failing sink does not stop the others;
// the joined error is logged and returned.
type Fanout struct {
	sinks  []Publisher
	logger *slog.Logger
}

// NewFanout creates a fan-out over sinks. nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Publisher) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil && f.logger != nil {
		f.logger.Warn("audit event not delivered to every sink",
			"eventId", e.ID, "entityId", e.EntityID, "error", err)
	}
	return err
}
