package settlement

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// Escalation is a settlement that needs an operator: funds left the escrow
// but the merchant was not paid.
type Escalation struct {
	ID           string     `json:"id"`
	SettlementID string     `json:"settlementId"`
	Stage        Stage      `json:"stage"`
	Reason       string     `json:"reason"`
	Detail       string     `json:"detail,omitempty"`
	WithdrawTx   string     `json:"withdrawTx,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
}

// EscalationQueue is the operator work queue.
type EscalationQueue interface {
	Push(ctx context.Context, e *Escalation) error
	List(ctx context.Context, includeResolved bool) ([]*Escalation, error)
	Resolve(ctx context.Context, id, actor string, at time.Time) error
	CountOpen(ctx context.Context) (int, error)
}

// MemoryEscalations keeps escalations in process memory.
type MemoryEscalations struct {
	mu    sync.RWMutex
	items map[string]*Escalation
}

// NewMemoryEscalations creates an empty queue.
func NewMemoryEscalations() *MemoryEscalations {
	return &MemoryEscalations{items: make(map[string]*Escalation)}
}

func (m *MemoryEscalations) Push(_ context.Context, e *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.items[e.ID] = &cp
	return nil
}

func (m *MemoryEscalations) List(_ context.Context, includeResolved bool) ([]*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Escalation
	for _, e := range m.items {
		if e.ResolvedAt != nil && !includeResolved {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryEscalations) Resolve(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || e.ResolvedAt != nil {
		return ErrEscalationNotFound
	}
	e.ResolvedAt = &at
	e.ResolvedBy = actor
	return nil
}

func (m *MemoryEscalations) CountOpen(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.items {
		if e.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

// PostgresEscalations persists escalations in settlement_escalations.
type PostgresEscalations struct {
	db *sql.DB
}

// NewPostgresEscalations creates a Postgres-backed queue.
func NewPostgresEscalations(db *sql.DB) *PostgresEscalations {
	return &PostgresEscalations{db: db}
}

func (p *PostgresEscalations) Push(ctx context.Context, e *Escalation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_escalations (id, settlement_id, stage, reason, detail, withdraw_tx, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.SettlementID, string(e.Stage), e.Reason, e.Detail, e.WithdrawTx, e.CreatedAt,
	)
	return err
}

func (p *PostgresEscalations) List(ctx context.Context, includeResolved bool) ([]*Escalation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, settlement_id, stage, reason, detail, withdraw_tx, created_at, resolved_at, resolved_by
		FROM settlement_escalations
		WHERE $1 OR resolved_at IS NULL
		ORDER BY created_at ASC`, includeResolved)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escalation
	for rows.Next() {
		e := &Escalation{}
		var stage string
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&e.ID, &e.SettlementID, &stage, &e.Reason, &e.Detail, &e.WithdrawTx,
			&e.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		e.Stage = Stage(stage)
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Time
		}
		e.ResolvedBy = resolvedBy.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresEscalations) Resolve(ctx context.Context, id, actor string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlement_escalations SET resolved_at = $1, resolved_by = $2
		WHERE id = $3 AND resolved_at IS NULL`, at, actor, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscalationNotFound
	}
	return nil
}

func (p *PostgresEscalations) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement_escalations WHERE resolved_at IS NULL`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

var (
	_ EscalationQueue = (*MemoryEscalations)(nil)
	_ EscalationQueue = (*PostgresEscalations)(nil)
)
