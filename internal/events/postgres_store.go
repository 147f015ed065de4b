package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresLog persists events in audit_events.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a Postgres-backed log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Publish(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, entity_id, chain, from_status, to_status, actor, tx_ref, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Kind, e.EntityID, e.Chain, e.From, e.To, e.Actor, e.TxRef, detail, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PostgresLog) List(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, chain, from_status, to_status, actor, tx_ref, detail, created_at
		FROM audit_events WHERE entity_id = $1 ORDER BY created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.Chain, &e.From, &e.To, &e.Actor, &e.TxRef, &detail, &e.At); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
