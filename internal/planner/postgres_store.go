package planner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists plans and their fragments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, total_amount, token, strategy, merchant_id, merchant_addr, created_by, status, created_at, updated_at`

const fragmentColumns = `plan_id, idx, chain, source_wallet, amount, target_escrow_id, deposit_tx, status, error, updated_at`

func (p *PostgresStore) Create(ctx context.Context, plan *Plan) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_plans (`+planColumns+`)
		VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7, $8, $9, $10)`,
		plan.ID, plan.TotalAmount.String(), plan.Token, string(plan.Strategy), plan.MerchantID,
		plan.MerchantAddr, plan.CreatedBy, string(plan.Status), plan.CreatedAt, plan.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_fragments (`+fragmentColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range plan.Fragments {
		if _, err := stmt.ExecContext(ctx,
			plan.ID, f.Index, f.Chain, f.SourceWallet, f.Amount.String(), f.TargetEscrowID,
			nullString(f.DepositTx), string(f.Status), nullString(f.Error), f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert fragment %d: %w", f.Index, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Plan, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadFragments(ctx, []*Plan{plan}); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status, expected Status, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_plans SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(status), at, id, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) UpdateFragment(ctx context.Context, planID string, f Fragment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE plan_fragments SET deposit_tx = $1, status = $2, error = $3, updated_at = $4
		WHERE plan_id = $5 AND idx = $6`,
		nullString(f.DepositTx), string(f.Status), nullString(f.Error), f.UpdatedAt, planID, f.Index,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM payment_plans WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.MerchantID != "" {
		add("merchant_id = $%d", f.MerchantID)
	}
	if f.CreatedBy != "" {
		add("LOWER(created_by) = LOWER($%d)", f.CreatedBy)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadFragments(ctx, plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// loadFragments fills Fragments for plans with one query.
func (p *PostgresStore) loadFragments(ctx context.Context, plans []*Plan) error {
	if len(plans) == 0 {
		return nil
	}
	byID := make(map[string]*Plan, len(plans))
	ids := make([]string, len(plans))
	for i, plan := range plans {
		byID[plan.ID] = plan
		ids[i] = plan.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+` FROM plan_fragments
		WHERE plan_id = ANY($1)
		ORDER BY plan_id, idx`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			f               Fragment
			planID, amount  string
			status          string
			depositTx, ferr sql.NullString
		)
		if err := rows.Scan(&planID, &f.Index, &f.Chain, &f.SourceWallet, &amount, &f.TargetEscrowID,
			&depositTx, &status, &ferr, &f.UpdatedAt); err != nil {
			return err
		}
		var ok bool
		if f.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return fmt.Errorf("plan %s fragment %d: corrupt amount %q", planID, f.Index, amount)
		}
		f.DepositTx = depositTx.String
		f.Error = ferr.String
		f.Status = FragmentStatus(status)
		if plan, ok := byID[planID]; ok {
			plan.Fragments = append(plan.Fragments, f)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(sc scanner) (*Plan, error) {
	plan := &Plan{Fragments: []Fragment{}}
	var total, strategy, status string
	err := sc.Scan(&plan.ID, &total, &plan.Token, &strategy, &plan.MerchantID, &plan.MerchantAddr,
		&plan.CreatedBy, &status, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var ok bool
	if plan.TotalAmount, ok = new(big.Int).SetString(total, 10); !ok {
		return nil, fmt.Errorf("plan %s: corrupt amount %q", plan.ID, total)
	}
	plan.Strategy = Strategy(strategy)
	plan.Status = Status(status)
	return plan, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
