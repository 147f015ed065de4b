package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `chain, id, token, amount, payer_addr, merchant_id, merchant_addr, arbiter_addr,
		       status, payer_confirmed, merchant_confirmed, fee, net_amount, recipient,
		       reference, deposit_tx, resolution_tx, dispute_reason, dispute_deadline,
		       expires_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4::NUMERIC, $5, $6, $7, $8,
			$9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		e.Chain, e.ID, e.Token, e.Amount.String(), e.PayerAddr, e.MerchantID, e.MerchantAddr, nullString(e.ArbiterAddr),
		string(e.Status), e.PayerConfirmed, e.MerchantConfirmed, nullInt(e.Fee), nullInt(e.NetAmount), nullString(e.Recipient),
		nullString(e.Reference), nullString(e.DepositTx), nullString(e.ResolutionTx), nullString(e.DisputeReason), nullTime(e.DisputeDeadline),
		e.ExpiresAt, nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, chainName, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE chain = $1 AND id = $2`, chainName, id)

	e, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update is a compare-and-set on status.
func (p *PostgresStore) Update(ctx context.Context, e *Record, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, payer_confirmed = $2, merchant_confirmed = $3,
			fee = $4::NUMERIC, net_amount = $5::NUMERIC, recipient = $6,
			resolution_tx = $7, dispute_reason = $8, dispute_deadline = $9,
			resolved_at = $10, updated_at = $11
		WHERE chain = $12 AND id = $13 AND status = $14`,
		string(e.Status), e.PayerConfirmed, e.MerchantConfirmed,
		nullInt(e.Fee), nullInt(e.NetAmount), nullString(e.Recipient),
		nullString(e.ResolutionTx), nullString(e.DisputeReason), nullTime(e.DisputeDeadline),
		nullTime(e.ResolvedAt), e.UpdatedAt,
		e.Chain, e.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, e.Chain, e.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.Chain != "" {
		add("chain = $%d", f.Chain)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.MerchantID != "" {
		add("merchant_id = $%d", f.MerchantID)
	}
	if f.Party != "" {
		args = append(args, f.Party)
		query += fmt.Sprintf(" AND (LOWER(payer_addr) = LOWER($%d) OR LOWER(merchant_addr) = LOWER($%d))", len(args), len(args))
	}
	if f.Reference != "" {
		add("reference = $%d", f.Reference)
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
	return scanRecords(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *PostgresStore) ListDisputeLapsed(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'disputed' AND dispute_deadline < $1
		ORDER BY dispute_deadline
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	e := &Record{}
	var (
		amount, status                          string
		arbiter, fee, net, recipient, reference sql.NullString
		depositTx, resolutionTx, disputeReason  sql.NullString
		disputeDeadline, resolvedAt             sql.NullTime
	)
	err := s.Scan(
		&e.Chain, &e.ID, &e.Token, &amount, &e.PayerAddr, &e.MerchantID, &e.MerchantAddr, &arbiter,
		&status, &e.PayerConfirmed, &e.MerchantConfirmed, &fee, &net, &recipient,
		&reference, &depositTx, &resolutionTx, &disputeReason, &disputeDeadline,
		&e.ExpiresAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if e.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("escrow %s: corrupt amount %q", e.ID, amount)
	}
	e.Status = Status(status)
	e.ArbiterAddr = arbiter.String
	e.Fee = parseNullInt(fee)
	e.NetAmount = parseNullInt(net)
	e.Recipient = recipient.String
	e.Reference = reference.String
	e.DepositTx = depositTx.String
	e.ResolutionTx = resolutionTx.String
	e.DisputeReason = disputeReason.String
	if disputeDeadline.Valid {
		e.DisputeDeadline = &disputeDeadline.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		e, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseNullInt(s sql.NullString) *big.Int {
	if !s.Valid {
		return nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil
	}
	return v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
