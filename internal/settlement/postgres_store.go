package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists settlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settlementColumns = `id, escrow_chain, escrow_id, merchant_id, merchant_addr, payer_addr,
		       crypto_amount, token, token_decimals, payment_method, dispute_period_end, status,
		       settlement_fee, net_amount, fiat_amount, fiat_currency, exchange_rate, rate_as_of, rate_source,
		       on_chain_registered, registry_tx, withdraw_tx, withdrawal_record_tx, completion_tx,
		       payout_ref, proof_hash, failure_reason, last_error, withdraw_attempts,
		       created_at, updated_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, s *Settlement) error {
	method, err := json.Marshal(s.PaymentMethod)
	if err != nil {
		return fmt.Errorf("encode payment method: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8, $9, $10, $11, $12,
			$13::NUMERIC, $14::NUMERIC, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24,
			$25, $26, $27, $28, $29,
			$30, $31, $32
		)`,
		s.ID, s.Escrow.Chain, s.Escrow.EscrowID, s.MerchantID, s.MerchantAddr, s.PayerAddr,
		s.CryptoAmount.String(), s.Token, s.TokenDecimals, string(method), s.DisputePeriodEnd, string(s.Status),
		intString(s.SettlementFee), intString(s.NetAmount), s.FiatAmount, s.FiatCurrency, s.ExchangeRate, s.RateAsOf, s.RateSource,
		s.OnChainRegistered, nullString(s.RegistryTx), nullString(s.WithdrawTx), nullString(s.WithdrawalRecordTx), nullString(s.CompletionTx),
		nullString(s.PayoutRef), nullString(s.ProofHash), nullString(s.FailureReason), nullString(s.LastError), s.WithdrawAttempts,
		s.CreatedAt, s.UpdatedAt, nullTime(s.SettledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "settlements_pkey" {
			return ErrDuplicate
		}
		return ErrEscrowAlreadySettled
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Update is a compare-and-set on status. Audit columns belong to RecordAudit.
func (p *PostgresStore) Update(ctx context.Context, s *Settlement, expected ...Status) error {
	want := make([]string, len(expected))
	for i, st := range expected {
		want[i] = string(st)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			status = $1, withdraw_tx = $2, payout_ref = $3, proof_hash = $4,
			failure_reason = $5, last_error = $6, withdraw_attempts = $7,
			updated_at = $8, settled_at = $9
		WHERE id = $10 AND status = ANY($11)`,
		string(s.Status), nullString(s.WithdrawTx), nullString(s.PayoutRef), nullString(s.ProofHash),
		nullString(s.FailureReason), nullString(s.LastError), s.WithdrawAttempts,
		s.UpdatedAt, nullTime(s.SettledAt),
		s.ID, pq.Array(want),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, s.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) RecordAudit(ctx context.Context, id string, op AuditOp, txRef string) error {
	var query string
	switch op {
	case AuditRegister:
		query = `UPDATE settlements SET on_chain_registered = TRUE, registry_tx = $1 WHERE id = $2`
	case AuditWithdrawal:
		query = `UPDATE settlements SET withdrawal_record_tx = $1 WHERE id = $2`
	case AuditCompletion:
		query = `UPDATE settlements SET completion_tx = $1 WHERE id = $2`
	default:
		return fmt.Errorf("unknown audit op %q", op)
	}
	result, err := p.db.ExecContext(ctx, query, txRef, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE 1=1`
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
	if f.EscrowChain != "" {
		add("escrow_chain = $%d", f.EscrowChain)
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < $%d", f.UpdatedBefore)
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
	return scanSettlements(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status = 'pending' AND dispute_period_end <= $1
		ORDER BY dispute_period_end
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSettlements(rows)
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := newStats()

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
		       COALESCE(SUM(crypto_amount), 0)::TEXT,
		       COALESCE(SUM(settlement_fee), 0)::TEXT,
		       COUNT(*) FILTER (WHERE NOT on_chain_registered)
		FROM settlements
		GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status         string
			count, unreg   int
			volume, feeSum string
		)
		if err := rows.Scan(&status, &count, &volume, &feeSum, &unreg); err != nil {
			return nil, err
		}
		vol, _ := new(big.Int).SetString(volume, 10)
		fees, _ := new(big.Int).SetString(feeSum, 10)
		st.Total += count
		st.ByStatus[Status(status)] = count
		st.Unregistered += unreg
		if vol != nil {
			st.TotalVolume.Add(st.TotalVolume, vol)
		}
		if Status(status) == StatusCompleted {
			if vol != nil {
				st.SettledVolume.Add(st.SettledVolume, vol)
			}
			if fees != nil {
				st.TotalFees.Add(st.TotalFees, fees)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fiatRows, err := p.db.QueryContext(ctx, `
		SELECT fiat_currency, SUM(fiat_amount)
		FROM settlements
		WHERE status = 'completed'
		GROUP BY fiat_currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fiatRows.Close() }()
	for fiatRows.Next() {
		var currency string
		var sum decimal.Decimal
		if err := fiatRows.Scan(&currency, &sum); err != nil {
			return nil, err
		}
		st.FiatSettled[currency] = sum
	}
	return st, fiatRows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(sc scanner) (*Settlement, error) {
	s := &Settlement{}
	var (
		amount, fee, net, status                   string
		method                                     []byte
		registryTx, withdrawTx, withdrawalRecordTx sql.NullString
		completionTx, payoutRef, proofHash         sql.NullString
		failureReason, lastError                   sql.NullString
		settledAt                                  sql.NullTime
	)
	err := sc.Scan(
		&s.ID, &s.Escrow.Chain, &s.Escrow.EscrowID, &s.MerchantID, &s.MerchantAddr, &s.PayerAddr,
		&amount, &s.Token, &s.TokenDecimals, &method, &s.DisputePeriodEnd, &status,
		&fee, &net, &s.FiatAmount, &s.FiatCurrency, &s.ExchangeRate, &s.RateAsOf, &s.RateSource,
		&s.OnChainRegistered, &registryTx, &withdrawTx, &withdrawalRecordTx, &completionTx,
		&payoutRef, &proofHash, &failureReason, &lastError, &s.WithdrawAttempts,
		&s.CreatedAt, &s.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if s.CryptoAmount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("settlement %s: corrupt amount %q", s.ID, amount)
	}
	s.SettlementFee, _ = new(big.Int).SetString(fee, 10)
	s.NetAmount, _ = new(big.Int).SetString(net, 10)
	if err := json.Unmarshal(method, &s.PaymentMethod); err != nil {
		return nil, fmt.Errorf("settlement %s: corrupt payment method: %w", s.ID, err)
	}
	s.Status = Status(status)
	s.RegistryTx = registryTx.String
	s.WithdrawTx = withdrawTx.String
	s.WithdrawalRecordTx = withdrawalRecordTx.String
	s.CompletionTx = completionTx.String
	s.PayoutRef = payoutRef.String
	s.ProofHash = proofHash.String
	s.FailureReason = failureReason.String
	s.LastError = lastError.String
	if settledAt.Valid {
		s.SettledAt = &settledAt.Time
	}
	return s, nil
}

func scanSettlements(rows *sql.Rows) ([]*Settlement, error) {
	var result []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ Store = (*PostgresStore)(nil)
