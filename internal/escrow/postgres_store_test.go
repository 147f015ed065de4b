package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/pagination"
	"github.com/chainsettle/chainsettle/internal/testutil"
)

func pgRecord(id string, createdAt time.Time) *Record {
	return &Record{
		ID:           id,
		Chain:        "base",
		Token:        "USDC",
		Amount:       usdc(1000),
		PayerAddr:    payer,
		MerchantID:   "m_1",
		MerchantAddr: merchant,
		ArbiterAddr:  arbiter,
		Status:       StatusActive,
		Reference:    "order-" + id,
		DepositTx:    "0xdeposit",
		ExpiresAt:    createdAt.Add(time.Hour),
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := pgRecord("esc_pg1", now)
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), ErrDuplicate)

	got, err := store.Get(ctx, "base", "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, usdc(1000), got.Amount)
	assert.Equal(t, arbiter, got.ArbiterAddr)
	assert.Nil(t, got.Fee)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = store.Get(ctx, "polygon", "esc_pg1")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	fee, net := usdc(2), usdc(998)
	resolved := now.Add(time.Minute)
	got.Status = StatusCompleted
	got.Fee, got.NetAmount = fee, net
	got.Recipient = merchant
	got.ResolvedAt = &resolved
	require.NoError(t, store.Update(ctx, got, StatusActive))

	got.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, got, StatusActive), ErrConflict)

	final, err := store.Get(ctx, "base", "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, fee, final.Fee)
	assert.Equal(t, net, final.NetAmount)
	require.NotNil(t, final.ResolvedAt)
}

func TestPostgresStore_ListAndSweeps(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"esc_a", "esc_b", "esc_c"} {
		require.NoError(t, store.Create(ctx, pgRecord(id, base.Add(time.Duration(i)*time.Second))))
	}
	disputed, _ := store.Get(ctx, "base", "esc_a")
	deadline := base.Add(-time.Minute)
	disputed.Status = StatusDisputed
	disputed.DisputeDeadline = &deadline
	require.NoError(t, store.Update(ctx, disputed, StatusActive))

	page, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "esc_c", page[0].ID)

	cur := &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	rest, err := store.List(ctx, Filter{Cursor: cur, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "esc_a", rest[0].ID)

	active, err := store.List(ctx, Filter{Status: StatusActive, Party: merchant, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	expired, err := store.ListExpired(ctx, base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	lapsed, err := store.ListDisputeLapsed(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "esc_a", lapsed[0].ID)
}
