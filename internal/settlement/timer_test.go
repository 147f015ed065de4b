package settlement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_Sweep(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSettle = true
	f := newFixture(t, cfg)
	ctx := context.Background()
	s := f.queue(t, "esc_timer", usdc(10))

	timer := NewTimer(f.coord, time.Minute, slog.Default())
	res := timer.Sweep(ctx)
	assert.Equal(t, 0, res.Promoted)
	assert.Equal(t, 0, res.Executed)

	f.advance(73 * time.Hour)
	res = timer.Sweep(ctx)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, StatusCompleted, f.get(t, s.ID).Status)
}

type failingListStore struct {
	*MemoryStore
}

func (failingListStore) ListDue(context.Context, time.Time, int) ([]*Settlement, error) {
	return nil, assert.AnError
}

func TestTimer_SweepStoreErrorReturnsEmptyResult(t *testing.T) {
	f := newFixture(t, testConfig())
	f.coord.store = failingListStore{f.store}

	res := NewTimer(f.coord, time.Minute, nil).Sweep(context.Background())
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Promoted)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t, testConfig())
	timer := NewTimer(f.coord, 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, testConfig())
	timer := NewTimer(f.coord, 0, nil)
	assert.Equal(t, DefaultSweepInterval, timer.interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}
