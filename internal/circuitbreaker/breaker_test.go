package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clk.Now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("base")
	b.RecordFailure("base")
	if !b.Allow("base") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("base")
	if b.Allow("base") {
		t.Fatal("should be open after 3 failures")
	}
	assert.Equal(t, StateOpen, b.State("base"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("polygon")
	b.RecordFailure("polygon")
	require.False(t, b.Allow("polygon"))

	clk.Advance(time.Minute)
	require.True(t, b.Allow("polygon"), "first request after openDuration is the probe")
	assert.Equal(t, StateHalfOpen, b.State("polygon"))
	assert.False(t, b.Allow("polygon"), "second request while probing is rejected")

	b.RecordSuccess("polygon")
	assert.Equal(t, StateClosed, b.State("polygon"))
	assert.True(t, b.Allow("polygon"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("base")
	b.RecordFailure("base")
	clk.Advance(time.Minute)
	b.Allow("base")

	b.RecordFailure("base")
	assert.Equal(t, StateOpen, b.State("base"))

	// openDuration restarts from the failed probe
	clk.Advance(30 * time.Second)
	assert.False(t, b.Allow("base"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("base")
	b.RecordFailure("base")
	b.RecordSuccess("base")
	b.RecordFailure("base")

	assert.True(t, b.Allow("base"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("base")
	b.RecordFailure("base")

	assert.False(t, b.Allow("base"))
	assert.True(t, b.Allow("solana"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("rpc down")
	rejected := errors.New("insufficient balance")
	notCounted := func(err error) bool { return !errors.Is(err, rejected) }

	// business rejections never trip the circuit
	for i := 0; i < 5; i++ {
		err := b.Execute("base", notCounted, func() error { return rejected })
		assert.ErrorIs(t, err, rejected)
	}
	assert.Equal(t, StateClosed, b.State("base"))

	_ = b.Execute("base", notCounted, func() error { return boom })
	_ = b.Execute("base", notCounted, func() error { return boom })

	called := false
	err := b.Execute("base", notCounted, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	done := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		done <- [2]State{from, to}
	})

	b.RecordFailure("base")
	b.RecordFailure("base")

	select {
	case got := <-done:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, got)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("solana")
	b.RecordFailure("base")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "base", snap[0].Key)
	assert.Equal(t, "open", snap[0].State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
