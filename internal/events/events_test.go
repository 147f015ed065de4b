package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsettle/chainsettle/internal/logging"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestNew(t *testing.T) {
	e := New(KindEscrow, "esc_1", "active", "completed", "0xmerchant")
	assert.True(t, strings.HasPrefix(e.ID, "evt_"))
	assert.False(t, e.At.IsZero())
}

func TestMemoryLog_ListFiltersByEntity(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	_ = log.Publish(ctx, New(KindEscrow, "esc_1", "", "active", "payer"))
	_ = log.Publish(ctx, New(KindEscrow, "esc_2", "", "active", "payer"))
	e := New(KindEscrow, "esc_1", "active", "disputed", "payer")
	e.Detail = map[string]string{"reason": "not delivered"}
	_ = log.Publish(ctx, e)

	got, err := log.List(ctx, "esc_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "disputed", got[1].To)

	got[1].Detail["reason"] = "mutated"
	again, _ := log.List(ctx, "esc_1")
	assert.Equal(t, "not delivered", again[1].Detail["reason"], "List must return copies")
	assert.Len(t, log.All(), 3)
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	pub := NewKafkaPublisher(w)

	e := New(KindSettlement, "stl_1", "settling", "completed", "system")
	require.NoError(t, pub.Publish(context.Background(), e))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "stl_1", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "completed", decoded.To)
}

func TestFanout_ContinuesPastFailingSink(t *testing.T) {
	mem := NewMemoryLog()
	broken := NewKafkaPublisher(&fakeWriter{err: errors.New("broker down")})
	f := NewFanout(logging.Discard(), broken, nil, mem)

	err := f.Publish(context.Background(), New(KindPlan, "plan_1", "planned", "executing", "api"))
	assert.Error(t, err)
	assert.Len(t, mem.All(), 1, "healthy sinks still receive the event")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
