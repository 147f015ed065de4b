package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(EscrowPrefix)
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+24)
	assert.NotEqual(t, id, WithPrefix(EscrowPrefix))
}

func TestSettlement(t *testing.T) {
	id := Settlement()
	if !strings.HasPrefix(id, SettlementPrefix) {
		t.Fatalf("expected %s prefix, got %s", SettlementPrefix, id)
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, SettlementPrefix))
	assert.NoError(t, err)
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
