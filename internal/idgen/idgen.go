// Package idgen generates identifiers for escrows, settlements and plans.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used across the platform.
const (
	EscrowPrefix     = "esc_"
	SettlementPrefix = "stl_"
	PlanPrefix       = "plan_"
	EventPrefix      = "evt_"
	KeyPrefix        = "key_"
	WebhookPrefix    = "wh_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 random hex chars (12 bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Settlement returns a settlement identifier. Settlement IDs double as payout
// idempotency keys, so they use a full UUID rather than a short random suffix.
func Settlement() string {
	return SettlementPrefix + uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
