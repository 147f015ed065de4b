// Package pagination provides keyset cursors for the list endpoints.
//
// A cursor carries the (created_at, id) of the last row served plus a
// fingerprint of the filter it was issued under. Presenting it with a
// different filter is rejected instead of silently skipping rows.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrScopeMismatch = errors.New("cursor was issued for a different filter")
)

// Cursor is a position in a list ordered by created_at DESC, id DESC.
type Cursor struct {
	CreatedAt time.Time
	ID        string
	Scope     string
}

// Scope fingerprints the filter values a list was requested with.
// Order matters; callers pass the same fields in the same order.
func Scope(values ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, "\x1f")))
	return hex.EncodeToString(sum[:6])
}

// Encode returns the opaque cursor for the row (createdAt, id) under scope.
func Encode(createdAt time.Time, id, scope string) string {
	raw := fmt.Sprintf("%d|%s|%s", createdAt.UnixNano(), scope, id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses s and checks it belongs to scope. Empty input yields a
// nil cursor.
func Decode(s, scope string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if parts[1] != scope {
		return nil, ErrScopeMismatch
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[2],
		Scope:     parts[1],
	}, nil
}

// ComputePage trims items fetched with limit+1 and returns the page, the
// cursor for the next one and whether more rows exist.
func ComputePage[T any](items []T, limit int, scope string, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id, scope), true
}
