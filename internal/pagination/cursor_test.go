package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTripWithinScope(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	scope := Scope("settled", "m_1", "base")

	c, err := Decode(Encode(ts, "stl_a|b", scope), scope)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "stl_a|b", c.ID)
	assert.Equal(t, scope, c.Scope)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("", Scope())
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_RejectsOtherFilter(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	cur := Encode(ts, "esc_1", Scope("active", ""))

	_, err := Decode(cur, Scope("completed", ""))
	assert.ErrorIs(t, err, ErrScopeMismatch)
	_, err = Decode(cur, Scope("", "active"))
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestDecode_Malformed(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	scope := Scope()
	for name, in := range map[string]string{
		"not base64":    "not-base64!!!",
		"no separators": enc("nopipe"),
		"old format":    enc("1700000000|esc_1"),
		"bad time":      enc("yesterday|" + scope + "|esc_1"),
		"empty id":      enc("1700000000|" + scope + "|"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in, scope)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestDecode_ToleratesPadding(t *testing.T) {
	scope := Scope("x")
	raw := "1700000000000000000|" + scope + "|esc_1"
	c, err := Decode(base64.URLEncoding.EncodeToString([]byte(raw)), scope)
	require.NoError(t, err)
	assert.Equal(t, "esc_1", c.ID)
}

func TestScope_DistinguishesFieldBoundaries(t *testing.T) {
	assert.Equal(t, Scope("a", "b"), Scope("a", "b"))
	assert.NotEqual(t, Scope("ab", ""), Scope("a", "b"))
}

func TestComputePage(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return day, s }
	scope := Scope("pending")

	page, next, more := ComputePage([]string{"a", "b", "c"}, 5, scope, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage([]string{"a", "b", "c"}, 3, scope, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, scope, key)
	assert.Equal(t, []string{"a", "b", "c"}, page)
	assert.True(t, more)
	c, err := Decode(next, scope)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
	assert.Equal(t, day, c.CreatedAt)
}
