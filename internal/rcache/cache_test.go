package rcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetSetRoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	k := Key{FlowKey: "add", Version: 1, Fingerprint: "abc"}

	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Set(k, 42)
	v, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCache_DistinctVersionsAreDistinctKeys(t *testing.T) {
	c := New(10, time.Minute)
	k1 := Key{FlowKey: "add", Version: 1, Fingerprint: "abc"}
	k2 := Key{FlowKey: "add", Version: 2, Fingerprint: "abc"}

	c.Set(k1, "v1")
	_, ok := c.Get(k2)
	assert.False(t, ok, "a version bump must not be served from the old version's entry")
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	k := Key{FlowKey: "add", Version: 1, Fingerprint: "abc"}
	c.Set(k, "v")

	_, ok := c.Get(k)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(k)
	assert.False(t, ok, "entry must be gone once its TTL has elapsed")
}

func TestFingerprint_Deterministic(t *testing.T) {
	f1, err := Fingerprint("add", map[string]any{"v": 1, "a": "x"})
	require.NoError(t, err)
	f2, err := Fingerprint("add", map[string]any{"a": "x", "v": 1})
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "key order must not affect the fingerprint")

	f3, err := Fingerprint("concat", map[string]any{"v": 1, "a": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3, "different flow keys must fingerprint differently")
}

func TestFingerprint_BypassOnUnserializable(t *testing.T) {
	_, err := Fingerprint("add", map[string]any{"fn": func() {}})
	require.Error(t, err)
}
