// Package rcache is the Result Cache: a bounded mapping from
// (flow key, version, fingerprint) to a memoized serve result, with
// absolute TTL. Entries are never invalidated when the version
// advances — they simply stop being looked up, since a new version
// produces a new key.
package rcache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one cached serve result.
type Key struct {
	FlowKey     string
	Version     uint64
	Fingerprint string
}

// Cache is a bounded, TTL'd map from Key to a memoized result. It wraps
// hashicorp's expirable LRU, which gives us both the high-water-mark
// eviction and the absolute per-entry expiry the spec calls for in one
// data structure — the same library the teacher's publishing queue
// reaches for bounded tracking, just pointed at golang-lru's own
// expirable variant instead of the teacher's hand-rolled list+map.
type Cache struct {
	lru *lru.LRU[Key, any]
	ttl time.Duration
}

// New creates a Cache holding at most size entries, each valid for ttl
// from the moment it is Set.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 10_000
	}
	return &Cache{
		lru: lru.NewLRU[Key, any](size, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the cached result for k, if present and unexpired.
func (c *Cache) Get(k Key) (any, bool) {
	return c.lru.Get(k)
}

// Set stores v under k with the cache's configured TTL.
func (c *Cache) Set(k Key, v any) {
	c.lru.Add(k, v)
}

// Purge discards every entry. State changes don't purge the cache; only
// TTL and eviction do.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// errNotFingerprintablePrefix prefixes the error Fingerprint returns
// when props cannot be canonically serialized (e.g. it contains a
// function or channel value). Callers should treat that error as
// "bypass the cache", not as a hard error.
var errNotFingerprintablePrefix = "motion: props not fingerprintable"

// Fingerprint deterministically hashes (flowKey, props): props is
// canonicalized via encoding/json (which sorts map keys and gives a
// stable encoding of primitives) and the result hashed with SHA-256,
// truncated to its first 16 bytes (128 bits) — standard library only,
// since no pack dependency supplies a keyless 128-bit hash (see
// DESIGN.md). The returned string is hex-encoded and safe to use as
// part of a cache key or queue job identity.
func Fingerprint(flowKey string, props map[string]any) (string, error) {
	canonical, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("%s: %w", errNotFingerprintablePrefix, err)
	}

	h := sha256.New()
	h.Write([]byte(flowKey))
	h.Write([]byte{0})
	h.Write(canonical)
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum[:16]), nil
}
