// Package store is the boundary between Motion's execution engine and
// the external key/value service that backs it. It supports the small
// operation set the engine actually needs: get/set, atomic increment,
// TTL-bounded locking, and pub/sub — plus a pluggable Codec for opaque
// values. It never retries internally; retry policy lives in the
// callers (internal/state, internal/worker).
package store

import (
	"context"
	"time"
)

// Store abstracts the persistent key/value + lock + pub/sub backend.
// RedisStore is the only production implementation; tests use it too,
// pointed at a miniredis instance.
type Store interface {
	// Get returns the raw bytes stored at key, or (nil, false, nil) if
	// the key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically increments the integer at key (creating it at 0
	// first if absent) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Lock attempts to acquire a named mutual-exclusion lock with the
	// given TTL, returning an opaque token that must be presented to
	// Unlock. ok is false if the lock is already held.
	Lock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases a lock previously acquired with Lock, but only if
	// token still matches the current holder (a compare-and-delete, so
	// an expired-then-reacquired lock is never released by a late
	// caller).
	Unlock(ctx context.Context, name, token string) error

	// Publish delivers msg to every current subscriber of channel.
	Publish(ctx context.Context, channel string, msg []byte) error

	// Subscribe returns a channel of messages published to channel.
	// The returned cancel func must be called to release the
	// subscription's resources.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, cancel func(), err error)

	// Codec returns the codec used to encode/decode opaque values
	// before they are handed to Get/Set.
	Codec() Codec

	// Close releases the underlying client connection.
	Close() error
}
