// Package state implements the Versioned State Container: the
// in-memory mirror of a component instance's state dictionary plus its
// monotonic version counter, and the load/merge/persist operations that
// keep it in sync with the external store under a distributed lock.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/store"
)

const defaultLockTTL = 60 * time.Second

// Config controls the container's locking and backoff behavior.
type Config struct {
	// LockTTL bounds how long the state lock may be held before it is
	// considered orphaned and expires on its own. Defaults to 60s.
	LockTTL time.Duration

	// RedisSocketTimeout upper-bounds the total time spent retrying a
	// lock acquisition before giving up with ErrLockContention.
	RedisSocketTimeout time.Duration

	Logger *slog.Logger

	// Metrics is optional; a nil Registry records nothing.
	Metrics *metrics.Registry
}

// Container holds the in-memory snapshot of an instance's state and
// version, synchronized against Store under instanceName's lock.
type Container struct {
	st           store.Store
	instanceName string
	cfg          Config

	mu      sync.RWMutex
	state   map[string]any
	version uint64
}

// New creates a Container for instanceName. The container starts empty
// (version 0); call Load or Initialize before using it.
func New(st store.Store, instanceName string, cfg Config) *Container {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.RedisSocketTimeout == 0 {
		cfg.RedisSocketTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Container{
		st:           st,
		instanceName: instanceName,
		cfg:          cfg,
		state:        map[string]any{},
	}
}

// InstanceName returns the instance name this container persists state
// under, e.g. for a re-exec'd process-mode worker to reconstruct an
// identically-keyed Container against the same store.
func (c *Container) InstanceName() string { return c.instanceName }

func (c *Container) stateKey() string { return "state:" + c.instanceName }
func (c *Container) versionKey() string { return "version:" + c.instanceName }
func (c *Container) lockKey() string  { return "state:" + c.instanceName + ":lock" }

// Version returns the in-memory version, which may be stale by design —
// callers that need the latest persisted version should Load(force=true)
// first.
func (c *Container) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// ReadKey returns state[key], or def if key is absent.
func (c *Container) ReadKey(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.state[key]; ok {
		return v
	}
	return def
}

// Snapshot returns a shallow copy of the current state map and the
// version it was read at.
func (c *Container) Snapshot() (map[string]any, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out, c.version
}

// remoteVersion reads the persisted version counter, returning 0 if it
// does not exist yet (instance never initialized).
func (c *Container) remoteVersion(ctx context.Context) (uint64, error) {
	data, ok, err := c.st.Get(ctx, c.versionKey())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("motion: corrupt version counter for %s: %w", c.instanceName, err)
	}
	return n, nil
}

// Load refreshes the in-memory snapshot from the store. If force is
// false, it only fetches when the persisted version is ahead of the
// local one, so a caller that just wants "current enough" state never
// pays for a round trip it doesn't need.
func (c *Container) Load(ctx context.Context, force bool) error {
	remote, err := c.remoteVersion(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	local := c.version
	c.mu.RUnlock()

	if !force && remote <= local {
		return nil
	}

	data, ok, err := c.st.Get(ctx, c.stateKey())
	if err != nil {
		return err
	}

	var decoded map[string]any
	if ok {
		if err := c.st.Codec().Decode(data, &decoded); err != nil {
			return fmt.Errorf("motion: decode state for %s: %w", c.instanceName, err)
		}
	} else {
		decoded = map[string]any{}
	}

	c.mu.Lock()
	c.state = decoded
	c.version = remote
	c.mu.Unlock()
	return nil
}

// withLock acquires the state lock with exponential backoff bounded by
// RedisSocketTimeout, runs fn, and releases the lock afterward
// regardless of fn's outcome.
func (c *Container) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	deadline := start.Add(c.cfg.RedisSocketTimeout)
	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	var token string
	for {
		t, ok, err := c.st.Lock(ctx, c.lockKey(), c.cfg.LockTTL)
		if err != nil {
			return err
		}
		if ok {
			token = t
			break
		}
		if time.Now().After(deadline) {
			c.cfg.Metrics.RecordLockContention(c.instanceName)
			return fmt.Errorf("motion: acquire lock %s: %w", c.lockKey(), merr.ErrLockContention)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return fmt.Errorf("motion: acquire lock %s: %w", c.lockKey(), ctx.Err())
		}
		backoff = min(backoff*2, maxBackoff)
	}
	c.cfg.Metrics.ObserveLockWait(c.instanceName, time.Since(start).Seconds())

	defer func() {
		// Lock release uses a fresh short-lived context so a caller
		// deadline that just expired doesn't also block cleanup.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := c.st.Unlock(relCtx, c.lockKey(), token); err != nil {
			c.cfg.Logger.Warn("failed to release state lock", "instance", c.instanceName, "error", err)
		}
	}()

	return fn(ctx)
}

// ApplyUpdate merges partial into the persisted state under the state
// lock: reload to the latest version, merge, persist, and bump the
// version by exactly one. Returns the new version.
func (c *Container) ApplyUpdate(ctx context.Context, partial map[string]any) (uint64, error) {
	var newVersion uint64
	err := c.withLock(ctx, func(ctx context.Context) error {
		if err := c.Load(ctx, true); err != nil {
			return err
		}

		c.mu.Lock()
		merged := make(map[string]any, len(c.state)+len(partial))
		for k, v := range c.state {
			merged[k] = v
		}
		for k, v := range partial {
			merged[k] = v
		}
		c.mu.Unlock()

		encoded, err := c.st.Codec().Encode(merged)
		if err != nil {
			return fmt.Errorf("motion: encode state for %s: %w", c.instanceName, err)
		}
		if err := c.st.Set(ctx, c.stateKey(), encoded, 0); err != nil {
			return err
		}

		v, err := c.st.Incr(ctx, c.versionKey())
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.state = merged
		c.version = uint64(v)
		c.mu.Unlock()
		newVersion = uint64(v)
		c.cfg.Metrics.SetVersion(c.instanceName, newVersion)
		return nil
	})
	return newVersion, err
}

// WriteState is ApplyUpdate under a different name, exposed for the
// executor's out-of-band write_state operation — semantically
// identical, just not routed through the update queue.
func (c *Container) WriteState(ctx context.Context, partial map[string]any) (uint64, error) {
	return c.ApplyUpdate(ctx, partial)
}

// ApplyBatch runs fn against a freshly reloaded state snapshot under
// the state lock, merges whatever partial state it returns, and bumps
// the version by exactly one — but only if that partial is non-empty;
// a batch whose update function made no change leaves the version
// untouched. If fn returns an error, the batch is abandoned entirely:
// no merge, no persist, no version bump. bumped reports whether the
// version actually advanced.
func (c *Container) ApplyBatch(ctx context.Context, fn func(state map[string]any) (map[string]any, error)) (newVersion uint64, bumped bool, err error) {
	err = c.withLock(ctx, func(ctx context.Context) error {
		if err := c.Load(ctx, true); err != nil {
			return err
		}

		snapshot, _ := c.Snapshot()
		partial, ferr := fn(snapshot)
		if ferr != nil {
			return ferr
		}
		if len(partial) == 0 {
			c.mu.RLock()
			newVersion = c.version
			c.mu.RUnlock()
			return nil
		}

		c.mu.Lock()
		merged := make(map[string]any, len(c.state)+len(partial))
		for k, v := range c.state {
			merged[k] = v
		}
		for k, v := range partial {
			merged[k] = v
		}
		c.mu.Unlock()

		encoded, eerr := c.st.Codec().Encode(merged)
		if eerr != nil {
			return fmt.Errorf("motion: encode state for %s: %w", c.instanceName, eerr)
		}
		if eerr := c.st.Set(ctx, c.stateKey(), encoded, 0); eerr != nil {
			return eerr
		}

		v, ierr := c.st.Incr(ctx, c.versionKey())
		if ierr != nil {
			return ierr
		}

		c.mu.Lock()
		c.state = merged
		c.version = uint64(v)
		c.mu.Unlock()
		newVersion = uint64(v)
		bumped = true
		c.cfg.Metrics.SetVersion(c.instanceName, newVersion)
		return nil
	})
	return newVersion, bumped, err
}

// Initialize runs producer exactly once across every instance sharing
// instanceName: the first caller to observe persisted version 0 under
// the lock runs producer and persists its result as version 1; every
// later caller (or a losing racer) just loads what's there.
func (c *Container) Initialize(ctx context.Context, producer func(ctx context.Context) (map[string]any, error)) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		remote, err := c.remoteVersion(ctx)
		if err != nil {
			return err
		}
		if remote != 0 {
			return c.loadLocked(ctx, remote)
		}

		initial, err := producer(ctx)
		if err != nil {
			return merr.NewUserCodeError("__init__", "init_state", err)
		}
		if initial == nil {
			initial = map[string]any{}
		}

		encoded, err := c.st.Codec().Encode(initial)
		if err != nil {
			return fmt.Errorf("motion: encode initial state for %s: %w", c.instanceName, err)
		}
		if err := c.st.Set(ctx, c.stateKey(), encoded, 0); err != nil {
			return err
		}
		v, err := c.st.Incr(ctx, c.versionKey())
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.state = initial
		c.version = uint64(v)
		c.mu.Unlock()
		c.cfg.Metrics.SetVersion(c.instanceName, uint64(v))
		return nil
	})
}

// loadLocked is Load's body reused from within withLock, where the
// caller has already read remote and holds the lock.
func (c *Container) loadLocked(ctx context.Context, remote uint64) error {
	data, ok, err := c.st.Get(ctx, c.stateKey())
	if err != nil {
		return err
	}
	var decoded map[string]any
	if ok {
		if err := c.st.Codec().Decode(data, &decoded); err != nil {
			return fmt.Errorf("motion: decode state for %s: %w", c.instanceName, err)
		}
	} else {
		decoded = map[string]any{}
	}
	c.mu.Lock()
	c.state = decoded
	c.version = remote
	c.mu.Unlock()
	return nil
}
