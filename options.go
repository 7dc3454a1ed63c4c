package motion

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/store"
	"github.com/motionhq/motion/internal/worker"
)

// UpdateTaskType selects how an update route's worker is isolated.
type UpdateTaskType int

const (
	// UpdateTaskThread runs the update function in-process (the default).
	UpdateTaskThread UpdateTaskType = iota
	// UpdateTaskProcess re-execs the binary and runs the update function
	// in a subprocess; see internal/worker/process.go.
	UpdateTaskProcess
)

func (t UpdateTaskType) workerKind() worker.Kind {
	if t == UpdateTaskProcess {
		return worker.KindProcess
	}
	return worker.KindGoroutine
}

// instanceConfig accumulates InstanceOption settings before Instance
// construction validates and applies them.
type instanceConfig struct {
	store              store.Store
	updateTaskType     UpdateTaskType
	disableUpdateTask  bool
	flushOnExit        bool
	cacheTTL           time.Duration
	cacheSize          int
	redisSocketTimeout time.Duration
	lockTTL            time.Duration
	queueHighWaterMark int
	logger             *slog.Logger
	metrics            *metrics.Registry
}

func defaultInstanceConfig() instanceConfig {
	return instanceConfig{
		updateTaskType:     UpdateTaskThread,
		cacheTTL:           5 * time.Minute,
		cacheSize:          10_000,
		redisSocketTimeout: 10 * time.Second,
		lockTTL:            60 * time.Second,
		queueHighWaterMark: 1024,
		logger:             slog.Default(),
	}
}

// InstanceOption configures a Component.Instance call.
type InstanceOption func(*instanceConfig)

// WithStore supplies the state-store adapter an instance persists
// through. Required — Instance returns an error if none is given, since
// Go has no implicit global store connection the way a process-wide
// Python runtime might.
func WithStore(st store.Store) InstanceOption {
	return func(c *instanceConfig) { c.store = st }
}

// WithUpdateTaskType selects thread (goroutine) or process isolation
// for every update route on the instance.
func WithUpdateTaskType(t UpdateTaskType) InstanceOption {
	return func(c *instanceConfig) { c.updateTaskType = t }
}

// WithDisableUpdateTask disables the update worker pool entirely: Run
// and Gen skip enqueuing update jobs, and FlushUpdate returns
// ErrDisabledUpdateTask. Mutually exclusive with WithFlushOnExit.
func WithDisableUpdateTask(disabled bool) InstanceOption {
	return func(c *instanceConfig) { c.disableUpdateTask = disabled }
}

// WithFlushOnExit drains every flow's update queues during Shutdown.
// Mutually exclusive with WithDisableUpdateTask.
func WithFlushOnExit(enabled bool) InstanceOption {
	return func(c *instanceConfig) { c.flushOnExit = enabled }
}

// WithCacheTTL sets the result cache's entry expiry.
func WithCacheTTL(ttl time.Duration) InstanceOption {
	return func(c *instanceConfig) { c.cacheTTL = ttl }
}

// WithCacheSize bounds the result cache's entry count (addition: the
// distilled spec doesn't size-bound the cache, but golang-lru/v2's
// expirable cache requires a capacity up front).
func WithCacheSize(n int) InstanceOption {
	return func(c *instanceConfig) { c.cacheSize = n }
}

// WithRedisSocketTimeout upper-bounds the time spent retrying state-lock
// acquisition before it fails with ErrLockContention. Other store
// operations are not bounded by it; they run under the store client's
// own dial/read/write timeouts.
func WithRedisSocketTimeout(d time.Duration) InstanceOption {
	return func(c *instanceConfig) { c.redisSocketTimeout = d }
}

// WithLockTTL bounds how long the state lock may be held before it
// expires on its own, surviving a crashed lock holder.
func WithLockTTL(d time.Duration) InstanceOption {
	return func(c *instanceConfig) { c.lockTTL = d }
}

// WithQueueHighWaterMark bounds each update queue's buffered job count
// before Enqueue starts returning ErrBackpressure.
func WithQueueHighWaterMark(n int) InstanceOption {
	return func(c *instanceConfig) { c.queueHighWaterMark = n }
}

// WithLoggingLevel wires an slog.Leveler into a dedicated logger for
// this instance (observability only, per spec.md §6).
func WithLoggingLevel(level slog.Leveler) InstanceOption {
	return func(c *instanceConfig) {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}

// WithLogger overrides the instance's logger directly.
func WithLogger(logger *slog.Logger) InstanceOption {
	return func(c *instanceConfig) { c.logger = logger }
}

// WithMetrics wires a Prometheus metrics.Registry into the instance's
// container, worker pool, and executor.
func WithMetrics(reg *metrics.Registry) InstanceOption {
	return func(c *instanceConfig) { c.metrics = reg }
}

func (c instanceConfig) validate() error {
	if c.store == nil {
		return fmt.Errorf("motion: WithStore is required")
	}
	if c.disableUpdateTask && c.flushOnExit {
		return fmt.Errorf("motion: disable_update_task and flush_on_exit are mutually exclusive")
	}
	return nil
}

// UpdateOption configures a single Component.Update route.
type UpdateOption func(*updateRoute)

// WithBatchSize sets how many jobs are merged into one update batch
// before the worker applies them in a single version bump.
// WithBatchSize(1) is sugar: the update function still always receives
// length-1 slices (see Scalar1).
func WithBatchSize(n int) UpdateOption {
	return func(r *updateRoute) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithProcessWorker runs this update route's worker in a subprocess
// instead of a goroutine, overriding the instance's WithUpdateTaskType
// for this route only. funcName must match the name this route's
// UpdateFunc was registered under in a worker.Registry beforehand (see
// internal/worker/process.go and cmd/motion-demo for the re-exec side).
func WithProcessWorker(funcName string) UpdateOption {
	return func(r *updateRoute) {
		r.kind = UpdateTaskProcess
		r.funcName = funcName
	}
}
