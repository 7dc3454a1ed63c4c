package motion

import (
	"context"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/motionhq/motion/internal/executor"
	"github.com/motionhq/motion/internal/queue"
	"github.com/motionhq/motion/internal/rcache"
	"github.com/motionhq/motion/internal/state"
	"github.com/motionhq/motion/internal/worker"
)

// Instance is a running instance of a Component: its own versioned
// state, result cache, update queues, and worker pool, all addressed by
// instance name in the shared state store.
//
// Instance implements io.Closer; Close is Shutdown with the instance's
// configured flush-on-exit behavior and a background context.
type Instance struct {
	name      string
	component *Component
	exec      *executor.Executor
	container *state.Container
	queues    *queue.Set
	pool      *worker.Pool

	cfg instanceConfig

	mu         sync.Mutex
	workerCtx  context.Context
	workerStop context.CancelFunc
	closed     bool
}

func newInstance(ctx context.Context, c *Component, instanceName string, cfg instanceConfig) (*Instance, error) {
	container := state.New(cfg.store, instanceName, state.Config{
		LockTTL:            cfg.lockTTL,
		RedisSocketTimeout: cfg.redisSocketTimeout,
		Logger:             cfg.logger,
		Metrics:            cfg.metrics,
	})

	initFn := c.initFn
	if initFn == nil {
		initFn = func(context.Context) (map[string]any, error) { return map[string]any{}, nil }
	}
	if err := container.Initialize(ctx, initFn); err != nil {
		return nil, err
	}

	queues := queue.NewSet(cfg.queueHighWaterMark)
	workerCtx, workerStop := context.WithCancel(context.Background())
	pool := worker.NewPool()

	flows := make(map[string]*executor.FlowDef, len(c.flowKeys()))
	for _, flowKey := range c.flowKeys() {
		flow := &executor.FlowDef{FlowKey: flowKey, Serve: c.serves[flowKey]}

		for idx, route := range c.updates[flowKey] {
			// Each update route gets its own queue; the first keeps the
			// plain flow key as its queue name.
			queueKey := flowKey
			if idx > 0 {
				queueKey = fmt.Sprintf("%s#%d", flowKey, idx)
			}
			q := queues.GetOrCreate(queueKey)
			flow.Updates = append(flow.Updates, q)

			if cfg.disableUpdateTask {
				continue
			}
			kind := route.kind.workerKind()
			if kind == worker.KindGoroutine {
				kind = cfg.updateTaskType.workerKind()
			}
			flow := worker.Flow{
				FlowKey:   flowKey,
				Fn:        route.fn,
				BatchSize: route.batchSize,
				Queue:     q,
				Container: container,
				Metrics:   cfg.metrics,
			}
			if kind == worker.KindProcess {
				flow.Binary = os.Args[0]
				flow.FuncName = route.funcName
			}
			pool.Spawn(workerCtx, kind, flow, cfg.flushOnExit, cfg.logger)
		}

		flows[flowKey] = flow
	}

	cache := rcache.New(cfg.cacheSize, cfg.cacheTTL)
	exec := executor.New(instanceName, container, cache, flows, cfg.disableUpdateTask, cfg.logger, cfg.metrics)

	return &Instance{
		name:       instanceName,
		component:  c,
		exec:       exec,
		container:  container,
		queues:     queues,
		pool:       pool,
		cfg:        cfg,
		workerCtx:  workerCtx,
		workerStop: workerStop,
	}, nil
}

// Name returns the instance's fully-qualified name (component name plus
// instance ID), the same string used as the state store key prefix.
func (i *Instance) Name() string { return i.name }

// RunOptions controls one Run or Gen call.
type RunOptions = executor.RunOptions

// Run executes flowKey's serve route (if any) and enqueues its update
// routes.
func (i *Instance) Run(ctx context.Context, flowKey string, props any, opts ...func(*RunOptions)) (any, error) {
	return i.exec.Run(ctx, flowKey, props, applyRunOptions(opts))
}

// Gen is Run's streaming counterpart, returning a finite sequence.
func (i *Instance) Gen(ctx context.Context, flowKey string, props any, opts ...func(*RunOptions)) (iter.Seq[any], error) {
	return i.exec.Gen(ctx, flowKey, props, applyRunOptions(opts))
}

func applyRunOptions(opts []func(*RunOptions)) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithIgnoreCache skips both reading and writing the result cache for
// one Run/Gen call.
func WithIgnoreCache() func(*RunOptions) {
	return func(o *RunOptions) { o.IgnoreCache = true }
}

// WithForceRefresh drains outstanding update jobs on the flow and
// reloads state before running the serve route.
func WithForceRefresh() func(*RunOptions) {
	return func(o *RunOptions) { o.ForceRefresh = true }
}

// WithFlushUpdateAfter waits for every update job this call enqueues to
// finish (or fail) before returning, then reloads state.
func WithFlushUpdateAfter() func(*RunOptions) {
	return func(o *RunOptions) { o.FlushUpdateAfter = true }
}

// ReadState lazily refreshes and reads a single state key.
func (i *Instance) ReadState(ctx context.Context, key string, def any) (any, error) {
	return i.exec.ReadState(ctx, key, def)
}

// WriteState merges partial into state directly, outside the update
// queue, and returns the new version.
func (i *Instance) WriteState(ctx context.Context, partial map[string]any) (uint64, error) {
	return i.exec.WriteState(ctx, partial)
}

// FlushUpdate blocks until every update job enqueued on flowKey before
// the call has been applied or has failed.
func (i *Instance) FlushUpdate(ctx context.Context, flowKey string) error {
	return i.exec.FlushUpdate(ctx, flowKey)
}

// GetVersion returns the in-memory state version, which may be stale by
// design (see ReadState/Run with WithForceRefresh for a fresh read).
func (i *Instance) GetVersion() uint64 {
	return i.exec.GetVersion()
}

// Shutdown is idempotent: posts close to every update queue (draining
// iff the instance was configured WithFlushOnExit), joins the worker
// pool, and releases the instance's resources. A second call returns
// nil immediately.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	err := i.exec.Shutdown(ctx, i.cfg.flushOnExit)

	i.queues.CloseAll()
	i.workerStop()
	i.pool.Wait()

	return err
}

// Close implements io.Closer: Shutdown with a bounded background
// context, for `defer inst.Close()` callers (mirrors the Python
// original's context-manager __exit__; see SPEC_FULL.md §12).
func (i *Instance) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return i.Shutdown(ctx)
}

// String renders the instance's name, useful in log lines.
func (i *Instance) String() string { return i.name }
