// Package executor implements the dispatcher that ties the versioned
// state container, result cache, and update queues together into the
// public run/gen/flush/read/write/shutdown operations of a component
// instance.
package executor

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/queue"
	"github.com/motionhq/motion/internal/rcache"
	"github.com/motionhq/motion/internal/state"
)

// ServeKind tags whether a ServeResult carries a single value or a
// streaming sequence — the Go rendition of the Python dispatcher's
// "is this a generator" branch (spec.md §4.6 step 5).
type ServeKind int

const (
	KindValue ServeKind = iota
	KindSequence
)

// ServeResult is what a ServeFunc returns. Use Value or Sequence to
// construct one; the zero value is KindValue with a nil Value.
type ServeResult struct {
	Kind  ServeKind
	Value any
	Seq   iter.Seq[any]
}

// Value wraps v as a single-value ServeResult.
func Value(v any) ServeResult { return ServeResult{Kind: KindValue, Value: v} }

// Sequence wraps seq as a streaming ServeResult. seq must be finite:
// the dispatcher drains it into a slice as soon as the serve route
// returns, before the result is cached or handed to Run/Gen, the same
// assumption spec.md's streaming scenario makes.
func Sequence(seq iter.Seq[any]) ServeResult { return ServeResult{Kind: KindSequence, Seq: seq} }

// ServeFunc is a flow's serve route.
type ServeFunc func(ctx context.Context, state map[string]any, props any) (ServeResult, error)

// FlowDef is one registered flow key: its optional serve route and the
// queues of every update route attached to it. A flow with no Serve is
// update-only; a flow with no Updates is serve-only.
type FlowDef struct {
	FlowKey string
	Serve   ServeFunc
	Updates []*queue.Queue
}

// instanceState is the NEW → INITIALIZING → RUNNING → DRAINING → CLOSED
// state machine from spec.md §4.6. Initialize/INITIALIZING happens in
// state.Container.Initialize before an Executor is constructed, so an
// Executor starts directly at running.
type instanceState int32

const (
	stateRunning instanceState = iota
	stateDraining
	stateClosed
)

// RunOptions controls one dispatch call.
type RunOptions struct {
	IgnoreCache      bool
	ForceRefresh     bool
	FlushUpdateAfter bool
}

// Executor dispatches run/gen/flush/read/write/shutdown calls for one
// component instance. The zero value is not usable; construct with New.
type Executor struct {
	instanceName      string
	container         *state.Container
	cache             *rcache.Cache
	flows             map[string]*FlowDef
	disableUpdateTask bool
	logger            *slog.Logger
	metrics           *metrics.Registry

	sf singleflight.Group

	state    atomic.Int32
	flowsRun sync.Map // flowKey -> struct{}, for flush_on_exit (see SPEC_FULL.md §12)
}

// New constructs a running Executor. flows must already be validated
// (every update route's queue non-nil) by the caller — Component.Instance
// does this at construction time, not at dispatch, per spec.md §9.
func New(instanceName string, container *state.Container, cache *rcache.Cache, flows map[string]*FlowDef, disableUpdateTask bool, logger *slog.Logger, reg *metrics.Registry) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		instanceName:      instanceName,
		container:         container,
		cache:             cache,
		flows:             flows,
		disableUpdateTask: disableUpdateTask,
		logger:            logger,
		metrics:           reg,
	}
}

func (e *Executor) checkOpen() error {
	switch instanceState(e.state.Load()) {
	case stateDraining, stateClosed:
		return merr.ErrShutdown
	default:
		return nil
	}
}

func (e *Executor) flow(flowKey string) (*FlowDef, error) {
	f, ok := e.flows[flowKey]
	if !ok {
		return nil, fmt.Errorf("motion: flow %q: %w", flowKey, merr.ErrUnknownFlow)
	}
	return f, nil
}

// Run executes flowKey's serve route (if any) and enqueues its update
// routes, following spec.md §4.6's nine-step dispatch algorithm.
func (e *Executor) Run(ctx context.Context, flowKey string, props any, opts RunOptions) (any, error) {
	res, err := e.dispatch(ctx, flowKey, props, opts)
	if err != nil {
		return nil, err
	}
	if res.Kind == KindSequence {
		values := make([]any, 0)
		for v := range res.Seq {
			values = append(values, v)
		}
		return values, nil
	}
	return res.Value, nil
}

// Gen is Run's streaming counterpart: it returns an iter.Seq[any] the
// caller ranges over. A sequence result has already been drained into a
// slice by the serve call, before the cache-population and
// update-enqueue steps (6-9) run, so the returned sequence ranges over
// those materialized values; a single value is presented as a
// one-element sequence.
func (e *Executor) Gen(ctx context.Context, flowKey string, props any, opts RunOptions) (iter.Seq[any], error) {
	res, err := e.dispatch(ctx, flowKey, props, opts)
	if err != nil {
		return nil, err
	}
	var values []any
	if res.Kind == KindSequence {
		for v := range res.Seq {
			values = append(values, v)
		}
	} else {
		values = []any{res.Value}
	}
	return func(yield func(any) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}, nil
}

// dispatch runs steps 1-9 of spec.md §4.6 and returns the raw
// ServeResult, leaving Run/Gen to shape it into their respective return
// types.
func (e *Executor) dispatch(ctx context.Context, flowKey string, props any, opts RunOptions) (ServeResult, error) {
	if err := e.checkOpen(); err != nil {
		return ServeResult{}, err
	}
	flow, err := e.flow(flowKey)
	if err != nil {
		return ServeResult{}, err
	}
	e.flowsRun.Store(flowKey, struct{}{})

	if opts.ForceRefresh {
		if !e.disableUpdateTask {
			if err := e.flushAll(ctx, flow.Updates); err != nil {
				return ServeResult{}, err
			}
		}
		if err := e.container.Load(ctx, true); err != nil {
			return ServeResult{}, err
		}
	}

	fingerprint, fpErr := rcache.Fingerprint(flowKey, asMap(props))
	cacheable := fpErr == nil && flow.Serve != nil
	if fpErr != nil {
		e.logger.Debug("props not fingerprintable, bypassing cache", "flow", flowKey, "error", fpErr)
	}

	version := e.container.Version()

	if cacheable && !opts.IgnoreCache {
		if v, ok := e.cache.Get(rcache.Key{FlowKey: flowKey, Version: version, Fingerprint: fingerprint}); ok {
			e.metrics.RecordCacheHit(flowKey)
			return v.(ServeResult), nil
		}
	}
	e.metrics.RecordCacheMiss(flowKey)

	var result ServeResult
	if flow.Serve != nil {
		snapshot, snapVersion := e.container.Snapshot()
		runServe := func() (any, error) {
			return e.callServe(ctx, flowKey, flow.Serve, snapshot, props)
		}

		if cacheable && !opts.IgnoreCache {
			v, err, _ := e.sf.Do(flowKey+"\x00"+fingerprint, runServe)
			if err != nil {
				return ServeResult{}, err
			}
			result = v.(ServeResult)
		} else {
			v, err := runServe()
			if err != nil {
				return ServeResult{}, err
			}
			result = v.(ServeResult)
		}
		version = snapVersion
	}

	if cacheable && !opts.IgnoreCache {
		e.cache.Set(rcache.Key{FlowKey: flowKey, Version: version, Fingerprint: fingerprint}, result)
	}

	if !e.disableUpdateTask && len(flow.Updates) > 0 {
		dones := make([]chan error, 0, len(flow.Updates))
		for _, q := range flow.Updates {
			done := make(chan error, 1)
			job := queue.Job{FlowKey: flowKey, Props: props, ServeResult: result.Value, Fingerprint: fingerprint, Done: done}
			if err := q.Enqueue(job); err != nil {
				e.metrics.RecordQueueSubmission(flowKey, "rejected")
				close(done)
				return ServeResult{}, err
			}
			e.metrics.RecordQueueSubmission(flowKey, "accepted")
			dones = append(dones, done)
		}

		if opts.FlushUpdateAfter {
			g, gctx := errgroup.WithContext(ctx)
			for _, done := range dones {
				done := done
				g.Go(func() error {
					select {
					case err := <-done:
						return err
					case <-gctx.Done():
						return fmt.Errorf("motion: await update: %w", gctx.Err())
					}
				})
			}
			if err := g.Wait(); err != nil {
				return ServeResult{}, err
			}
			if err := e.container.Load(ctx, true); err != nil {
				return ServeResult{}, err
			}
		}
	}

	return result, nil
}

func (e *Executor) callServe(ctx context.Context, flowKey string, fn ServeFunc, snapshot map[string]any, props any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = merr.NewUserCodeError(flowKey, "serve", fmt.Errorf("panic: %v", r))
		}
	}()
	res, ferr := fn(ctx, snapshot, props)
	if ferr != nil {
		return nil, merr.NewUserCodeError(flowKey, "serve", ferr)
	}
	if res.Kind == KindSequence {
		values := make([]any, 0)
		for v := range res.Seq {
			values = append(values, v)
		}
		res.Seq = func(yield func(any) bool) {
			for _, v := range values {
				if !yield(v) {
					return
				}
			}
		}
	}
	return res, nil
}

// FlushUpdate posts a flush barrier to every update route on flowKey and
// waits for all of them, fanning out via errgroup so one slow route
// doesn't serialize behind another.
func (e *Executor) FlushUpdate(ctx context.Context, flowKey string) error {
	if e.disableUpdateTask {
		return fmt.Errorf("motion: flush_update %q: %w", flowKey, merr.ErrDisabledUpdateTask)
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	flow, err := e.flow(flowKey)
	if err != nil {
		return err
	}
	return e.flushAll(ctx, flow.Updates)
}

func (e *Executor) flushAll(ctx context.Context, queues []*queue.Queue) error {
	if len(queues) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error { return q.Flush(gctx) })
	}
	return g.Wait()
}

// ReadState lazily refreshes (Load(force=false)) then reads key, falling
// back to def if absent.
func (e *Executor) ReadState(ctx context.Context, key string, def any) (any, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := e.container.Load(ctx, false); err != nil {
		return nil, err
	}
	return e.container.ReadKey(key, def), nil
}

// WriteState merges partial directly, outside the update queue.
func (e *Executor) WriteState(ctx context.Context, partial map[string]any) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.container.WriteState(ctx, partial)
}

// GetVersion returns the in-memory version, which may be stale by
// design.
func (e *Executor) GetVersion() uint64 {
	return e.container.Version()
}

// Shutdown transitions the instance to draining (flushing every flow
// that was actually run, if flushOnExit), then to closed. Idempotent:
// a second call returns nil immediately.
func (e *Executor) Shutdown(ctx context.Context, flushOnExit bool) error {
	if !e.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		return nil
	}
	defer e.state.Store(int32(stateClosed))

	if !flushOnExit {
		return nil
	}

	var queues []*queue.Queue
	e.flowsRun.Range(func(k, _ any) bool {
		if flow, ok := e.flows[k.(string)]; ok {
			queues = append(queues, flow.Updates...)
		}
		return true
	})
	return e.flushAll(ctx, queues)
}

func asMap(props any) map[string]any {
	if m, ok := props.(map[string]any); ok {
		return m
	}
	return map[string]any{"_": props}
}
