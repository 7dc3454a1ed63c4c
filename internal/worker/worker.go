// Package worker implements the Update Worker Pool: one background
// worker per update-bearing flow key, reading its queue, running the
// user's update function under the state lock, and signaling every job
// in the batch once it has been applied (or has failed).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/queue"
	"github.com/motionhq/motion/internal/state"
)

// UpdateFunc is the shape every update route is normalized to: it
// always receives parallel slices of props and serve results — even
// for batch size 1, where both slices have length 1 — per the
// resolution of spec.md's open question (see SPEC_FULL.md §9/§13).
type UpdateFunc func(ctx context.Context, state map[string]any, props []any, serveResults []any) (map[string]any, error)

// Scalar1 adapts the common batch-size-1 update function shape
// (state, prop, serveResult) -> partial into an UpdateFunc.
func Scalar1(fn func(ctx context.Context, state map[string]any, prop any, serveResult any) (map[string]any, error)) UpdateFunc {
	return func(ctx context.Context, s map[string]any, props []any, results []any) (map[string]any, error) {
		var p, r any
		if len(props) > 0 {
			p = props[0]
		}
		if len(results) > 0 {
			r = results[0]
		}
		return fn(ctx, s, p, r)
	}
}

// Kind selects a Worker's isolation model.
type Kind int

const (
	// KindGoroutine runs the update function in-process, reading
	// directly off the in-memory queue.Queue. This is the default and
	// the only kind exercised by the bundled tests.
	KindGoroutine Kind = iota

	// KindProcess runs the update function in a subprocess; see
	// process.go and SPEC_FULL.md §13.2 for the re-exec/registry
	// design this resolves the spec's open "thread or process" note
	// into.
	KindProcess
)

// Flow bundles everything a worker needs for one flow key's update
// route(s): the function, its configured batch size, and where jobs
// come from.
type Flow struct {
	FlowKey   string
	Fn        UpdateFunc
	BatchSize int
	Queue     *queue.Queue
	Container *state.Container

	// Metrics is optional; a nil Registry records nothing.
	Metrics *metrics.Registry

	// FuncName and Binary are only used by KindProcess: FuncName is the
	// name Fn was registered under in a Registry the re-exec'd child
	// shares (see process.go), and Binary is the executable to re-exec
	// (normally os.Args[0]). KindGoroutine ignores both.
	FuncName string
	Binary   string
}

// Worker runs one flow's update route against its queue until told to
// stop.
type Worker interface {
	// Run blocks, processing jobs until the queue's Stopped() fires and
	// (if drain is eventually requested) every buffered job has been
	// applied. Run returns once the worker has exited.
	Run(ctx context.Context)
}

// New constructs a Worker of the given kind for flow.
func New(kind Kind, flow Flow, drain bool, logger *slog.Logger) Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if flow.BatchSize <= 0 {
		flow.BatchSize = 1
	}
	switch kind {
	case KindProcess:
		w := newProcessWorker(flow, drain, logger)
		if flow.Binary != "" && flow.FuncName != "" {
			binary, instanceName, flowKey, funcName := flow.Binary, flow.Container.InstanceName(), flow.FlowKey, flow.FuncName
			w.newCmd = func() *exec.Cmd {
				args := ReexecArgs(binary, instanceName, flowKey, funcName)
				return exec.Command(args[0], args[1:]...)
			}
		}
		return w
	default:
		return &goroutineWorker{flow: flow, drain: drain, logger: logger}
	}
}

type goroutineWorker struct {
	flow   Flow
	drain  bool
	logger *slog.Logger
}

func (w *goroutineWorker) Run(ctx context.Context) {
	var batch []queue.Job

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.processBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case job := <-w.flow.Queue.Jobs():
			if job.Barrier {
				flush()
				signal(job.Done, nil)
				continue
			}
			batch = append(batch, job)
			if len(batch) >= w.flow.BatchSize {
				flush()
			}

		case <-w.flow.Queue.Stopped():
			w.drainOrAbandon(ctx, batch)
			return
		}
	}
}

// drainOrAbandon handles shutdown: if draining, keep consuming whatever
// is still buffered (plus the in-flight batch) until the channel is
// empty; otherwise abandon it, signaling ErrShutdown to any caller
// waiting on those jobs' completion.
func (w *goroutineWorker) drainOrAbandon(ctx context.Context, pending []queue.Job) {
	if !w.drain {
		for _, j := range pending {
			signal(j.Done, merr.ErrShutdown)
		}
		w.drainRemaining(false)
		return
	}

	batch := pending
	for {
		select {
		case job := <-w.flow.Queue.Jobs():
			if job.Barrier {
				if len(batch) > 0 {
					w.processBatch(ctx, batch)
					batch = nil
				}
				signal(job.Done, nil)
				continue
			}
			batch = append(batch, job)
			if len(batch) >= w.flow.BatchSize {
				w.processBatch(ctx, batch)
				batch = nil
			}
		default:
			if len(batch) > 0 {
				w.processBatch(ctx, batch)
			}
			return
		}
	}
}

// drainRemaining discards whatever is left in the channel without
// applying it, signaling ErrShutdown to each abandoned job.
func (w *goroutineWorker) drainRemaining(_ bool) {
	for {
		select {
		case job := <-w.flow.Queue.Jobs():
			signal(job.Done, merr.ErrShutdown)
		default:
			return
		}
	}
}

func (w *goroutineWorker) processBatch(ctx context.Context, batch []queue.Job) {
	w.flow.Metrics.ObserveBatchSize(w.flow.FlowKey, len(batch))
	props := make([]any, len(batch))
	results := make([]any, len(batch))
	for i, j := range batch {
		props[i] = j.Props
		results[i] = j.ServeResult
	}

	_, _, err := w.flow.Container.ApplyBatch(ctx, func(snapshot map[string]any) (partial map[string]any, ferr error) {
		defer func() {
			if r := recover(); r != nil {
				ferr = merr.NewUserCodeError(w.flow.FlowKey, "update", fmt.Errorf("panic: %v", r))
			}
		}()
		return w.flow.Fn(ctx, snapshot, props, results)
	})

	if err != nil {
		w.logger.Warn("update batch failed, state unchanged", "flow", w.flow.FlowKey, "batch_size", len(batch), "error", err)
	}
	for _, j := range batch {
		signal(j.Done, err)
	}
}

func signal(done chan error, err error) {
	if done == nil {
		return
	}
	done <- err
}

// Pool owns one Worker goroutine per spawned update route.
type Pool struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	workers map[string]Worker
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{workers: map[string]Worker{}}
}

// Spawn starts a worker for flow and tracks it for Wait.
func (p *Pool) Spawn(ctx context.Context, kind Kind, flow Flow, drain bool, logger *slog.Logger) {
	w := New(kind, flow, drain, logger)

	p.mu.Lock()
	p.workers[flow.FlowKey] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(ctx)
	}()
}

// Wait blocks until every spawned worker has returned from Run (i.e.
// its queue's Close has been observed and drainage, if any, finished).
func (p *Pool) Wait() {
	p.wg.Wait()
}
