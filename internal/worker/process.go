package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/queue"
)

// wireJob is the JSON envelope a process-mode worker's parent sends
// its subprocess for one update job. Props and ServeResult travel as
// json.RawMessage: the subprocess never needs to understand their Go
// type. It JSON-decodes them into generic values before handing them to
// the registered update function, so they arrive with JSON's types
// (objects as map[string]any, numbers as float64), not the Go types the
// parent's serve route produced.
type wireJob struct {
	Props       json.RawMessage `json:"props"`
	ServeResult json.RawMessage `json:"serve_result"`
}

type wireBatch struct {
	Barrier bool       `json:"barrier,omitempty"`
	Jobs    []wireJob  `json:"jobs,omitempty"`
}

type wireResult struct {
	Error string `json:"error,omitempty"`
}

// ReexecArgs builds the argv a process-mode worker's parent uses to
// re-launch the current binary as a child worker for one flow key.
// Callers wire this into their cmd/ entry point behind a hidden flag
// (see cmd/motion-demo) that dispatches to RunChild.
func ReexecArgs(binary, instanceName, flowKey, funcName string) []string {
	return []string{binary, "__motion_update_worker__", instanceName, flowKey, funcName}
}

// processWorker runs the update function for one flow key in a
// subprocess. The parent still owns batching and the queue; only the
// call to the user's update function and the container merge/persist
// happen on the other side of the process boundary, addressed by
// function name through a Registry the child shares via re-exec (see
// SPEC_FULL.md §13.2 — this is the chosen resolution of spec.md's
// "thread or process" open design note).
type processWorker struct {
	flow     Flow
	drain    bool
	logger   *slog.Logger
	funcName string

	// newCmd constructs the subprocess command; overridable in tests.
	newCmd func() *exec.Cmd
}

func newProcessWorker(flow Flow, drain bool, logger *slog.Logger) *processWorker {
	return &processWorker{flow: flow, drain: drain, logger: logger}
}

func (w *processWorker) Run(ctx context.Context) {
	if w.newCmd == nil {
		w.logger.Error("process worker has no subprocess command configured, falling back to goroutine worker", "flow", w.flow.FlowKey)
		(&goroutineWorker{flow: w.flow, drain: w.drain, logger: w.logger}).Run(ctx)
		return
	}

	cmd := w.newCmd()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.logger.Error("process worker: stdin pipe", "error", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.logger.Error("process worker: stdout pipe", "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		w.logger.Error("process worker: start subprocess", "error", err)
		return
	}
	defer cmd.Wait()

	enc := json.NewEncoder(stdin)
	dec := bufio.NewScanner(stdout)

	var mu sync.Mutex // serializes request/response pairs over the pipe

	sendBatch := func(batch []queue.Job) error {
		mu.Lock()
		defer mu.Unlock()

		w.flow.Metrics.ObserveBatchSize(w.flow.FlowKey, len(batch))
		wb := wireBatch{Jobs: make([]wireJob, len(batch))}
		for i, j := range batch {
			propsJSON, _ := json.Marshal(j.Props)
			resultJSON, _ := json.Marshal(j.ServeResult)
			wb.Jobs[i] = wireJob{Props: propsJSON, ServeResult: resultJSON}
		}
		if err := enc.Encode(wb); err != nil {
			return err
		}
		if !dec.Scan() {
			return fmt.Errorf("motion: process worker subprocess closed stdout: %w", dec.Err())
		}
		var res wireResult
		if err := json.Unmarshal(dec.Bytes(), &res); err != nil {
			return err
		}
		if res.Error != "" {
			return merr.NewUserCodeError(w.flow.FlowKey, "update", fmt.Errorf("%s", res.Error))
		}
		return nil
	}

	var batch []queue.Job
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := sendBatch(batch)
		for _, j := range batch {
			signal(j.Done, err)
		}
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
			if w.drain {
				w.drainRemainingAndSend(batch, sendBatch)
			} else {
				for _, j := range batch {
					signal(j.Done, merr.ErrShutdown)
				}
			}
			_ = stdin.Close()
			return
		}
	}
}

func (w *processWorker) drainRemainingAndSend(batch []queue.Job, sendBatch func([]queue.Job) error) {
	for {
		select {
		case job := <-w.flow.Queue.Jobs():
			if job.Barrier {
				if len(batch) > 0 {
					err := sendBatch(batch)
					for _, j := range batch {
						signal(j.Done, err)
					}
					batch = nil
				}
				signal(job.Done, nil)
				continue
			}
			batch = append(batch, job)
			if len(batch) >= w.flow.BatchSize {
				err := sendBatch(batch)
				for _, j := range batch {
					signal(j.Done, err)
				}
				batch = nil
			}
		default:
			if len(batch) > 0 {
				err := sendBatch(batch)
				for _, j := range batch {
					signal(j.Done, err)
				}
			}
			return
		}
	}
}

// RunChild is the subprocess entry point: it reads wireBatch-encoded
// batches from r, runs fn (which the caller looked up by name in its
// Registry) against state
// served by container (constructed by the caller against the same
// store and instance name as the parent), and writes a wireResult for
// each batch to w. It returns when r is closed (parent's stdin pipe
// closed on shutdown).
func RunChild(ctx context.Context, r io.Reader, w io.Writer, container interface {
	ApplyBatch(ctx context.Context, fn func(map[string]any) (map[string]any, error)) (uint64, bool, error)
}, fn UpdateFunc) error {
	dec := bufio.NewScanner(r)
	dec.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for dec.Scan() {
		var batch wireBatch
		if err := json.Unmarshal(dec.Bytes(), &batch); err != nil {
			_ = enc.Encode(wireResult{Error: err.Error()})
			continue
		}

		props := make([]any, len(batch.Jobs))
		results := make([]any, len(batch.Jobs))
		for i, j := range batch.Jobs {
			var p, r any
			_ = json.Unmarshal(j.Props, &p)
			_ = json.Unmarshal(j.ServeResult, &r)
			props[i] = p
			results[i] = r
		}

		_, _, err := container.ApplyBatch(ctx, func(state map[string]any) (partial map[string]any, ferr error) {
			defer func() {
				if rec := recover(); rec != nil {
					ferr = fmt.Errorf("panic: %v", rec)
				}
			}()
			return fn(ctx, state, props, results)
		})

		res := wireResult{}
		if err != nil {
			res.Error = err.Error()
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return dec.Err()
}
