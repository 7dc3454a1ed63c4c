// Package queue implements the Update Queue Set: one bounded FIFO per
// flow key that has at least one update route, carrying update jobs
// from the dispatcher to its worker and flush barriers back.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/motionhq/motion/internal/merr"
)

// Job is an update job: everything a worker needs to run a flow's
// update route(s) and signal completion back to whoever enqueued it.
// A Job with Barrier set carries no payload — it exists only to mark a
// point the worker must drain up to before signaling Done.
type Job struct {
	FlowKey      string
	Props        any
	ServeResult  any
	Fingerprint  string
	ArrivalIndex uint64
	Barrier      bool

	// Done is sent the job's outcome (nil on success, otherwise the
	// error) once this job has been applied or has failed; workers never
	// close it. Never sent on by more than one goroutine.
	Done chan error
}

// Queue is a single flow key's FIFO of update jobs. The data channel
// itself is never closed — only a separate stop signal is — so a
// concurrent Enqueue can never race a Close into a send-on-closed-
// channel panic; Jobs consumers select on both Jobs() and Stopped().
type Queue struct {
	ch   chan Job
	stop chan struct{}

	mu     sync.Mutex
	closed bool
	next   uint64
}

// New creates a Queue with capacity highWaterMark. Enqueue returns
// ErrBackpressure once that many jobs are buffered and unconsumed.
func New(highWaterMark int) *Queue {
	if highWaterMark <= 0 {
		highWaterMark = 1024
	}
	return &Queue{
		ch:   make(chan Job, highWaterMark),
		stop: make(chan struct{}),
	}
}

// Jobs returns the channel a worker should range over.
func (q *Queue) Jobs() <-chan Job { return q.ch }

// Stopped is closed once Close has been called.
func (q *Queue) Stopped() <-chan struct{} { return q.stop }

// Enqueue posts job without blocking. It fails with ErrBackpressure if
// the queue is at its high-water mark, and with ErrShutdown if the
// queue has been closed.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return merr.ErrShutdown
	}
	job.ArrivalIndex = q.next
	q.next++
	q.mu.Unlock()

	select {
	case q.ch <- job:
		return nil
	case <-q.stop:
		return merr.ErrShutdown
	default:
		return merr.ErrBackpressure
	}
}

// Flush enqueues a barrier job and blocks until the worker has drained
// every job enqueued before it, bypassing the high-water mark: flush is
// a control-plane operation, not ordinary load, so it always gets
// through (as a blocking send) rather than failing with backpressure.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	barrier := Job{Barrier: true, Done: done}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return merr.ErrShutdown
	}
	barrier.ArrivalIndex = q.next
	q.next++
	q.mu.Unlock()

	select {
	case q.ch <- barrier:
	case <-q.stop:
		return merr.ErrShutdown
	case <-ctx.Done():
		return fmt.Errorf("motion: enqueue flush barrier: %w", ctx.Err())
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("motion: await flush barrier: %w", ctx.Err())
	}
}

// Close marks the queue closed: further Enqueue/Flush calls fail with
// ErrShutdown. Whether already-buffered jobs are drained or abandoned
// is the worker pool's decision, made by how it reads after observing
// Stopped().
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.stop)
}

// Len reports how many jobs are currently buffered and unconsumed.
func (q *Queue) Len() int { return len(q.ch) }

// Set owns one Queue per flow key.
type Set struct {
	mu            sync.RWMutex
	queues        map[string]*Queue
	highWaterMark int
}

// NewSet creates an empty Set; queues are created lazily via
// GetOrCreate, each sized to highWaterMark.
func NewSet(highWaterMark int) *Set {
	return &Set{queues: map[string]*Queue{}, highWaterMark: highWaterMark}
}

// GetOrCreate returns the Queue for flowKey, creating it if needed.
func (s *Set) GetOrCreate(flowKey string) *Queue {
	s.mu.RLock()
	q, ok := s.queues[flowKey]
	s.mu.RUnlock()
	if ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[flowKey]; ok {
		return q
	}
	q = New(s.highWaterMark)
	s.queues[flowKey] = q
	return q
}

// Get returns the Queue for flowKey, if one has been created.
func (s *Set) Get(flowKey string) (*Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[flowKey]
	return q, ok
}

// All returns every flow key with a queue.
func (s *Set) All() map[string]*Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Queue, len(s.queues))
	for k, v := range s.queues {
		out[k] = v
	}
	return out
}

// CloseAll closes every queue in the set.
func (s *Set) CloseAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		q.Close()
	}
}
