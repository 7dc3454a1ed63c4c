package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionhq/motion/internal/merr"
)

func TestQueue_EnqueueBackpressure(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue(Job{FlowKey: "add"}))
	require.NoError(t, q.Enqueue(Job{FlowKey: "add"}))

	err := q.Enqueue(Job{FlowKey: "add"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, merr.ErrBackpressure))
}

func TestQueue_FlushBlocksUntilDrained(t *testing.T) {
	q := New(8)
	require.NoError(t, q.Enqueue(Job{FlowKey: "add"}))
	require.NoError(t, q.Enqueue(Job{FlowKey: "add"}))

	// Simulate a worker draining the queue and then signaling the
	// barrier, in arrival order.
	go func() {
		for job := range q.Jobs() {
			if job.Barrier {
				job.Done <- nil
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
}

func TestQueue_EnqueueAfterCloseFails(t *testing.T) {
	q := New(4)
	q.Close()

	err := q.Enqueue(Job{FlowKey: "add"})
	assert.True(t, errors.Is(err, merr.ErrShutdown))

	err = q.Flush(context.Background())
	assert.True(t, errors.Is(err, merr.ErrShutdown))
}

func TestQueue_FlushPropagatesJobError(t *testing.T) {
	q := New(4)
	boom := errors.New("boom")

	go func() {
		job := <-q.Jobs()
		job.Done <- boom
	}()

	err := q.Flush(context.Background())
	assert.ErrorIs(t, err, boom)
}
