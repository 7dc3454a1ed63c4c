package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/queue"
	"github.com/motionhq/motion/internal/state"
	"github.com/motionhq/motion/internal/store"
)

func newTestContainer(t *testing.T, name string) *state.Container {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, store.GobCodec{}, slog.Default())
	t.Cleanup(func() { _ = st.Close() })

	c := state.New(st, name, state.Config{RedisSocketTimeout: time.Second})
	require.NoError(t, c.Initialize(context.Background(), func(context.Context) (map[string]any, error) {
		return map[string]any{"count": 0}, nil
	}))
	return c
}

func incrementer() UpdateFunc {
	return func(_ context.Context, s map[string]any, props []any, _ []any) (map[string]any, error) {
		count, _ := s["count"].(int)
		for range props {
			count++
		}
		return map[string]any{"count": count}, nil
	}
}

func TestGoroutineWorker_BatchSize1BumpsVersionPerJob(t *testing.T) {
	c := newTestContainer(t, "worker__batch1")
	q := queue.New(16)
	w := New(KindGoroutine, Flow{FlowKey: "incr", Fn: incrementer(), BatchSize: 1, Queue: q, Container: c}, true, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	startVersion := c.Version()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(queue.Job{Props: 1, Done: make(chan error, 1)}))
	}
	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, startVersion+3, c.Version())
	assert.Equal(t, 3, c.ReadKey("count", 0))

	q.Close()
	cancel()
	<-done
}

func TestGoroutineWorker_BatchingMergesJobsIntoOneVersionBump(t *testing.T) {
	c := newTestContainer(t, "worker__batchN")
	q := queue.New(16)
	w := New(KindGoroutine, Flow{FlowKey: "incr", Fn: incrementer(), BatchSize: 4, Queue: q, Container: c}, true, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	startVersion := c.Version()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(queue.Job{Props: 1, Done: make(chan error, 1)}))
	}
	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, startVersion+1, c.Version(), "a full batch should merge into a single version bump")
	assert.Equal(t, 4, c.ReadKey("count", 0))

	q.Close()
	cancel()
	<-done
}

func TestGoroutineWorker_ShutdownWithoutDrainAbandonsPendingJobs(t *testing.T) {
	c := newTestContainer(t, "worker__noshutdown")
	q := queue.New(16)
	w := New(KindGoroutine, Flow{FlowKey: "incr", Fn: incrementer(), BatchSize: 4, Queue: q, Container: c}, false, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	errCh := make(chan error, 1)
	require.NoError(t, q.Enqueue(queue.Job{Props: 1, Done: errCh}))

	q.Close()
	<-done

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, merr.ErrShutdown))
	case <-time.After(time.Second):
		t.Fatal("abandoned job was never signaled")
	}
}

func TestGoroutineWorker_UserCodePanicIsRecoveredAsError(t *testing.T) {
	c := newTestContainer(t, "worker__panic")
	q := queue.New(16)
	panicky := func(context.Context, map[string]any, []any, []any) (map[string]any, error) {
		panic("boom")
	}
	w := New(KindGoroutine, Flow{FlowKey: "incr", Fn: panicky, BatchSize: 1, Queue: q, Container: c}, true, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	errCh := make(chan error, 1)
	require.NoError(t, q.Enqueue(queue.Job{Props: 1, Done: errCh}))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, merr.ErrUserCode))
	case <-time.After(time.Second):
		t.Fatal("job was never signaled")
	}

	q.Close()
	cancel()
	<-done
}

func TestPool_SpawnAndWait(t *testing.T) {
	c := newTestContainer(t, "worker__pool")
	q := queue.New(16)
	p := NewPool()

	var ran atomic.Bool
	fn := func(ctx context.Context, s map[string]any, props []any, results []any) (map[string]any, error) {
		ran.Store(true)
		return incrementer()(ctx, s, props, results)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Spawn(ctx, KindGoroutine, Flow{FlowKey: "incr", Fn: fn, BatchSize: 1, Queue: q, Container: c}, true, slog.Default())

	require.NoError(t, q.Enqueue(queue.Job{Props: 1, Done: make(chan error, 1)}))
	require.NoError(t, q.Flush(context.Background()))
	assert.True(t, ran.Load())

	q.Close()
	cancel()
	p.Wait()
}
