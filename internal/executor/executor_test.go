package executor

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
	"github.com/motionhq/motion/internal/rcache"
	"github.com/motionhq/motion/internal/state"
	"github.com/motionhq/motion/internal/store"
	"github.com/motionhq/motion/internal/worker"
)

type harness struct {
	exec      *Executor
	container *state.Container
	addQueue  *queue.Queue
	pool      *worker.Pool
	cancel    context.CancelFunc
}

// newCounterHarness wires the "add" flow from spec.md §8 scenario 1:
// state {value: 0}, serve "add"(v) = state.value+v, update "add" sets
// value = state.value+v, batch_size=1.
func newCounterHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, store.GobCodec{}, slog.Default())
	t.Cleanup(func() { _ = st.Close() })

	c := state.New(st, "counter-instance", state.Config{RedisSocketTimeout: time.Second})
	require.NoError(t, c.Initialize(context.Background(), func(context.Context) (map[string]any, error) {
		return map[string]any{"value": 0}, nil
	}))

	cache := rcache.New(100, time.Minute)
	q := queue.New(16)

	serve := func(_ context.Context, state map[string]any, props any) (ServeResult, error) {
		v, _ := props.(map[string]any)["v"].(int)
		base, _ := state["value"].(int)
		return Value(base + v), nil
	}

	updateFn := worker.Scalar1(func(_ context.Context, s map[string]any, prop any, _ any) (map[string]any, error) {
		v, _ := prop.(map[string]any)["v"].(int)
		base, _ := s["value"].(int)
		return map[string]any{"value": base + v}, nil
	})

	flows := map[string]*FlowDef{
		"add": {FlowKey: "add", Serve: serve, Updates: []*queue.Queue{q}},
	}

	exec := New("counter-instance", c, cache, flows, false, slog.Default(), nil)

	pool := worker.NewPool()
	ctx, cancel := context.WithCancel(context.Background())
	pool.Spawn(ctx, worker.KindGoroutine, worker.Flow{FlowKey: "add", Fn: updateFn, BatchSize: 1, Queue: q, Container: c}, true, slog.Default())

	h := &harness{exec: exec, container: c, addQueue: q, pool: pool, cancel: cancel}
	t.Cleanup(func() {
		q.Close()
		cancel()
		pool.Wait()
	})
	return h
}

func TestExecutor_CounterScenario(t *testing.T) {
	h := newCounterHarness(t)
	ctx := context.Background()

	result, err := h.exec.Run(ctx, "add", map[string]any{"v": 1}, RunOptions{FlushUpdateAfter: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Equal(t, 2, int(h.exec.GetVersion()))

	result, err = h.exec.Run(ctx, "add", map[string]any{"v": 1}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result)

	require.NoError(t, h.exec.FlushUpdate(ctx, "add"))

	result, err = h.exec.Run(ctx, "add", map[string]any{"v": 2}, RunOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 4, result)
}

func TestExecutor_CacheHitSkipsSecondServeInvocation(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, store.GobCodec{}, slog.Default())
	t.Cleanup(func() { _ = st.Close() })

	c := state.New(st, "id-instance", state.Config{RedisSocketTimeout: time.Second})
	require.NoError(t, c.Initialize(context.Background(), func(context.Context) (map[string]any, error) { return map[string]any{}, nil }))

	cache := rcache.New(100, time.Minute)
	var calls atomic.Int32
	serve := func(context.Context, map[string]any, any) (ServeResult, error) {
		calls.Add(1)
		return Value(7), nil
	}
	exec := New("id-instance", c, cache, map[string]*FlowDef{"id": {FlowKey: "id", Serve: serve}}, false, slog.Default(), nil)

	ctx := context.Background()
	v1, err := exec.Run(ctx, "id", map[string]any{"v": 7}, RunOptions{})
	require.NoError(t, err)
	v2, err := exec.Run(ctx, "id", map[string]any{"v": 7}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_UnknownFlowRejected(t *testing.T) {
	h := newCounterHarness(t)
	_, err := h.exec.Run(context.Background(), "nope", nil, RunOptions{})
	assert.True(t, errors.Is(err, merr.ErrUnknownFlow))
}

func TestExecutor_ShutdownIsIdempotent(t *testing.T) {
	h := newCounterHarness(t)
	require.NoError(t, h.exec.Shutdown(context.Background(), true))
	require.NoError(t, h.exec.Shutdown(context.Background(), true))

	_, err := h.exec.Run(context.Background(), "add", map[string]any{"v": 1}, RunOptions{})
	assert.True(t, errors.Is(err, merr.ErrShutdown))
}

func TestExecutor_StreamingGenMaterializesSequence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, store.GobCodec{}, slog.Default())
	t.Cleanup(func() { _ = st.Close() })

	c := state.New(st, "count-instance", state.Config{RedisSocketTimeout: time.Second})
	require.NoError(t, c.Initialize(context.Background(), func(context.Context) (map[string]any, error) { return map[string]any{}, nil }))

	cache := rcache.New(100, time.Minute)
	serve := func(_ context.Context, _ map[string]any, props any) (ServeResult, error) {
		n, _ := props.(map[string]any)["v"].(int)
		return Sequence(func(yield func(any) bool) {
			for i := 0; i < n; i++ {
				if !yield(i) {
					return
				}
			}
		}), nil
	}
	exec := New("count-instance", c, cache, map[string]*FlowDef{"count": {FlowKey: "count", Serve: serve}}, false, slog.Default(), nil)

	seq, err := exec.Gen(context.Background(), "count", map[string]any{"v": 3}, RunOptions{})
	require.NoError(t, err)

	var got []any
	for v := range seq {
		got = append(got, v)
	}
	assert.Equal(t, []any{0, 1, 2}, got)
}
