package motion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionhq/motion/internal/merr"
	"github.com/motionhq/motion/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, store.GobCodec{}, nil)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func counterComponent() *Component {
	c := NewComponent("counter")
	c.InitState(func(context.Context) (map[string]any, error) {
		return map[string]any{"value": 0}, nil
	})
	c.Serve("add", func(_ context.Context, state map[string]any, props any) (ServeResult, error) {
		v, _ := props.(map[string]any)["v"].(int)
		base, _ := state["value"].(int)
		return Value(base + v), nil
	})
	c.Update("add", Scalar1(func(_ context.Context, state map[string]any, prop any, _ any) (map[string]any, error) {
		v, _ := prop.(map[string]any)["v"].(int)
		base, _ := state["value"].(int)
		return map[string]any{"value": base + v}, nil
	}))
	return c
}

func TestInstance_CounterScenarioEndToEnd(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	ctx := context.Background()
	inst, err := c.Instance(ctx, "a", WithStore(st), WithFlushOnExit(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	result, err := inst.Run(ctx, "add", map[string]any{"v": 1}, WithFlushUpdateAfter())
	require.NoError(t, err)
	assert.Equal(t, 1, result)
	assert.Equal(t, uint64(2), inst.GetVersion())

	v, err := inst.ReadState(ctx, "value", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestInstance_PipelineAcrossTwoInstances(t *testing.T) {
	st := newTestStore(t)

	add := NewComponent("pipeline-add")
	add.InitState(func(context.Context) (map[string]any, error) { return map[string]any{"value": 0}, nil })
	add.Serve("add", func(_ context.Context, s map[string]any, props any) (ServeResult, error) {
		v, _ := props.(map[string]any)["v"].(int)
		base, _ := s["value"].(int)
		return Value(base + v), nil
	})
	add.Update("add", Scalar1(func(_ context.Context, s map[string]any, prop any, _ any) (map[string]any, error) {
		v, _ := prop.(map[string]any)["v"].(int)
		base, _ := s["value"].(int)
		return map[string]any{"value": base + v}, nil
	}))

	concat := NewComponent("pipeline-concat")
	concat.InitState(func(context.Context) (map[string]any, error) { return map[string]any{"str": ""}, nil })
	concat.Serve("concat", func(_ context.Context, s map[string]any, props any) (ServeResult, error) {
		str, _ := props.(map[string]any)["str"].(string)
		base, _ := s["str"].(string)
		return Value(base + " " + str), nil
	})
	concat.Update("concat", Scalar1(func(_ context.Context, s map[string]any, prop any, _ any) (map[string]any, error) {
		str, _ := prop.(map[string]any)["str"].(string)
		base, _ := s["str"].(string)
		return map[string]any{"str": base + " " + str}, nil
	}))

	ctx := context.Background()
	instA, err := add.Instance(ctx, "A", WithStore(st), WithFlushOnExit(true))
	require.NoError(t, err)
	instB, err := concat.Instance(ctx, "B", WithStore(st), WithFlushOnExit(true))
	require.NoError(t, err)

	resultA, err := instA.Run(ctx, "add", map[string]any{"v": 1}, WithFlushUpdateAfter())
	require.NoError(t, err)
	assert.Equal(t, 1, resultA)

	resultB, err := instB.Run(ctx, "concat", map[string]any{"str": "1"}, WithFlushUpdateAfter())
	require.NoError(t, err)
	assert.Equal(t, " 1", resultB)

	require.NoError(t, instA.Shutdown(ctx))
	require.NoError(t, instB.Shutdown(ctx))
}

func TestInstance_DisabledUpdateTaskRejectsFlush(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	ctx := context.Background()
	inst, err := c.Instance(ctx, "b", WithStore(st), WithDisableUpdateTask(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	_, err = inst.Run(ctx, "add", map[string]any{"v": 1}, WithFlushUpdateAfter())
	require.NoError(t, err)

	err = inst.FlushUpdate(ctx, "add")
	assert.True(t, errors.Is(err, merr.ErrDisabledUpdateTask))
}

func TestComponent_Instance_MutualExclusionIsRejected(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	_, err := c.Instance(context.Background(), "c", WithStore(st), WithDisableUpdateTask(true), WithFlushOnExit(true))
	require.Error(t, err)
}

func TestComponent_Instance_RequiresStore(t *testing.T) {
	c := counterComponent()
	_, err := c.Instance(context.Background(), "d")
	require.Error(t, err)
}

func TestInstance_ShutdownIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	inst, err := c.Instance(context.Background(), "e", WithStore(st))
	require.NoError(t, err)

	require.NoError(t, inst.Shutdown(context.Background()))
	require.NoError(t, inst.Shutdown(context.Background()))
}

func TestInstance_AutoGeneratedInstanceID(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	inst, err := c.Instance(context.Background(), "", WithStore(st))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	assert.Contains(t, inst.Name(), "counter:")
	assert.Greater(t, len(inst.Name()), len("counter:"))
}

func TestInstanceRegistry_ShutdownAll(t *testing.T) {
	st := newTestStore(t)
	c := counterComponent()

	inst1, err := c.Instance(context.Background(), "r1", WithStore(st))
	require.NoError(t, err)
	inst2, err := c.Instance(context.Background(), "r2", WithStore(st))
	require.NoError(t, err)

	reg := NewInstanceRegistry(nil)
	reg.Register(inst1)
	reg.Register(inst2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reg.ShutdownAll(ctx)
}
