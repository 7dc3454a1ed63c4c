package cmd

import (
	"context"

	"github.com/motionhq/motion"
	"github.com/motionhq/motion/internal/worker"
)

// updateFuncs is the registry re-exec'd children look up their update
// function in by name; see the hidden workerCmd in worker.go and
// internal/worker/process.go's re-exec design.
var updateFuncs = worker.NewRegistry()

const counterAddFuncName = "counter.add"

func init() {
	updateFuncs.Register(counterAddFuncName, worker.Scalar1(counterUpdateFn()))
}

// counterComponent builds the "add" flow from spec.md's worked example:
// serve reads the current total plus props.v, and the update route
// commits that same sum to state.
func counterComponent(processUpdates bool) *motion.Component {
	c := motion.NewComponent("counter")
	c.InitState(func(context.Context) (map[string]any, error) {
		return map[string]any{"value": 0}, nil
	})
	c.Serve("add", func(_ context.Context, state map[string]any, props any) (motion.ServeResult, error) {
		v, _ := props.(map[string]any)["v"].(int)
		base, _ := state["value"].(int)
		return motion.Value(base + v), nil
	})

	opts := []motion.UpdateOption{}
	if processUpdates {
		opts = append(opts, motion.WithProcessWorker(counterAddFuncName))
	}
	c.Update("add", motion.Scalar1(counterUpdateFn()), opts...)
	return c
}

func counterUpdateFn() func(ctx context.Context, state map[string]any, prop any, serveResult any) (map[string]any, error) {
	return func(_ context.Context, state map[string]any, prop any, _ any) (map[string]any, error) {
		var v int
		switch n := prop.(map[string]any)["v"].(type) {
		case int:
			v = n
		case float64:
			// Props reach a process-mode worker JSON-decoded, so numbers
			// arrive as float64.
			v = int(n)
		}
		base, _ := state["value"].(int)
		return map[string]any{"value": base + v}, nil
	}
}
