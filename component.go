// Package motion implements stateful, reactive components: instances
// serve requests against a result cache and a versioned state snapshot
// while their update routes evolve that state asynchronously in the
// background, under a distributed lock shared across every instance of
// the same name.
package motion

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/motionhq/motion/internal/executor"
	"github.com/motionhq/motion/internal/worker"
)

// Re-exported so callers never need to import internal packages.
type (
	ServeResult = executor.ServeResult
	ServeKind   = executor.ServeKind
	ServeFunc   = executor.ServeFunc
	UpdateFunc  = worker.UpdateFunc
)

const (
	KindValue    = executor.KindValue
	KindSequence = executor.KindSequence
)

// Value wraps v as a single-value ServeResult.
func Value(v any) ServeResult { return executor.Value(v) }

// Sequence wraps seq as a streaming ServeResult; seq must be finite.
func Sequence(seq iter.Seq[any]) ServeResult { return executor.Sequence(seq) }

// Scalar1 adapts the common (state, prop, serveResult) -> partial
// update function shape into an UpdateFunc.
func Scalar1(fn func(ctx context.Context, state map[string]any, prop any, serveResult any) (map[string]any, error)) UpdateFunc {
	return worker.Scalar1(fn)
}

type updateRoute struct {
	fn        UpdateFunc
	batchSize int
	kind      UpdateTaskType
	funcName  string
}

// Component is a named collection of routes — a state initializer, one
// serve route per flow key, and zero or more update routes per flow
// key — from which Instance constructs running instances.
//
// The zero value is not usable; construct with NewComponent.
type Component struct {
	name    string
	initFn  func(ctx context.Context) (map[string]any, error)
	serves  map[string]ServeFunc
	updates map[string][]*updateRoute
}

// NewComponent registers a new component under name.
func NewComponent(name string) *Component {
	return &Component{
		name:    name,
		serves:  map[string]ServeFunc{},
		updates: map[string][]*updateRoute{},
	}
}

// InitState attaches the function that produces an instance's initial
// state the first time any instance sharing its name is constructed.
func (c *Component) InitState(fn func(ctx context.Context) (map[string]any, error)) *Component {
	c.initFn = fn
	return c
}

// Serve attaches flowKey's serve route.
func (c *Component) Serve(flowKey string, fn ServeFunc) *Component {
	c.serves[flowKey] = fn
	return c
}

// Update attaches an update route to flowKey. A flow may have more than
// one update route; each gets its own queue and worker.
func (c *Component) Update(flowKey string, fn UpdateFunc, opts ...UpdateOption) *Component {
	r := &updateRoute{fn: fn, batchSize: 1}
	for _, opt := range opts {
		opt(r)
	}
	c.updates[flowKey] = append(c.updates[flowKey], r)
	return c
}

// Instance constructs a running instance of the component. If
// instanceID is empty, a random one is generated. Initialization
// (InitState) runs at most once across every instance sharing the
// resulting instance name, guarded by the state store's lock.
func (c *Component) Instance(ctx context.Context, instanceID string, opts ...InstanceOption) (*Instance, error) {
	cfg := defaultInstanceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	instanceName := fmt.Sprintf("%s:%s", c.name, instanceID)

	return newInstance(ctx, c, instanceName, cfg)
}

// flowKeys returns every flow key with a serve route, an update route,
// or both.
func (c *Component) flowKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	for k := range c.serves {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k := range c.updates {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
