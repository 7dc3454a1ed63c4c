package worker

import "sync"

// Registry maps update-function names to their implementation. A
// process-mode worker's subprocess is a re-exec of the very same
// binary (see process.go), so it shares the parent's package-level
// registrations — there is no closure or code to ship across the
// process boundary, only the name the parent passes on the command
// line.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]UpdateFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: map[string]UpdateFunc{}}
}

// Register associates name with fn. Intended to be called from an
// init() or from main() before any process-mode instance is created,
// so the name is already registered by the time a re-exec'd child
// looks it up.
func (r *Registry) Register(name string, fn UpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Lookup returns the function registered under name, if any.
func (r *Registry) Lookup(name string) (UpdateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}
