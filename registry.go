package motion

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// InstanceRegistry tracks running instances by name so a process-exit
// hook can shut them all down cleanly, mirroring the teacher's
// cmd/server SIGINT/SIGTERM drain pattern without relying on a
// package-level singleton (see SPEC_FULL.md §9 REDESIGN note).
type InstanceRegistry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	logger    *slog.Logger
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry(logger *slog.Logger) *InstanceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceRegistry{instances: map[string]*Instance{}, logger: logger}
}

// Register adds inst to the registry, keyed by its Name.
func (r *InstanceRegistry) Register(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Name()] = inst
}

// Unregister removes inst from the registry without shutting it down.
func (r *InstanceRegistry) Unregister(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, inst.Name())
}

// ShutdownAll shuts down every registered instance, logging (not
// returning) individual failures so one stuck instance doesn't block
// the others from draining.
func (r *InstanceRegistry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Shutdown(ctx); err != nil {
				r.logger.Warn("instance shutdown failed", "instance", inst.Name(), "error", err)
			}
		}(inst)
	}
	wg.Wait()
}

// ListenForShutdown registers a SIGINT/SIGTERM handler that calls
// ShutdownAll with a timeout-bounded context, then returns a func to
// stop listening (for tests or nested callers). Intended to be called
// once near process startup, e.g. from cmd/motion-demo's main.
func (r *InstanceRegistry) ListenForShutdown(timeout time.Duration) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			r.logger.Info("received shutdown signal", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			r.ShutdownAll(ctx)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
