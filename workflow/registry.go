package workflow

import (
	"context"
	"sort"
	"sync"
)

// Registry maps executor names to implementations. Registration is
// typically done once at startup; lookup happens on every node dispatch.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its Name. Duplicate names and empty
// names are rejected. If the executor implements Initializer, Initialize
// runs now; a failing Initialize aborts registration.
func (r *Registry) Register(ctx context.Context, e Executor) error {
	if e == nil {
		return NewError(KindValidation, "executor cannot be nil")
	}
	name := e.Name()
	if name == "" {
		return NewError(KindValidation, "executor name cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.executors[name]; exists {
		r.mu.Unlock()
		return Errorf(KindConflict, "executor %q already registered", name).WithCode("executor_duplicate")
	}
	// Reserve the slot before running Initialize outside the lock.
	r.executors[name] = e
	r.mu.Unlock()

	if init, ok := e.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			r.mu.Lock()
			delete(r.executors, name)
			r.mu.Unlock()
			return WrapError(KindInternal, "executor initialization failed", err).WithCode("executor_init")
		}
	}
	return nil
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, Errorf(KindNotFound, "executor %q not registered", name).WithCode("executor_unknown")
	}
	return e, nil
}

// Idempotent reports whether the named executor declares restart safety.
// Unknown names are not idempotent.
func (r *Registry) Idempotent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return false
	}
	return isIdempotent(e)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HealthCheck probes every executor implementing HealthChecker and
// returns per-executor errors (nil entries mean healthy).
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Executor, len(r.executors))
	for name, e := range r.executors {
		snapshot[name] = e
	}
	r.mu.RUnlock()

	out := make(map[string]error)
	for name, e := range snapshot {
		if hc, ok := e.(HealthChecker); ok {
			out[name] = hc.HealthCheck(ctx)
		}
	}
	return out
}

// Shutdown runs Destroy on every executor implementing Destroyer. The
// first error is returned; remaining executors are still destroyed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, e := range r.executors {
		if d, ok := e.(Destroyer); ok {
			if err := d.Destroy(ctx); err != nil && firstErr == nil {
				firstErr = WrapError(KindInternal, "executor "+name+" destroy failed", err)
			}
		}
	}
	return firstErr
}
