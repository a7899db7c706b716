package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an executor. A factory runs at most once: the registry
// memoizes the instance and every later Get returns the same one.
type Factory func() (Executor, error)

// Registry maps backend names to executor factories. Construction is lazy
// and explicit: nothing is instantiated until a task asks for the backend,
// and the caller decides which backends exist by registering them.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Executor),
	}
}

// Register adds a factory under the given backend name, replacing any
// previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the executor registered under name, constructing it on first
// use. A factory error is returned to the caller and construction is retried
// on the next Get.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[name]; ok {
		return inst, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("executor %q is not registered", name)
	}
	inst, err := f()
	if err != nil {
		return nil, fmt.Errorf("initializing executor %q: %w", name, err)
	}
	r.instances[name] = inst
	return inst, nil
}

// Names returns all registered backend names, sorted for stable responses.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
