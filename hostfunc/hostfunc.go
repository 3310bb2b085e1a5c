package hostfunc

import (
	"context"
	"sort"
	"sync"
)

// Func is a host function reachable through the call import. Arguments and
// results travel as JSON.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps names to host functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a snapshot of the registered functions.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Func, len(r.funcs))
	for name, fn := range r.funcs {
		out[name] = fn
	}
	return out
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for name, fn := range r.All() {
		c.Register(name, fn)
	}
	return c
}
