package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Func is a Go function exported to guests. It must satisfy wazero's
// HostFunctionBuilder.WithFunc rules: an optional context.Context, an
// optional api.Module, then numeric parameters and results.
type Func any

// Registry holds host callbacks keyed by import module and function name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]map[string]Func)}
}

// Register adds fn as module.name, replacing any earlier registration.
func (r *Registry) Register(module, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs[module] == nil {
		r.funcs[module] = make(map[string]Func)
	}
	r.funcs[module][name] = fn
}

func (r *Registry) Get(module, name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[module][name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns every registration as "module.name", sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for module, fns := range r.funcs {
		for name := range fns {
			names = append(names, module+"."+name)
		}
	}
	sort.Strings(names)
	return names
}

// Merge copies other's registrations into r. Entries in other win.
func (r *Registry) Merge(other *Registry) {
	if other == nil || other == r {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	for module, fns := range other.funcs {
		for name, fn := range fns {
			r.Register(module, name, fn)
		}
	}
}

// Instantiate defines one wazero host module per import module in rt.
func (r *Registry) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]string, 0, len(r.funcs))
	for module := range r.funcs {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	for _, module := range modules {
		builder := rt.NewHostModuleBuilder(module)
		for name, fn := range r.funcs[module] {
			builder = builder.NewFunctionBuilder().WithFunc(fn).Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("instantiate host module %s: %w", module, err)
		}
	}
	return nil
}
