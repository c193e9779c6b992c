package tools

import (
	"context"
	"sort"
	"sync"

	"fixline/internal/domain"
	"fixline/internal/schema"
)

// Adapter is one capability in the registry: a params schema and an apply step.
type Adapter interface {
	Definition() schema.Definition
	Apply(ctx context.Context, params map[string]any) (domain.ApplyResult, error)
}

// Previewer is implemented by change-producing adapters that can preview their effect.
type Previewer interface {
	Plan(ctx context.Context, params map[string]any) (domain.Effect, error)
}

// Reentrant adapters are safe to apply again when a previous attempt's outcome is unknown.
type Reentrant interface {
	Reentrant() bool
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Definition().Name] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Definitions returns every adapter's schema, sorted by name.
func (r *Registry) Definitions() []schema.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]schema.Definition, 0, len(r.adapters))
	for _, a := range r.adapters {
		defs = append(defs, a.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func isReentrant(a Adapter) bool {
	re, ok := a.(Reentrant)
	return ok && re.Reentrant()
}

// IsReentrant reports whether a may be re-applied after an in-doubt attempt.
func IsReentrant(a Adapter) bool { return isReentrant(a) }
