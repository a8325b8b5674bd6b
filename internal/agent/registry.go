package agent

import (
	"sort"
	"strings"
	"sync"
)

type Factory func(binary string) Invoker

type Registry struct {
	mu        sync.RWMutex
	invokers  map[string]Invoker
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		invokers:  make(map[string]Invoker),
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry knows how to build the Claude CLI invoker.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFactory("claude", func(binary string) Invoker {
		return NewClaudeCLI(binary)
	})
	return r
}

func (r *Registry) Register(name string, invoker Invoker) {
	if r == nil || invoker == nil {
		return
	}
	key := normalizeName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[key] = invoker
}

func (r *Registry) Get(name string) (Invoker, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	invoker, ok := r.invokers[key]
	return invoker, ok
}

func (r *Registry) RegisterFactory(name string, factory Factory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Resolve returns a registered invoker, or builds and registers one from a
// factory.
func (r *Registry) Resolve(name, binary string) (Invoker, bool) {
	if invoker, ok := r.Get(name); ok {
		return invoker, true
	}
	key := normalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if invoker, ok := r.invokers[key]; ok {
		return invoker, true
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, false
	}
	invoker := factory(binary)
	if invoker == nil {
		return nil, false
	}
	r.invokers[key] = invoker
	return invoker, true
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.invokers)+len(r.factories))
	for name := range r.invokers {
		seen[name] = struct{}{}
	}
	for name := range r.factories {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
