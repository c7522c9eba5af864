package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Handler executes one workflow definition. It is re-invoked from the top on
// every resume; all effects must flow through the Run's Step/Sleep/SpawnChild
// primitives to stay replay-safe.
type Handler func(*Run) error

// Definition names a workflow and binds its handler.
type Definition struct {
	Name    string
	Handler Handler
}

// Registry maintains the known workflow definitions.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: map[string]Definition{}}
}

// Register installs a definition. Returns an error if the name already exists.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("engine: definition name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("engine: handler is required for %s", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name]; exists {
		return fmt.Errorf("engine: %s already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Resolve returns a definition by name.
func (r *Registry) Resolve(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Names returns a sorted list of registered definition names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
