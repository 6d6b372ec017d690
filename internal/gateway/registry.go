package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named capabilities available to runs. It is built at
// startup and shared read-mostly across runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Capability)}
}

// Register adds a capability under its name. Re-registering a name replaces
// the previous implementation.
func (r *Registry) Register(c Capability) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("capability must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[c.Name()] = c
	return nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// ByKind returns the names of all capabilities of a kind, sorted for
// deterministic iteration.
func (r *Registry) ByKind(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, c := range r.tools {
		if c.Kind() == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
