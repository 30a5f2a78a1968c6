package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/runbox/internal/apperr"
)

// Info pairs a sandbox name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Default      bool         `json:"default"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the configured sandboxes and picks one per request.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]Sandbox
	def       string
}

// NewRegistry creates an empty registry whose default is defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		sandboxes: make(map[string]Sandbox),
		def:       defaultName,
	}
}

// Register adds a sandbox under name.
func (r *Registry) Register(name string, s Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[name] = s
}

// Default returns the name used when a request does not pick a sandbox.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Resolve returns the sandbox registered under name, or the default when
// name is empty. An unknown name is a validation error.
func (r *Registry) Resolve(name string) (Sandbox, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	s, ok := r.sandboxes[name]
	if !ok {
		if name == r.def {
			return nil, name, apperr.Internal(fmt.Errorf("default sandbox %q is not registered", name), "resolve sandbox")
		}
		return nil, name, apperr.Validation("sandbox %q is not available", name)
	}
	return s, name, nil
}

// List returns every registered sandbox, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sandboxes))
	for name, s := range r.sandboxes {
		infos = append(infos, Info{
			Name:         name,
			Default:      name == r.def,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Shutdown stops sandboxes that hold host resources between runs, such as
// booted microVMs.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sandboxes {
		if sd, ok := s.(interface{ Shutdown() }); ok {
			sd.Shutdown()
		}
	}
}
