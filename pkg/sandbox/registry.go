package sandbox

import (
	"sync"
)

// Registry maps validator entry-point identifiers to compiled-in
// functions. Packs declare descriptors (name + entry point); the host
// resolves them here instead of ever executing pack-shipped code.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ValidatorFunc
}

// NewRegistry creates an empty entry-point registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ValidatorFunc)}
}

// Register binds an entry-point id to a function. Later registrations
// replace earlier ones.
func (r *Registry) Register(id string, fn ValidatorFunc) {
	r.mu.Lock()
	r.entries[id] = fn
	r.mu.Unlock()
}

// Resolve looks up an entry-point id
func (r *Registry) Resolve(id string) (ValidatorFunc, bool) {
	r.mu.RLock()
	fn, ok := r.entries[id]
	r.mu.RUnlock()
	return fn, ok
}

// EntryPoints lists the registered entry-point ids
func (r *Registry) EntryPoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
