package transport

import (
	"io"
	"sort"
	"sync"
)

// Registry keeps live connections by id so they can be looked up and
// enumerated on shutdown.
type Registry[T io.Closer] struct {
	mu    sync.RWMutex
	conns map[string]T
}

func NewRegistry[T io.Closer]() *Registry[T] {
	return &Registry[T]{conns: make(map[string]T)}
}

// Add registers c under id. It returns false if id is already taken.
func (r *Registry[T]) Add(id string, c T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = c
	return true
}

// Get returns the connection registered under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove unregisters id and returns what was registered there.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// IDs returns all registered ids, sorted.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
