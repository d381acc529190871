// Package runtime wires the ring/VAD/emit-gate/session layer to the
// scheduler and backpressure controller into a single running core, and
// holds the one registry of live connections — the sole piece of shared,
// mutable, module-level state the system needs.
package runtime

import (
	"sync"

	"github.com/lokutor-ai/lokutor-stream/pkg/session"
)

// Registry maps conn_id to its live Connection. The scheduler may still
// hold jobs referencing a conn_id after it has been unregistered (a
// decode was in flight at disconnect); Get reporting ok=false is the
// expected, non-exceptional way that is handled.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*session.Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*session.Connection)}
}

// Register adds a connection, keyed by its ID.
func (r *Registry) Register(c *session.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister removes a connection. Safe to call even if never registered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get looks up a connection by ID.
func (r *Registry) Get(id string) (*session.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Each calls fn for every currently registered connection. fn must not
// mutate the registry.
func (r *Registry) Each(fn func(*session.Connection)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		fn(c)
	}
}
