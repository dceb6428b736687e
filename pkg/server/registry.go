package server

import (
	"fmt"
	"sync"
)

// Registry is the authoritative set of live connections, keyed by connection
// identity. The server's event loop is its only writer; the lock exists so
// Count and All stay safe for callers on other goroutines.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]*Conn),
	}
}

// Remember adds a connection. A second Remember with the same identity fails
// with ErrDuplicateConn; that only happens if dispatch is broken.
func (r *Registry) Remember(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID()]; ok {
		return fmt.Errorf("connection %d: %w", c.ID(), ErrDuplicateConn)
	}
	r.conns[c.ID()] = c
	return nil
}

// Forget removes the connection with the given identity. Forgetting an
// absent identity is a no-op, so racing error and stop events for the same
// connection stay harmless. It reports whether anything was removed.
func (r *Registry) Forget(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of the live connections. Mutating the registry
// while iterating the snapshot is safe; shutdown relies on that, since
// stopping a connection eventually removes it.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
