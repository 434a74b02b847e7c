package ticketsync

import (
	"sort"
	"sync"
)

// Registry lets other parts of an application discover whether a live
// connection exists for a feature. Connections register themselves once
// Connected and unregister on Disconnect or failure.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Lookup returns the connection registered for feature.
func (r *Registry) Lookup(feature string) (*Connection, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[feature]
	return c, ok
}

// Active reports whether feature has a connection that is currently up.
func (r *Registry) Active(feature string) bool {
	c, ok := r.Lookup(feature)
	return ok && c.State().IsConnected()
}

// Features lists registered feature names in sorted order.
func (r *Registry) Features() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for f := range r.conns {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) register(feature string, c *Connection) {
	if r == nil || feature == "" {
		return
	}
	r.mu.Lock()
	r.conns[feature] = c
	r.mu.Unlock()
}

// unregister only removes c itself, so a newer connection for the same
// feature is left alone.
func (r *Registry) unregister(feature string, c *Connection) {
	if r == nil || feature == "" {
		return
	}
	r.mu.Lock()
	if r.conns[feature] == c {
		delete(r.conns, feature)
	}
	r.mu.Unlock()
}
