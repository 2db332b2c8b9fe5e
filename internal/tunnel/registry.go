package tunnel

import (
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Registry tracks active tunnels keyed by subdomain.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
	}
}

// Register adds a tunnel. The handshake handles eviction before calling
// this, so a duplicate subdomain is refused rather than replaced.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t.Subdomain]; ok {
		return ErrSubdomainTaken
	}
	r.tunnels[t.Subdomain] = t
	return nil
}

// Unregister removes the tunnel for a subdomain, but only if it is still the
// registered one. An evicted tunnel's read loop must not unregister its
// replacement.
func (r *Registry) Unregister(subdomain string, t *Tunnel) {
	r.mu.Lock()
	if existing, ok := r.tunnels[subdomain]; ok && existing == t {
		delete(r.tunnels, subdomain)
	}
	r.mu.Unlock()
}

// Get returns the active tunnel for a subdomain, if any.
func (r *Registry) Get(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	t, ok := r.tunnels[subdomain]
	r.mu.RUnlock()
	return t, ok
}

// Len returns the number of active tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Status describes one tunnel for the status endpoint.
type Status struct {
	Subdomain       string
	CreatedAt       time.Time
	PendingRequests int
}

// Snapshot returns the status of every active tunnel.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, Status{
			Subdomain:       t.Subdomain,
			CreatedAt:       t.CreatedAt,
			PendingRequests: t.PendingCount(),
		})
	}
	return out
}

// PendingRequests totals in-flight requests across all tunnels. Shutdown
// polls it while draining.
func (r *Registry) PendingRequests() int {
	total := 0
	for _, s := range r.Snapshot() {
		total += s.PendingRequests
	}
	return total
}

// CloseAll closes every tunnel with the given status, unregistering as it
// goes.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	tunnels := r.tunnels
	r.tunnels = make(map[string]*Tunnel)
	r.mu.Unlock()

	for _, t := range tunnels {
		t.Close(code, reason)
	}
}
