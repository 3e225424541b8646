// ABOUTME: Registry of circuit breakers keyed by protected dependency name.
// ABOUTME: Breakers are created lazily from a shared base configuration.

package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one Breaker per dependency name.
type Registry struct {
	base     Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share base (Name is ignored).
func NewRegistry(base Config) *Registry {
	return &Registry{
		base:     base,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.base
	cfg.Name = name
	b := New(cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
