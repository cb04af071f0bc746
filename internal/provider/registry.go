package provider

import (
	"sync"

	"github.com/patagon3d/renovation-back/internal/domain"
)

// Registry routes each job category to the adapter that serves it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.JobCategory]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.JobCategory]Adapter)}
}

func (r *Registry) Register(category domain.JobCategory, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[category] = adapter
}

func (r *Registry) For(category domain.JobCategory) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[category]
	return adapter, ok
}

// Configured maps every registered adapter name to whether its credentials
// are present.
func (r *Registry) Configured() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]bool, len(r.adapters))
	for _, adapter := range r.adapters {
		status[adapter.Name()] = adapter.Configured()
	}
	return status
}
