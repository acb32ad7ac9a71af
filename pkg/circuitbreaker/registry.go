package circuitbreaker

import (
	"sync"
)

// Registry manages one breaker per resource key, created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists = r.breakers[key]; exists {
		return b
	}
	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns per-state breaker counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}
