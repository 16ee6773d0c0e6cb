package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one breaker per provider, created on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry returns a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// For returns the breaker for provider, creating it if needed.
func (r *Registry) For(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[provider] = b
	return b
}

// States returns the current position of every breaker, keyed by provider.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State().String()
	}
	return states
}

// EvictStale removes breakers idle since before cutoff and returns how many
// were dropped. Stale keys are collected under the read lock first so normal
// traffic only contends with the write lock when something actually expires.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, k)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
