// Package adapter maps provider types to their wire-format implementations
// and carries the helpers they share: upstream error classification, key
// rotation and the tuned HTTP transport.
package adapter

import (
	"fmt"
	"sync"

	relay "github.com/modelrelay/relay/internal"
)

// Registry maps provider types to relay.Adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[relay.ProviderType]relay.Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[relay.ProviderType]relay.Adapter)}
}

// Register adds an adapter under its own Type.
// It overwrites any previously registered adapter for that type.
func (r *Registry) Register(a relay.Adapter) {
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a provider type, or an error if none is wired.
func (r *Registry) Get(t relay.ProviderType) (relay.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter for type %q not registered", t)
	}
	return a, nil
}

// Types returns the registered provider types.
func (r *Registry) Types() []relay.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]relay.ProviderType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
