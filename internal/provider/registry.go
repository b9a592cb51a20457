package provider

import (
	"errors"
	"fmt"
	"sync"
)

// Registry maintains the closed set of configured back-ends keyed by name.
// Selection happens once per request, before any upstream call.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
}

// NewRegistry constructs an empty back-end registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register adds a back-end to the registry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p
	return nil
}

// Lookup returns the back-end registered under the given name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return p, nil
}
