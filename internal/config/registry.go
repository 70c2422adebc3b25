package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateS2S] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a conversation provider from its configuration entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// Registry resolves the provider names used in the configuration file to
// conversation transports. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]S2SFactory
}

// NewRegistry returns a Registry with no providers. See app.RegisterBuiltinProviders
// for the stock set.
func NewRegistry() *Registry {
	return &Registry{s2s: make(map[string]S2SFactory)}
}

// RegisterS2S adds factory under name, replacing any earlier one.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// CreateS2S builds the transport for entry. Unknown names fail with
// [ErrProviderNotRegistered].
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.s2s))
}
