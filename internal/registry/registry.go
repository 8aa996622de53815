// Package registry maps provider names to adapter instances, constructing
// adapters lazily so unused upstreams never build a client.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

// Factory builds an adapter when it is first requested.
type Factory func() (provider.Provider, error)

type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]provider.Provider),
		factories: make(map[string]Factory),
	}
}

// Register installs an already-built adapter under name.
func (r *Registry) Register(name string, p provider.Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	log.Debug().Str("provider", name).Msg("Registered provider")
}

// RegisterFactory installs a constructor that runs on first Get. At most one
// instance is built per name under concurrent first use; a failing factory
// is retried on the next Get.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	log.Debug().Str("provider", name).Msg("Registered provider factory")
}

func (r *Registry) Get(name string) (provider.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	f, ok := r.factories[name]
	if !ok {
		log.Warn().Str("provider", name).Msg("Provider not found")
		return nil, gwerr.ProviderNotFound("Provider not found: %s", name)
	}
	p, err := f()
	if err != nil {
		log.Error().Err(err).Str("provider", name).Msg("Failed to build provider")
		return nil, gwerr.ProviderNotFound("Provider %s failed to initialize: %v", name, err)
	}
	r.providers[name] = p
	return p, nil
}

// Names returns every registered name, built or not, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.providers)+len(r.factories))
	for name := range r.providers {
		seen[name] = struct{}{}
	}
	for name := range r.factories {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
