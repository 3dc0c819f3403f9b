package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps provider names to their builders and capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder under name. Names are case-insensitive.
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	if caps.Name == "" {
		caps.Name = name
	}
	r.capabilities[name] = caps
}

// Lookup returns the builder registered under name.
func (r *Registry) Lookup(name string) (Builder, error) {
	r.mu.RLock()
	builder, ok := r.builders[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProvider, name, r.Names())
	}
	return builder, nil
}

// Build creates a provider with the builder named by cfg.GetProvider().
func (r *Registry) Build(ctx context.Context, cfg Config, deps Dependencies) (Provider, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	builder, err := r.Lookup(cfg.GetProvider())
	if err != nil {
		return nil, err
	}
	return builder(ctx, cfg, deps)
}

// Capabilities returns the capabilities registered under name.
func (r *Registry) Capabilities(name string) Capabilities {
	name = normalize(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalize(name)]
	return ok
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
