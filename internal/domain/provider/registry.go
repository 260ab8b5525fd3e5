package provider

import (
	"fmt"
	"sort"
)

// Registry is a pure lookup table of provider configurations. It is built
// once at startup; Get and List are safe for concurrent use afterwards.
type Registry struct {
	byID map[string]Config
}

// NewRegistry builds a registry from the given configs. Every provider id
// must resolve to exactly one config; duplicates fail.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{byID: make(map[string]Config, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("provider with empty id (display name %q)", cfg.DisplayName)
		}
		if _, exists := r.byID[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate provider id %q", cfg.ID)
		}
		switch cfg.AuthStyle {
		case AuthStylePKCE, AuthStyleBasic:
		default:
			return nil, fmt.Errorf("provider %q: unknown auth style %q", cfg.ID, cfg.AuthStyle)
		}
		r.byID[cfg.ID] = cfg
	}
	return r, nil
}

// Get returns the config for id.
func (r *Registry) Get(id string) (Config, bool) {
	cfg, ok := r.byID[id]
	return cfg, ok
}

// List returns all providers sorted by id.
func (r *Registry) List() []Config {
	out := make([]Config, 0, len(r.byID))
	for _, cfg := range r.byID {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.byID)
}
