package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the configured provider instances and the default choice
// for requests that carry no provider_id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	defaultID string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Add builds a provider from settings and registers it. The first provider
// added becomes the default unless SetDefault overrides it.
func (r *Registry) Add(settings Settings, logger *slog.Logger) (*Provider, error) {
	if settings.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}

	p := New(settings, logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[settings.ID]; exists {
		return nil, fmt.Errorf("provider %q already registered", settings.ID)
	}
	r.providers[settings.ID] = p
	if r.defaultID == "" {
		r.defaultID = settings.ID
	}
	return p, nil
}

// Reload replaces the registered providers wholesale, for configuration
// hot reload. The default moves to the first listed id when the previous
// default disappears.
func (r *Registry) Reload(settings []Settings, logger *slog.Logger) error {
	next := make(map[string]*Provider, len(settings))
	for _, s := range settings {
		if s.ID == "" {
			return fmt.Errorf("provider id is required")
		}
		next[s.ID] = New(s, logger)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = next
	if _, ok := next[r.defaultID]; !ok {
		r.defaultID = ""
		if len(settings) > 0 {
			r.defaultID = settings[0].ID
		}
	}
	return nil
}

// SetDefault marks an already-registered provider as the default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	r.defaultID = id
	return nil
}

// Get resolves a provider by id; an empty id yields the default.
func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return p, nil
}

// Default returns the default provider, or nil when none is registered.
func (r *Registry) Default() *Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.defaultID]
}

// IDs lists the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
