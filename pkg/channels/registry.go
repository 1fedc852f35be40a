package channels

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores registered channel plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry constructs a plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Register adds a plugin to the registry. The registry keeps its own copy
// with absent optional adapters replaced by their defaults.
func (r *Registry) Register(p *Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is required")
	}

	id := strings.ToLower(strings.TrimSpace(p.ID))
	if id == "" {
		return fmt.Errorf("channel id is required")
	}
	if p.Config == nil {
		return fmt.Errorf("channel %q: config adapter is required", id)
	}
	if p.Gateway == nil {
		return fmt.Errorf("channel %q: gateway adapter is required", id)
	}

	normalized := *p
	normalized.ID = id
	if normalized.Meta.Label == "" {
		normalized.Meta.Label = id
	}
	if len(normalized.Capabilities.ChatTypes) == 0 {
		normalized.Capabilities.ChatTypes = []ChatType{ChatDirect}
	}
	if normalized.Security == nil {
		normalized.Security = defaultSecurity{channel: id}
	}
	if normalized.Messaging == nil {
		normalized.Messaging = defaultMessaging{}
	}
	if normalized.Outbound == nil {
		normalized.Outbound = unsupportedOutbound{}
	}
	if normalized.Status == nil {
		normalized.Status = emptyStatus{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("channel %q already registered", id)
	}

	r.plugins[id] = &normalized
	return nil
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns sorted registered channel ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plugins returns registered plugins ordered by id.
func (r *Registry) Plugins() []*Plugin {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Plugin, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.plugins[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
