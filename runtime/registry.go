package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry maps component names to factories. Populated at startup; unknown
// names fail fast at construction time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegistrationConfig
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]RegistrationConfig)}
}

// RegisterWithConfig declares a component. Duplicate names are an error.
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	if config.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if config.Factory == nil {
		return fmt.Errorf("component %s: factory is required", config.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[config.Name]; exists {
		return fmt.Errorf("component %s already registered", config.Name)
	}
	r.entries[config.Name] = config
	return nil
}

// Build constructs a component by name from its raw config block.
func (r *Registry) Build(name string, rawConfig json.RawMessage, deps Dependencies) (Component, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown component %s", name)
	}
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	component, err := entry.Factory(rawConfig, deps)
	if err != nil {
		return nil, fmt.Errorf("build component %s: %w", name, err)
	}
	return component, nil
}

// List returns all registrations sorted by name.
func (r *Registry) List() []RegistrationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistrationConfig, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists registered component names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
