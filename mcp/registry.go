// Package mcp provides the routing layer between agents and backend service
// processes. Each backend exposes GET /health and POST /<action> over HTTP;
// the router forwards action calls by name, probes health on demand, and
// produces declared degraded responses when a service is offline.
package mcp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ServiceStatus enumerates backend health states.
type ServiceStatus string

const (
	StatusOnline   ServiceStatus = "online"
	StatusOffline  ServiceStatus = "offline"
	StatusDegraded ServiceStatus = "degraded"
)

// ServiceEntry describes one registered backend service.
type ServiceEntry struct {
	Name            string        `json:"name"`
	BaseURL         string        `json:"base_url"`
	Actions         []string      `json:"actions"`
	Status          ServiceStatus `json:"status"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
	FallbackEnabled bool          `json:"fallback_enabled"`
}

// SupportsAction reports whether the entry declares the action. An entry with
// no declared actions proxies anything.
func (e *ServiceEntry) SupportsAction(action string) bool {
	if len(e.Actions) == 0 {
		return true
	}
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Registry holds registered services. The router is the single writer;
// readers get copies.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceEntry
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*ServiceEntry)}
}

// Register adds or replaces a service entry. Status starts offline until the
// first health probe.
func (r *Registry) Register(entry ServiceEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if entry.BaseURL == "" {
		return fmt.Errorf("service %s: base_url is required", entry.Name)
	}
	entry.BaseURL = strings.TrimRight(entry.BaseURL, "/")
	if entry.Status == "" {
		entry.Status = StatusOffline
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[entry.Name] = &entry
	return nil
}

// Get returns a copy of a service entry.
func (r *Registry) Get(name string) (ServiceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.services[name]; ok {
		return *entry, true
	}
	return ServiceEntry{}, false
}

// SetStatus updates a service's health status and probe time.
func (r *Registry) SetStatus(name string, status ServiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.services[name]; ok {
		entry.Status = status
		entry.LastHealthCheck = time.Now().UTC()
	}
}

// Snapshot returns copies of all entries sorted by name.
func (r *Registry) Snapshot() []ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceEntry, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
