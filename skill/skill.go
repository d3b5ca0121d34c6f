// Package skill defines the closed registry of named capabilities and the
// contract their handlers satisfy. Skill bodies live outside the core; the
// registry only maps ids to handler references declared at startup.
package skill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSkill is returned when a requested skill id is not registered.
var ErrUnknownSkill = errors.New("unknown skill")

// DefaultSkillID is the fallthrough skill when neither the plan, the header,
// nor content classification names one.
const DefaultSkillID = "general"

// Input is the normalized payload every handler receives.
type Input struct {
	Title    string            `json:"title"`
	Priority string            `json:"priority"`
	Body     string            `json:"body"`
	Header   map[string]string `json:"header"`
	Path     string            `json:"path"`
}

// Result is the only shape handlers may return. Handlers must be idempotent
// for repeated calls with the same task identity; result writes into the task
// file are append-only and performed by the caller.
type Result struct {
	Success      bool     `json:"success"`
	Output       string   `json:"output,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Handler executes one skill invocation.
type Handler func(ctx context.Context, input Input) (Result, error)

// Entry declares one skill in the registry.
type Entry struct {
	SkillID          string
	Handler          Handler
	RequiresApproval bool
	Priority         string
}

// Registry is the closed table of declared skills. It is populated once at
// startup and read-only afterwards, so lookups take the read lock only.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Entry
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Entry)}
}

// Register declares a skill. Re-registering an id replaces the entry.
func (r *Registry) Register(entry Entry) error {
	if entry.SkillID == "" {
		return fmt.Errorf("skill id is required")
	}
	if entry.Handler == nil {
		return fmt.Errorf("skill %s: handler is required", entry.SkillID)
	}
	if entry.Priority == "" {
		entry.Priority = "normal"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[entry.SkillID] = entry
	return nil
}

// Get returns the entry for a skill id.
func (r *Registry) Get(skillID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.skills[skillID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSkill, skillID)
	}
	return entry, nil
}

// Has reports whether the id is registered.
func (r *Registry) Has(skillID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[skillID]
	return ok
}

// IDs returns the registered skill ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for id := range r.skills {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invoke resolves and runs a skill handler. Handler errors are folded into
// the result so callers get a single well-typed shape; only an unknown id is
// a hard error.
func (r *Registry) Invoke(ctx context.Context, skillID string, input Input) (Result, error) {
	entry, err := r.Get(skillID)
	if err != nil {
		return Result{}, err
	}
	result, err := entry.Handler(ctx, input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if !result.Success && result.Error == "" {
		result.Error = "skill reported failure without detail"
	}
	return result, nil
}
