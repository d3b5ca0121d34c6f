// Package runtime hosts the component registry and runner. Every pipeline
// worker implements Component, is registered by name with a factory, and is
// constructed from raw JSON config plus shared dependencies at startup.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/mdflow/audit"
	"github.com/c360studio/mdflow/mcp"
	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/resilience"
	"github.com/c360studio/mdflow/skill"
	"github.com/c360studio/mdflow/task"
)

// Component is the lifecycle contract every worker satisfies.
type Component interface {
	// Name returns the component's registered name.
	Name() string

	// Initialize prepares resources before Start; it must not begin work.
	Initialize(ctx context.Context) error

	// Start begins the worker loop. Non-blocking; the component owns its
	// goroutines until Stop.
	Start(ctx context.Context) error

	// Stop halts the worker and releases resources. Idempotent.
	Stop(ctx context.Context) error

	// Health reports liveness and component-specific metrics.
	Health() Health
}

// Health is a point-in-time component report.
type Health struct {
	Name    string         `json:"name"`
	Running bool           `json:"running"`
	Status  string         `json:"status"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Dependencies carries the shared services handed to every factory.
type Dependencies struct {
	Logger     *slog.Logger
	Audit      *audit.Logger
	Resilience *resilience.Controller
	Store      *task.Store
	Bus        *notify.Bus
	MCP        *mcp.Router
	Skills     *skill.Registry

	// Metrics is optional; components skip Prometheus updates when nil.
	Metrics *Metrics
}

// GetLogger returns the configured logger, falling back to the default.
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Factory constructs a component from its raw JSON config block.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Component, error)

// RegistrationConfig describes one registrable component.
type RegistrationConfig struct {
	Name        string
	Factory     Factory
	Type        string
	Description string
	Version     string
}
