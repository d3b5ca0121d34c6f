package memory

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the memory component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "memory",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Aggregates task state into the persistent dashboard",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new memory processor.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.RefreshInterval == 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.RecentLimit == 0 {
		config.RecentLimit = defaults.RecentLimit
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "memory",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
