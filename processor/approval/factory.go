package approval

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the approval controller with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "approval-controller",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Scans approval artifacts for human decisions",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new approval controller.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.Expiry == 0 {
		config.Expiry = defaults.Expiry
	}
	if config.ScanInterval == 0 {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.WatchDebounce == 0 {
		config.WatchDebounce = defaults.WatchDebounce
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "approval-controller",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
