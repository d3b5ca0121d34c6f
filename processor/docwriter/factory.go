package docwriter

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the docwriter component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "docwriter",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Derives architecture and lessons docs from audit data",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new docwriter processor.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.WriteInterval == 0 {
		config.WriteInterval = defaults.WriteInterval
	}
	if config.LessonWindowDays == 0 {
		config.LessonWindowDays = defaults.LessonWindowDays
	}
	if config.LessonLimit == 0 {
		config.LessonLimit = defaults.LessonLimit
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "docwriter",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
