package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the scheduler component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "scheduler",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Emits recurring tasks from the declarative schedule",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new scheduler processor. The emit_task action is
// pre-registered; callers add further actions before Start.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.TickInterval == 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.ScheduleFile == "" {
		config.ScheduleFile = defaults.ScheduleFile
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	component := &Component{
		name:    "scheduler",
		config:  config,
		deps:    deps,
		logger:  deps.GetLogger(),
		actions: make(map[string]ActionFunc),
		now:     time.Now,
	}
	component.RegisterAction("emit_task", component.EmitTask)
	return component, nil
}
