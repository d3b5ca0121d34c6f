package planner

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the planner component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "planner",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Adds execution plans to classified tasks",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new planner processor.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.CategoryKeywords == nil {
		config.CategoryKeywords = defaults.CategoryKeywords
	}
	if config.CategoryOrder == nil {
		config.CategoryOrder = defaults.CategoryOrder
	}
	if config.CategorySkills == nil {
		config.CategorySkills = defaults.CategorySkills
	}
	if config.DefaultSkill == "" {
		config.DefaultSkill = defaults.DefaultSkill
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "planner",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
