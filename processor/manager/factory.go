package manager

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the manager component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "manager",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Dispatches planned tasks to skill handlers",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new manager processor.
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
	if config.DefaultSkill == "" {
		config.DefaultSkill = defaults.DefaultSkill
	}
	if config.ApprovalExpiry == 0 {
		config.ApprovalExpiry = defaults.ApprovalExpiry
	}
	if config.GatedPriorities == nil {
		config.GatedPriorities = defaults.GatedPriorities
	}
	if config.SkillKeywords == nil {
		config.SkillKeywords = defaults.SkillKeywords
		config.SkillOrder = defaults.SkillOrder
	}
	if config.MaxIterations == 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.StepMaxAttempts == 0 {
		config.StepMaxAttempts = defaults.StepMaxAttempts
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "manager",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
