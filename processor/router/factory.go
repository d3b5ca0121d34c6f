package router

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/mdflow/runtime"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(runtime.RegistrationConfig) error
}

// Register registers the domain router component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(runtime.RegistrationConfig{
		Name:        "domain-router",
		Factory:     NewComponent,
		Type:        "processor",
		Description: "Assigns domain and category to inbox tasks",
		Version:     "0.1.0",
	})
}

// NewComponent creates a new domain router processor.
func NewComponent(rawConfig json.RawMessage, deps runtime.Dependencies) (runtime.Component, error) {
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.DefaultDomain == "" {
		config.DefaultDomain = defaults.DefaultDomain
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.WatchDebounce == 0 {
		config.WatchDebounce = defaults.WatchDebounce
	}
	if config.DomainKeywords == nil {
		config.DomainKeywords = defaults.DomainKeywords
	}
	if config.CategoryKeywords == nil {
		config.CategoryKeywords = defaults.CategoryKeywords
	}
	if config.CategoryOrder == nil {
		config.CategoryOrder = defaults.CategoryOrder
	}
	if config.SkillVotes == nil {
		config.SkillVotes = defaults.SkillVotes
	}
	if config.DomainCategories == nil {
		config.DomainCategories = defaults.DomainCategories
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:   "domain-router",
		config: config,
		deps:   deps,
		logger: deps.GetLogger(),
	}, nil
}
