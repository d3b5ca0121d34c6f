package manager

import (
	"fmt"
	"time"
)

// Config controls skill dispatch and approval gating.
type Config struct {
	// PollInterval is how often domain directories are re-scanned.
	PollInterval time.Duration `json:"poll_interval"`

	// DefaultSkill runs when no plan, header, or content names one.
	DefaultSkill string `json:"default_skill"`

	// ApprovalExpiry is handed to the approval gate when diverting.
	ApprovalExpiry time.Duration `json:"approval_expiry"`

	// GatedPriorities force approval regardless of the skill's flag.
	GatedPriorities []string `json:"gated_priorities"`

	// SkillKeywords maps a skill id to content keywords, used as the
	// third resolution step after plan and header.
	SkillKeywords map[string][]string `json:"skill_keywords"`

	// SkillOrder fixes keyword evaluation order.
	SkillOrder []string `json:"skill_order"`

	// MaxIterations caps a multi-step goal's plan/execute/validate cycles.
	MaxIterations int `json:"max_iterations"`

	// StepMaxAttempts is the per-step attempt budget for goal steps.
	StepMaxAttempts int `json:"step_max_attempts"`

	// StepRetryDelay overrides the base delay between goal step attempts.
	StepRetryDelay time.Duration `json:"step_retry_delay"`
}

// DefaultConfig returns the standard dispatch setup.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		DefaultSkill:    "general",
		ApprovalExpiry:  24 * time.Hour,
		GatedPriorities: []string{"urgent", "critical"},
		SkillKeywords: map[string][]string{
			"email":    {"email", "send to", "recipient", "announce"},
			"code":     {"code", "bug", "implement", "deploy"},
			"research": {"research", "investigate", "analyze"},
		},
		SkillOrder:      []string{"email", "code", "research"},
		MaxIterations:   25,
		StepMaxAttempts: 3,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.DefaultSkill == "" {
		return fmt.Errorf("default_skill is required")
	}
	if c.ApprovalExpiry <= 0 {
		return fmt.Errorf("approval_expiry must be positive")
	}
	for _, skill := range c.SkillOrder {
		if _, ok := c.SkillKeywords[skill]; !ok {
			return fmt.Errorf("skill %s has no keyword set", skill)
		}
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.StepMaxAttempts <= 0 {
		return fmt.Errorf("step_max_attempts must be positive")
	}
	return nil
}
