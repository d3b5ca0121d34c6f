package planner

import (
	"fmt"
	"time"
)

// Config controls plan generation.
type Config struct {
	// PollInterval is how often domain directories are re-scanned.
	PollInterval time.Duration `json:"poll_interval"`

	// CategoryKeywords maps a task category to its trigger keywords.
	CategoryKeywords map[string][]string `json:"category_keywords"`

	// CategoryOrder fixes evaluation order so overlapping keyword sets
	// resolve deterministically.
	CategoryOrder []string `json:"category_order"`

	// CategorySkills maps a task category to the skill that executes it.
	CategorySkills map[string]string `json:"category_skills"`

	// DefaultSkill runs when no category matches.
	DefaultSkill string `json:"default_skill"`
}

// DefaultConfig returns the standard categorization setup.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		CategoryKeywords: map[string][]string{
			"coding":        {"code", "bug", "implement", "refactor", "deploy", "script", "api"},
			"research":      {"research", "investigate", "analyze", "compare", "evaluate", "find out"},
			"documentation": {"document", "write up", "readme", "guide", "manual", "notes on"},
			"planning":      {"plan", "roadmap", "schedule", "organize", "outline", "strategy"},
			"communication": {"email", "send", "announce", "reply", "notify", "message", "post"},
			"review":        {"review", "check", "verify", "audit", "proofread", "approve"},
		},
		CategoryOrder: []string{
			"coding", "research", "documentation", "planning", "communication", "review",
		},
		CategorySkills: map[string]string{
			"coding":        "code",
			"research":      "research",
			"documentation": "write_doc",
			"planning":      "general",
			"communication": "email",
			"review":        "review",
		},
		DefaultSkill: "general",
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
	for _, category := range c.CategoryOrder {
		if _, ok := c.CategoryKeywords[category]; !ok {
			return fmt.Errorf("category %s has no keyword set", category)
		}
		if _, ok := c.CategorySkills[category]; !ok {
			return fmt.Errorf("category %s has no skill mapping", category)
		}
	}
	return nil
}
