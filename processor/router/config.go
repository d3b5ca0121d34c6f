package router

import (
	"fmt"
	"time"
)

// Config controls domain classification.
type Config struct {
	// DefaultDomain receives tasks when scoring is inconclusive.
	DefaultDomain string `json:"default_domain"`

	// PollInterval is how often the inbox is re-scanned.
	PollInterval time.Duration `json:"poll_interval"`

	// WatchEnabled adds a filesystem watch on the inbox so new tasks route
	// without waiting out the poll interval.
	WatchEnabled bool `json:"watch_enabled"`

	// WatchDebounce batches bursts of filesystem events.
	WatchDebounce time.Duration `json:"watch_debounce"`

	// DomainKeywords maps each domain to its scoring keyword set.
	DomainKeywords map[string][]string `json:"domain_keywords"`

	// CategoryKeywords maps category names to the keywords that select
	// them. First category whose keyword appears in the body wins.
	CategoryKeywords map[string][]string `json:"category_keywords"`

	// CategoryOrder fixes the category evaluation order.
	CategoryOrder []string `json:"category_order"`

	// SkillVotes maps a header skill to the domain it votes for; used as
	// the scoring tiebreak.
	SkillVotes map[string]string `json:"skill_votes"`

	// DomainCategories maps each domain to its valid categories, used to
	// place the routed file.
	DomainCategories map[string][]string `json:"domain_categories"`
}

// DefaultConfig returns the standard two-domain classification setup.
func DefaultConfig() Config {
	return Config{
		DefaultDomain: "Business",
		PollInterval:  5 * time.Second,
		WatchDebounce: 500 * time.Millisecond,
		DomainKeywords: map[string][]string{
			"Business": {
				"invoice", "client", "revenue", "meeting", "launch",
				"campaign", "report", "budget", "deadline", "stakeholder",
				"project", "quarterly", "proposal", "contract", "payroll",
			},
			"Personal": {
				"doctor", "family", "grocery", "workout", "vacation",
				"birthday", "hobby", "recipe", "appointment", "home",
				"health", "friend", "garden", "reading", "errand",
			},
		},
		CategoryKeywords: map[string][]string{
			"accounting": {"invoice", "payment", "expense", "budget", "payroll", "tax"},
			"marketing":  {"campaign", "launch", "announce", "social", "brand", "email blast"},
			"reporting":  {"report", "summary", "metrics", "dashboard", "quarterly"},
			"projects":   {"project", "milestone", "sprint", "deliverable", "roadmap"},
			"notes":      {"note", "remember", "idea", "thought"},
			"learning":   {"learn", "course", "study", "tutorial", "practice"},
			"reminders":  {"remind", "appointment", "schedule", "due"},
			"health":     {"doctor", "workout", "medication", "sleep", "diet"},
		},
		CategoryOrder: []string{
			"accounting", "marketing", "reporting", "projects",
			"notes", "learning", "reminders", "health",
		},
		SkillVotes: map[string]string{
			"email":      "Business",
			"accounting": "Business",
			"social":     "Business",
			"research":   "Business",
			"journal":    "Personal",
			"errand":     "Personal",
		},
		DomainCategories: map[string][]string{
			"Business": {"accounting", "marketing", "reporting", "projects"},
			"Personal": {"notes", "learning", "reminders", "health"},
		},
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.DefaultDomain == "" {
		return fmt.Errorf("default_domain is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if len(c.DomainKeywords) < 2 {
		return fmt.Errorf("at least two domain keyword sets are required")
	}
	if _, ok := c.DomainKeywords[c.DefaultDomain]; !ok {
		return fmt.Errorf("default_domain %s has no keyword set", c.DefaultDomain)
	}
	for domain := range c.DomainKeywords {
		if _, ok := c.DomainCategories[domain]; !ok {
			return fmt.Errorf("domain %s has no category list", domain)
		}
	}
	return nil
}
