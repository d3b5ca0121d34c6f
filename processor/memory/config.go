package memory

import (
	"fmt"
	"time"
)

// Config controls dashboard aggregation.
type Config struct {
	// RefreshInterval is how often the dashboard is rebuilt.
	RefreshInterval time.Duration `json:"refresh_interval"`

	// RecentLimit caps the recent-completions list.
	RecentLimit int `json:"recent_limit"`
}

// DefaultConfig returns the standard dashboard cadence.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Minute,
		RecentLimit:     10,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("recent_limit must be positive")
	}
	return nil
}
