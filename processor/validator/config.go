package validator

import (
	"fmt"
	"time"
)

// Config controls the validation loop.
type Config struct {
	// PollInterval is how often domain directories are re-scanned.
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}
