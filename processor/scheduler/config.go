package scheduler

import (
	"fmt"
	"time"
)

// Config controls the scheduling loop.
type Config struct {
	// TickInterval is how often due entries are evaluated.
	TickInterval time.Duration `json:"tick_interval"`

	// ScheduleFile is the schedule file name, relative to the root.
	ScheduleFile string `json:"schedule_file"`
}

// DefaultConfig returns the standard scheduler setup.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		ScheduleFile: "schedule.yaml",
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.ScheduleFile == "" {
		return fmt.Errorf("schedule_file is required")
	}
	return nil
}
