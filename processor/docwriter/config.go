package docwriter

import (
	"fmt"
	"time"
)

// Config controls documentation generation.
type Config struct {
	// WriteInterval is how often the docs are regenerated.
	WriteInterval time.Duration `json:"write_interval"`

	// LessonWindowDays bounds how far back failure mining looks.
	LessonWindowDays int `json:"lesson_window_days"`

	// LessonLimit caps how many failure patterns become lessons.
	LessonLimit int `json:"lesson_limit"`
}

// DefaultConfig returns the standard documentation cadence.
func DefaultConfig() Config {
	return Config{
		WriteInterval:    time.Hour,
		LessonWindowDays: 30,
		LessonLimit:      10,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.WriteInterval <= 0 {
		return fmt.Errorf("write_interval must be positive")
	}
	if c.LessonWindowDays <= 0 {
		return fmt.Errorf("lesson_window_days must be positive")
	}
	if c.LessonLimit <= 0 {
		return fmt.Errorf("lesson_limit must be positive")
	}
	return nil
}
