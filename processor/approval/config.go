package approval

import (
	"fmt"
	"time"
)

// Config controls the approval scanning loop.
type Config struct {
	// Expiry is how long an artifact waits for a decision before it is
	// rejected with reason "timeout".
	Expiry time.Duration `json:"expiry"`

	// ScanInterval is how often pending artifacts are re-scanned.
	ScanInterval time.Duration `json:"scan_interval"`

	// WatchEnabled adds a filesystem watch on the approval directory so
	// decisions apply without waiting out the scan interval.
	WatchEnabled bool `json:"watch_enabled"`

	// WatchDebounce batches bursts of filesystem events.
	WatchDebounce time.Duration `json:"watch_debounce"`
}

// DefaultConfig returns the standard approval timings.
func DefaultConfig() Config {
	return Config{
		Expiry:        24 * time.Hour,
		ScanInterval:  30 * time.Second,
		WatchDebounce: 500 * time.Millisecond,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.Expiry <= 0 {
		return fmt.Errorf("expiry must be positive")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	return nil
}
