// Package config provides configuration loading and management for mdflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mdflow configuration.
type Config struct {
	Root       RootConfig            `yaml:"root"`
	Domains    map[string][]string   `yaml:"domains"`
	Workers    WorkersConfig         `yaml:"workers"`
	Approval   ApprovalConfig        `yaml:"approval"`
	Autonomy   AutonomyConfig        `yaml:"autonomy"`
	Resilience ResilienceConfig      `yaml:"resilience"`
	Audit      AuditConfig           `yaml:"audit"`
	MCP        MCPConfig             `yaml:"mcp"`
	Notify     NotifyConfig          `yaml:"notify"`
	HTTP       HTTPConfig            `yaml:"http"`
	Components map[string]RawSection `yaml:"components"`
}

// RawSection defers a component's config block to its own parser.
type RawSection map[string]any

// RootConfig locates the workspace on disk.
type RootConfig struct {
	// Path is the workspace root holding Inbox, Domains, Done, Logs, Audit.
	Path string `yaml:"path"`
}

// WorkersConfig tunes the polling loops.
type WorkersConfig struct {
	// PollInterval is how often each worker re-scans its input directory.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WatchEnabled adds filesystem notifications on top of polling.
	WatchEnabled bool `yaml:"watch_enabled"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	// Expiry is how long an approval artifact waits for a decision.
	Expiry time.Duration `yaml:"expiry"`
	// ScanInterval is how often pending artifacts are re-scanned.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// AutonomyConfig bounds multi-step goals.
type AutonomyConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

// ResilienceConfig tunes the resilience controller.
type ResilienceConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	QueueMaxRetries int           `yaml:"queue_max_retries"`
}

// AuditConfig tunes the audit stream writer.
type AuditConfig struct {
	FlushInterval    time.Duration `yaml:"flush_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// MCPConfig declares the backend services available to the router.
type MCPConfig struct {
	Services []MCPServiceConfig `yaml:"services"`
}

// MCPServiceConfig declares one routable backend.
type MCPServiceConfig struct {
	Name            string   `yaml:"name"`
	BaseURL         string   `yaml:"base_url"`
	Actions         []string `yaml:"actions"`
	FallbackEnabled bool     `yaml:"fallback_enabled"`
}

// NotifyConfig controls the optional in-process event bus.
type NotifyConfig struct {
	// Enabled starts the embedded bus; disabled means pure polling.
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig exposes health and metrics.
type HTTPConfig struct {
	// Addr is the listen address for /health and /metrics; empty disables.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Domains: map[string][]string{
			"Business": {"accounting", "marketing", "reporting", "projects"},
			"Personal": {"notes", "learning", "reminders", "health"},
		},
		Workers: WorkersConfig{
			PollInterval: 5 * time.Second,
			WatchEnabled: true,
		},
		Approval: ApprovalConfig{
			Expiry:       24 * time.Hour,
			ScanInterval: 30 * time.Second,
		},
		Autonomy: AutonomyConfig{
			MaxIterations:      25,
			DefaultMaxAttempts: 3,
			RetryDelay:         2 * time.Second,
		},
		Resilience: ResilienceConfig{
			MonitorInterval: 15 * time.Second,
			QueueMaxRetries: 3,
		},
		Audit: AuditConfig{
			FlushInterval:    2 * time.Second,
			SnapshotInterval: time.Minute,
		},
		Notify: NotifyConfig{Enabled: true},
		HTTP:   HTTPConfig{Addr: ""},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Root.Path == "" {
		return fmt.Errorf("root.path is required")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain is required")
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("workers.poll_interval must be positive")
	}
	if c.Approval.Expiry <= 0 {
		return fmt.Errorf("approval.expiry must be positive")
	}
	if c.Autonomy.MaxIterations <= 0 {
		return fmt.Errorf("autonomy.max_iterations must be positive")
	}
	for _, service := range c.MCP.Services {
		if service.Name == "" || service.BaseURL == "" {
			return fmt.Errorf("mcp services need name and base_url")
		}
	}
	return nil
}

// Merge overlays values set in other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Root.Path != "" {
		c.Root.Path = other.Root.Path
	}
	if len(other.Domains) > 0 {
		c.Domains = other.Domains
	}
	if other.Workers.PollInterval > 0 {
		c.Workers.PollInterval = other.Workers.PollInterval
	}
	c.Workers.WatchEnabled = other.Workers.WatchEnabled
	if other.Approval.Expiry > 0 {
		c.Approval.Expiry = other.Approval.Expiry
	}
	if other.Approval.ScanInterval > 0 {
		c.Approval.ScanInterval = other.Approval.ScanInterval
	}
	if other.Autonomy.MaxIterations > 0 {
		c.Autonomy.MaxIterations = other.Autonomy.MaxIterations
	}
	if other.Autonomy.DefaultMaxAttempts > 0 {
		c.Autonomy.DefaultMaxAttempts = other.Autonomy.DefaultMaxAttempts
	}
	if other.Autonomy.RetryDelay > 0 {
		c.Autonomy.RetryDelay = other.Autonomy.RetryDelay
	}
	if other.Resilience.MonitorInterval > 0 {
		c.Resilience.MonitorInterval = other.Resilience.MonitorInterval
	}
	if other.Resilience.QueueMaxRetries > 0 {
		c.Resilience.QueueMaxRetries = other.Resilience.QueueMaxRetries
	}
	if other.Audit.FlushInterval > 0 {
		c.Audit.FlushInterval = other.Audit.FlushInterval
	}
	if other.Audit.SnapshotInterval > 0 {
		c.Audit.SnapshotInterval = other.Audit.SnapshotInterval
	}
	if len(other.MCP.Services) > 0 {
		c.MCP.Services = other.MCP.Services
	}
	c.Notify.Enabled = other.Notify.Enabled
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if len(other.Components) > 0 {
		if c.Components == nil {
			c.Components = make(map[string]RawSection)
		}
		for name, section := range other.Components {
			c.Components[name] = section
		}
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{Notify: NotifyConfig{Enabled: true}, Workers: WorkersConfig{WatchEnabled: true}}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
