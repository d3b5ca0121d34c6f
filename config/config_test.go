package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workers.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", cfg.Workers.PollInterval)
	}
	if !cfg.Workers.WatchEnabled {
		t.Error("expected watching enabled by default")
	}
	if cfg.Approval.Expiry != 24*time.Hour {
		t.Errorf("expected 24h approval expiry, got %s", cfg.Approval.Expiry)
	}
	if len(cfg.Domains["Business"]) == 0 {
		t.Error("expected default Business domain categories")
	}
	if cfg.Autonomy.MaxIterations != 25 {
		t.Errorf("expected 25 max iterations, got %d", cfg.Autonomy.MaxIterations)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing root path")
	}

	cfg.Root.Path = "/tmp/workspace"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	cfg.Domains = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing domains")
	}

	cfg = DefaultConfig()
	cfg.Root.Path = "/tmp/workspace"
	cfg.MCP.Services = []MCPServiceConfig{{Name: "email"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for mcp service without base_url")
	}
}

func TestLoadFromFileAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdflow.yaml")
	content := `root:
  path: /data/flow
workers:
  poll_interval: 2s
  watch_enabled: false
approval:
  expiry: 1h
mcp:
  services:
    - name: email
      base_url: http://localhost:9001
      actions: [send]
      fallback_enabled: true
components:
  domain-router:
    default_domain: Business
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Merge(loaded)

	if cfg.Root.Path != "/data/flow" {
		t.Errorf("expected merged root path, got %s", cfg.Root.Path)
	}
	if cfg.Workers.PollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %s", cfg.Workers.PollInterval)
	}
	if cfg.Workers.WatchEnabled {
		t.Error("expected watching disabled after merge")
	}
	if cfg.Approval.Expiry != time.Hour {
		t.Errorf("expected 1h expiry, got %s", cfg.Approval.Expiry)
	}
	// Untouched sections keep their defaults.
	if cfg.Approval.ScanInterval != 30*time.Second {
		t.Errorf("expected default scan interval, got %s", cfg.Approval.ScanInterval)
	}
	if len(cfg.MCP.Services) != 1 || cfg.MCP.Services[0].Name != "email" {
		t.Errorf("expected merged mcp services, got %+v", cfg.MCP.Services)
	}
	if cfg.Components["domain-router"]["default_domain"] != "Business" {
		t.Error("expected component section to survive merge")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config should validate: %v", err)
	}
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Root.Path = "/data/flow"
	cfg.HTTP.Addr = ":9090"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Root.Path != "/data/flow" {
		t.Errorf("expected root path to round-trip, got %s", reloaded.Root.Path)
	}
	if reloaded.HTTP.Addr != ":9090" {
		t.Errorf("expected http addr to round-trip, got %s", reloaded.HTTP.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
