// Package docwriter derives living documentation from the running system: an
// architecture overview built from the component registry and a lessons file
// mined from recurring failure patterns in the audit stream.
package docwriter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/audit"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "docwriter"

// Generated document names under Docs/.
const (
	ArchitectureFileName = "architecture.md"
	LessonsFileName      = "lessons.md"
)

// Component implements the documentation writer.
type Component struct {
	name   string
	config Config
	deps   runtime.Dependencies
	logger *slog.Logger

	inventory  []runtime.RegistrationConfig
	summarizer *audit.Summarizer

	// Lifecycle
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}

	// Metrics
	docsWritten atomic.Int64
}

// Name returns the component's registered name.
func (c *Component) Name() string { return c.name }

// SetInventory hands the writer the registered component set. Called once at
// wiring time, before Start.
func (c *Component) SetInventory(inventory []runtime.RegistrationConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inventory = inventory
}

// Initialize checks dependencies.
func (c *Component) Initialize(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("task store is required")
	}
	c.summarizer = audit.NewSummarizer(c.deps.Store.AuditDir())
	return nil
}

// Start begins the writing loop.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(loopCtx)
	return nil
}

// Stop halts the loop.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Docwriter loop did not stop in time")
	}
	return nil
}

// Health reports liveness and counters.
func (c *Component) Health() runtime.Health {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	return runtime.Health{
		Name:    c.name,
		Running: running,
		Status:  "ok",
		Metrics: map[string]any{
			"docs_written": c.docsWritten.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.WriteInterval)
	defer ticker.Stop()

	c.WriteDocs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.WriteDocs(ctx)
		}
	}
}

// WriteDocs regenerates both documents.
func (c *Component) WriteDocs(ctx context.Context) {
	docsDir := c.deps.Store.DocsDir()

	if err := task.WriteAtomic(filepath.Join(docsDir, ArchitectureFileName), c.renderArchitecture()); err != nil {
		c.logger.Error("Failed to write architecture doc", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	lessons, err := c.renderLessons()
	if err != nil {
		c.logger.Error("Failed to build lessons doc", "error", err)
		return
	}
	if err := task.WriteAtomic(filepath.Join(docsDir, LessonsFileName), lessons); err != nil {
		c.logger.Error("Failed to write lessons doc", "error", err)
		return
	}
	c.docsWritten.Add(1)
}

func (c *Component) renderArchitecture() string {
	c.mu.RLock()
	inventory := c.inventory
	c.mu.RUnlock()

	var b strings.Builder
	b.WriteString("# Architecture\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("Markdown task files are the durable state; components move them\n")
	b.WriteString("through the pipeline by rewriting headers and relocating files.\n\n")
	b.WriteString("## Components\n\n")
	if len(inventory) == 0 {
		b.WriteString("No components registered.\n")
		return b.String()
	}
	b.WriteString("| Component | Type | Version | Description |\n|---|---|---|---|\n")
	for _, entry := range inventory {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			entry.Name, entry.Type, entry.Version, entry.Description)
	}
	return b.String()
}

func (c *Component) renderLessons() (string, error) {
	since := time.Now().UTC().AddDate(0, 0, -c.config.LessonWindowDays)
	patterns, err := c.summarizer.MineFailurePatterns(since, c.config.LessonLimit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Lessons\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Failure patterns observed over the last %d days, most frequent first.\n\n", c.config.LessonWindowDays)
	if len(patterns) == 0 {
		b.WriteString("No failures recorded in the window.\n")
		return b.String(), nil
	}
	for _, p := range patterns {
		fmt.Fprintf(&b, "## %s\n\n", p.ErrorType)
		fmt.Fprintf(&b, "Occurred %d times. %s\n\n", p.Count, lessonAdvice(p.ErrorType))
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

// lessonAdvice maps known failure kinds to a standing recommendation.
func lessonAdvice(errorType string) string {
	switch errorType {
	case "operation_timeout":
		return "Review timeout budgets for the affected agents, or move slow work behind the failure queue."
	case "heartbeat_miss":
		return "Check that the affected agents are running and that their loops are not blocked."
	case "upstream_failure":
		return "Inspect the upstream services; consider declaring fallbacks for the affected agents."
	case "step_validation_failed":
		return "Inspect the step handlers that report success without producing the expected outputs."
	default:
		return "Review the audit failure records for this kind and address the root cause."
	}
}
