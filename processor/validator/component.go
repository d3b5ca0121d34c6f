// Package validator provides the processor that verifies finished tasks and
// retires them into the terminal directory.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "validator"

// Component implements the validator processor.
type Component struct {
	name   string
	config Config
	deps   runtime.Dependencies
	logger *slog.Logger

	// Lifecycle
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}

	// Metrics
	tasksRetired  atomic.Int64
	tasksRejected atomic.Int64
}

// Name returns the component's registered name.
func (c *Component) Name() string { return c.name }

// Initialize checks dependencies.
func (c *Component) Initialize(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("task store is required")
	}
	return nil
}

// Start begins the polling loop.
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
		c.logger.Warn("Validator loop did not stop in time")
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
			"tasks_retired":  c.tasksRetired.Load(),
			"tasks_rejected": c.tasksRejected.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	c.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Sweep(ctx)
		}
	}
}

// Sweep retires every terminal task across the domain directories.
func (c *Component) Sweep(ctx context.Context) {
	paths, err := c.deps.Store.ListAllDomains()
	if err != nil {
		c.logger.Error("Failed to list domain tasks", "error", err)
		return
	}
	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		c.validateOne(path)
	}
}

func (c *Component) validateOne(path string) {
	file, err := task.Read(path)
	if err != nil {
		c.logger.Warn("Skipping unreadable task", "path", path, "error", err)
		return
	}
	status := file.Status()
	if status != task.StatusDone && status != task.StatusFailed {
		return
	}

	// A done task without recorded results is demoted to failed: the
	// executor claimed success but left no evidence.
	if status == task.StatusDone && !file.HasSection(task.SectionExecutionResults) {
		c.tasksRejected.Add(1)
		file.Header.Set(task.FieldStatus, string(task.StatusFailed))
		note := fmt.Sprintf("Validation failed at %s\n\nReason: task marked done without an %s section",
			time.Now().UTC().Format(time.RFC3339), task.SectionExecutionResults)
		if err := file.AppendSection(task.SectionError, note); err != nil {
			c.logger.Error("Failed to annotate invalid task", "path", path, "error", err)
			return
		}
		if c.deps.Audit != nil {
			c.deps.Audit.Failure("validation_failed", agentID, file.Name(), map[string]any{
				"error_type": "step_validation_failed",
				"reason":     "missing execution results",
			})
		}
		status = task.StatusFailed
	}

	if file.Header.Value(task.FieldCompleted) == "" {
		if err := file.SetField(task.FieldCompleted, time.Now().UTC().Format(time.RFC3339)); err != nil {
			c.logger.Error("Failed to stamp completion", "path", path, "error", err)
			return
		}
	}

	newPath, err := c.deps.Store.Move(file.Path, c.deps.Store.DoneDir())
	if err != nil {
		c.logger.Error("Failed to retire task", "path", path, "error", err)
		return
	}
	c.tasksRetired.Add(1)

	if c.deps.Audit != nil {
		event := "task_completed"
		if status == task.StatusFailed {
			event = "task_failed"
		}
		c.deps.Audit.TaskLifecycle(event, agentID, file.Name(), map[string]any{
			"final_status": string(status),
		})
	}
	if c.deps.Bus != nil {
		subject := notify.SubjectTaskDone
		if status == task.StatusFailed {
			subject = notify.SubjectTaskFailed
		}
		c.deps.Bus.Publish(subject, newPath)
	}
	c.logger.Info("Task retired", "task", file.Name(), "status", status)
}
