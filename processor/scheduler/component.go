package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "scheduler"

// ActionFunc handles one scheduled firing.
type ActionFunc func(ctx context.Context, name string, entry Entry) error

// Component implements the scheduler processor.
type Component struct {
	name   string
	config Config
	deps   runtime.Dependencies
	logger *slog.Logger

	schedule  Schedule
	state     *State
	statePath string
	actions   map[string]ActionFunc

	// Clock indirection for tests.
	now func() time.Time

	// Lifecycle
	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}

	// Metrics
	tasksFired   atomic.Int64
	tasksSkipped atomic.Int64
	tasksErrored atomic.Int64
}

// Name returns the component's registered name.
func (c *Component) Name() string { return c.name }

// RegisterAction binds a handler to an action name. Entries referencing an
// unregistered action are warned and skipped at fire time.
func (c *Component) RegisterAction(name string, fn ActionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[name] = fn
}

// Initialize loads the schedule file and persisted state.
func (c *Component) Initialize(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("task store is required")
	}
	schedule, err := LoadSchedule(filepath.Join(c.deps.Store.Root(), c.config.ScheduleFile))
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	c.schedule = schedule

	c.statePath = filepath.Join(c.deps.Store.LogsDir(), StateFileName)
	state, err := LoadState(c.statePath)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	c.state = state
	return nil
}

// Start begins the scheduling loop.
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
		c.logger.Warn("Scheduler loop did not stop in time")
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
			"tasks_fired":   c.tasksFired.Load(),
			"tasks_skipped": c.tasksSkipped.Load(),
			"tasks_errored": c.tasksErrored.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Tick(ctx)
		}
	}
}

// Tick fires every enabled entry that is due, then persists state.
func (c *Component) Tick(ctx context.Context) {
	now := c.now()

	names := make([]string, 0, len(c.schedule.Tasks))
	for name := range c.schedule.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		entry := c.schedule.Tasks[name]
		if !entry.Enabled {
			continue
		}
		c.fireIfDue(ctx, name, entry, now)
	}

	if err := c.state.Save(c.statePath); err != nil {
		c.logger.Error("Failed to persist scheduler state", "error", err)
	}
}

func (c *Component) fireIfDue(ctx context.Context, name string, entry Entry, now time.Time) {
	st := c.state.Entry(name)
	if st.NextRun.IsZero() {
		next, err := entry.NextRun(now)
		if err != nil {
			c.logger.Error("Failed to compute next run", "task", name, "error", err)
			return
		}
		st.NextRun = next
		return
	}
	if now.Before(st.NextRun) {
		return
	}

	advance := func() {
		next, err := entry.NextRun(now)
		if err != nil {
			c.logger.Error("Failed to compute next run", "task", name, "error", err)
			return
		}
		st.NextRun = next
	}

	if exc, ok := c.schedule.ExceptionFor(now); ok && exc.Action == ExceptionSkip {
		c.tasksSkipped.Add(1)
		if c.deps.Audit != nil {
			c.deps.Audit.System("schedule_skipped", agentID, map[string]any{
				"task":   name,
				"date":   exc.Date,
				"reason": exc.Reason,
			})
		}
		c.logger.Info("Scheduled task skipped by exception", "task", name, "reason", exc.Reason)
		advance()
		return
	}

	c.mu.RLock()
	handler, ok := c.actions[entry.Action]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("No handler registered for scheduled action",
			"task", name, "action", entry.Action)
		advance()
		return
	}

	if err := handler(ctx, name, entry); err != nil {
		st.FailCount++
		c.tasksErrored.Add(1)
		if c.deps.Audit != nil {
			c.deps.Audit.Failure("scheduled_action_failed", agentID, name, map[string]any{
				"error_type": "upstream_failure",
				"action":     entry.Action,
				"error":      err.Error(),
			})
		}
		c.logger.Error("Scheduled action failed", "task", name, "action", entry.Action, "error", err)
	} else {
		st.LastRun = now
		st.RunCount++
		c.tasksFired.Add(1)
		if c.deps.Audit != nil {
			c.deps.Audit.System("schedule_fired", agentID, map[string]any{
				"task":   name,
				"action": entry.Action,
			})
		}
		c.logger.Info("Scheduled task fired", "task", name, "action", entry.Action)
	}
	advance()
}

// EmitTask is the default action: it drops a new task file into the inbox so
// the pipeline picks it up like any external submission.
func (c *Component) EmitTask(ctx context.Context, name string, entry Entry) error {
	now := c.now().UTC()
	header := task.NewHeader()
	title := entry.Description
	if title == "" {
		title = name
	}
	header.Set(task.FieldTitle, title)
	header.Set(task.FieldStatus, string(task.StatusReceived))
	header.Set(task.FieldCreated, now.Format(time.RFC3339))

	body := fmt.Sprintf("Recurring task emitted by schedule entry `%s`.\n", name)
	path := filepath.Join(c.deps.Store.InboxDir(),
		fmt.Sprintf("scheduled_%s_%d.md", name, now.Unix()))
	return task.WriteAtomic(path, task.Serialize(header, body))
}
