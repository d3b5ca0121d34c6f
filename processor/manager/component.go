// Package manager provides the dispatch processor: it picks up planned and
// approved tasks, resolves the skill to run, gates sensitive work behind the
// approval directory, and invokes the skill through the resilience wrapper.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/mdflow/autonomy"
	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/processor/approval"
	"github.com/c360studio/mdflow/processor/planner"
	"github.com/c360studio/mdflow/resilience"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/skill"
	"github.com/c360studio/mdflow/task"
)

const agentID = "manager"

// Component implements the manager processor.
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

	// Goal runner state, built lazily on first multi-step dispatch.
	checkpoints *autonomy.CheckpointStore
	actions     *autonomy.ActionRegistry

	// Bus nudge: a planned- or approved-task event triggers an immediate
	// sweep.
	nudge chan struct{}
	subs  []*nats.Subscription

	// Metrics
	tasksDispatched atomic.Int64
	tasksCompleted  atomic.Int64
	tasksFailed     atomic.Int64
	tasksDiverted   atomic.Int64
	tasksSkipped    atomic.Int64
}

// Name returns the component's registered name.
func (c *Component) Name() string { return c.name }

// Initialize checks dependencies.
func (c *Component) Initialize(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("task store is required")
	}
	if c.deps.Skills == nil {
		return fmt.Errorf("skill registry is required")
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
	c.subscribe(notify.SubjectTaskPlanned, notify.SubjectTaskApproved)
	go c.run(loopCtx)
	return nil
}

// subscribe registers bus listeners that collapse the poll latency for the
// named subjects. The bus is best-effort; polling stays the source of truth.
func (c *Component) subscribe(subjects ...string) {
	if c.deps.Bus == nil {
		return
	}
	c.nudge = make(chan struct{}, 1)
	for _, subject := range subjects {
		sub, err := c.deps.Bus.Subscribe(subject, func(string) {
			select {
			case c.nudge <- struct{}{}:
			default:
			}
		})
		if err != nil {
			c.logger.Warn("Bus subscribe failed, relying on polling",
				"subject", subject, "error", err)
			continue
		}
		if sub != nil {
			c.subs = append(c.subs, sub)
		}
	}
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
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Manager loop did not stop in time")
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
			"tasks_dispatched": c.tasksDispatched.Load(),
			"tasks_completed":  c.tasksCompleted.Load(),
			"tasks_failed":     c.tasksFailed.Load(),
			"tasks_diverted":   c.tasksDiverted.Load(),
			"tasks_skipped":    c.tasksSkipped.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	c.resumeGoals(ctx)
	c.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.nudge:
			c.Sweep(ctx)
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Sweep(ctx)
		}
	}
}

// Sweep dispatches every runnable task across the domain directories.
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
		c.dispatchOne(ctx, path)
	}
}

func (c *Component) dispatchOne(ctx context.Context, path string) {
	file, err := task.Read(path)
	if err != nil {
		c.logger.Warn("Skipping unreadable task", "path", path, "error", err)
		return
	}
	switch file.Status() {
	case task.StatusPlanned, task.StatusApproved, task.StatusNeedsAction:
	default:
		return
	}

	// A task that already carries results is never re-executed, whatever
	// its status claims. It only needs its terminal stamp.
	if file.HasSection(task.SectionExecutionResults) {
		c.tasksSkipped.Add(1)
		c.observeProcessed("skipped")
		if err := file.SetField(task.FieldStatus, string(task.StatusDone)); err != nil {
			c.logger.Error("Failed to close completed task", "path", path, "error", err)
			return
		}
		if c.deps.Audit != nil {
			c.deps.Audit.AgentDecision("duplicate_dispatch_skipped", agentID, file.Name(), map[string]any{
				"reason": "execution results already present",
			})
		}
		c.logger.Info("Skipping already-executed task", "task", file.Name())
		return
	}

	skillID, source := c.resolveSkill(file)
	entry, err := c.deps.Skills.Get(skillID)
	if err != nil {
		if c.deps.Audit != nil {
			c.deps.Audit.AgentDecision("skill_selection", agentID, file.Name(), map[string]any{
				"skill":  skillID,
				"source": source,
				"error":  err.Error(),
			})
		}
		c.failTask(file, fmt.Sprintf("no handler registered for skill %q (resolved from %s)", skillID, source))
		return
	}
	if c.deps.Audit != nil {
		c.deps.Audit.AgentDecision("skill_selection", agentID, file.Name(), map[string]any{
			"skill":  skillID,
			"source": source,
		})
	}

	if c.needsApproval(file, entry) {
		c.divert(file)
		return
	}

	// A plan with more than one step runs as a goal: each step becomes a
	// checkpointed skill invocation that survives restarts.
	if steps := planner.StepsFromPlan(file); len(steps) > 1 {
		c.executeGoal(ctx, file, skillID, steps)
		return
	}
	c.execute(ctx, file, skillID)
}

// resolveSkill picks the skill to run: the execution plan wins, then the
// header, then content keywords, then the default.
func (c *Component) resolveSkill(file *task.File) (skillID, source string) {
	if s := planner.SkillFromPlan(file); s != "" {
		return s, "plan"
	}
	if s := file.Header.Value(task.FieldSkill); s != "" {
		return s, "header"
	}
	text := strings.ToLower(file.Title() + "\n" + file.Body)
	for _, id := range c.config.SkillOrder {
		for _, keyword := range c.config.SkillKeywords[id] {
			if strings.Contains(text, keyword) {
				return id, "content"
			}
		}
	}
	return c.config.DefaultSkill, "default"
}

// needsApproval reports whether the task must pass the approval gate before
// dispatch. A granted approval in the header clears the gate.
func (c *Component) needsApproval(file *task.File, entry skill.Entry) bool {
	if file.Header.Value(task.FieldApproved) == "true" {
		return false
	}
	if entry.RequiresApproval {
		return true
	}
	priority := strings.ToLower(file.Header.Value(task.FieldPriority))
	for _, gated := range c.config.GatedPriorities {
		if priority == gated {
			return true
		}
	}
	return false
}

func (c *Component) divert(file *task.File) {
	artifactPath, err := approval.Divert(c.deps.Store, file, c.config.ApprovalExpiry)
	if err != nil {
		if errors.Is(err, approval.ErrReDivert) {
			c.failTask(file, "task re-entered dispatch while still awaiting approval")
			return
		}
		c.logger.Error("Failed to divert task for approval", "task", file.Name(), "error", err)
		return
	}
	c.tasksDiverted.Add(1)
	if c.deps.Audit != nil {
		c.deps.Audit.TaskLifecycle("approval_requested", agentID, file.Name(), map[string]any{
			"artifact": artifactPath,
		})
	}
	c.logger.Info("Task diverted for approval", "task", file.Name())
}

func (c *Component) execute(ctx context.Context, file *task.File, skillID string) {
	from := file.Status()
	if err := file.SetField(task.FieldStatus, string(task.StatusInProgress)); err != nil {
		c.logger.Error("Failed to mark task in progress", "task", file.Name(), "error", err)
		return
	}
	c.observeTransition(from, task.StatusInProgress)
	c.tasksDispatched.Add(1)
	if c.deps.Audit != nil {
		c.deps.Audit.TaskLifecycle("task_started", agentID, file.Name(), map[string]any{
			"skill": skillID,
		})
	}

	input := skill.Input{
		Title:    file.Title(),
		Priority: file.Header.Value(task.FieldPriority),
		Body:     file.Body,
		Header:   headerMap(file.Header),
		Path:     file.Path,
	}
	op := func(opCtx context.Context) (any, error) {
		result, err := c.deps.Skills.Invoke(opCtx, skillID, input)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, fmt.Errorf("skill %s failed: %s", skillID, result.Error)
		}
		return result, nil
	}

	var result skill.Result
	var failure string
	queued := false
	if c.deps.Resilience != nil {
		outcome := c.deps.Resilience.Execute(ctx, skillID, resilience.Job{
			Name:    "skill:" + skillID,
			Payload: map[string]any{"task": file.Name(), "skill": skillID},
			Op:      op,
		})
		if r, ok := outcome.Value.(skill.Result); ok && r.Success {
			result = r
		} else {
			failure = outcome.LastError
			queued = outcome.Queued
		}
	} else {
		value, err := op(ctx)
		if err != nil {
			failure = err.Error()
		} else {
			result = value.(skill.Result)
		}
	}

	if failure != "" || !result.Success {
		if queued {
			c.tasksFailed.Add(1)
			c.observeProcessed("queued")
			if err := file.SetField(task.FieldStatus, string(task.StatusRetry)); err != nil {
				c.logger.Error("Failed to mark task for retry", "task", file.Name(), "error", err)
			}
			c.observeTransition(task.StatusInProgress, task.StatusRetry)
			c.logger.Warn("Task queued for retry", "task", file.Name(), "skill", skillID)
			return
		}
		c.failTask(file, fmt.Sprintf("skill %s exhausted all attempts: %s", skillID, failure))
		return
	}

	note := resultsNote(skillID, result)
	if err := file.AppendSection(task.SectionExecutionResults, note); err != nil {
		c.logger.Error("Failed to record results", "task", file.Name(), "error", err)
		return
	}
	if err := file.SetField(task.FieldStatus, string(task.StatusDone)); err != nil {
		c.logger.Error("Failed to mark task done", "task", file.Name(), "error", err)
		return
	}
	c.observeTransition(task.StatusInProgress, task.StatusDone)
	c.observeProcessed("completed")
	c.tasksCompleted.Add(1)
	if c.deps.Audit != nil {
		c.deps.Audit.TaskLifecycle("task_executed", agentID, file.Name(), map[string]any{
			"skill":        skillID,
			"deliverables": len(result.Deliverables),
		})
	}
	c.logger.Info("Task executed", "task", file.Name(), "skill", skillID)
}

func (c *Component) failTask(file *task.File, reason string) {
	c.tasksFailed.Add(1)
	c.observeProcessed("failed")
	from := file.Status()
	note := fmt.Sprintf("Dispatch failed at %s\n\nReason: %s",
		time.Now().UTC().Format(time.RFC3339), reason)
	file.Header.Set(task.FieldStatus, string(task.StatusFailed))
	c.observeTransition(from, task.StatusFailed)
	if err := file.AppendSection(task.SectionError, note); err != nil {
		c.logger.Error("Failed to annotate failed task", "task", file.Name(), "error", err)
		return
	}
	if c.deps.Audit != nil {
		c.deps.Audit.Failure("dispatch_failed", agentID, file.Name(), map[string]any{
			"error_type": "upstream_failure",
			"reason":     reason,
		})
	}
	c.logger.Warn("Task failed", "task", file.Name(), "reason", reason)
}

func resultsNote(skillID string, result skill.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed at %s by skill `%s`.\n", time.Now().UTC().Format(time.RFC3339), skillID)
	if result.Output != "" {
		b.WriteString("\n" + strings.TrimRight(result.Output, "\n") + "\n")
	}
	if len(result.Deliverables) > 0 {
		b.WriteString("\nDeliverables:\n")
		for _, d := range result.Deliverables {
			b.WriteString("- " + d + "\n")
		}
	}
	return b.String()
}

func (c *Component) observeProcessed(result string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.TasksProcessed.WithLabelValues(c.name, result).Inc()
	}
}

func (c *Component) observeTransition(from, to task.Status) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.TaskTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func headerMap(h *task.Header) map[string]string {
	out := make(map[string]string, h.Len())
	for _, key := range h.Keys() {
		out[key] = h.Value(key)
	}
	return out
}
