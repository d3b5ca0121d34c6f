package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/mdflow/autonomy"
	"github.com/c360studio/mdflow/task"
)

// checkpointDirName holds goal checkpoints under the logs directory.
const checkpointDirName = "checkpoints"

// taskPathVariable links a goal checkpoint back to its task file so a
// resumed goal can finalize the task it belongs to.
const taskPathVariable = "task_path"

// ensureGoalRunner lazily builds the checkpoint store and the action table
// shared by every goal.
func (c *Component) ensureGoalRunner() error {
	if c.checkpoints != nil {
		return nil
	}
	store, err := autonomy.NewCheckpointStore(
		filepath.Join(c.deps.Store.LogsDir(), checkpointDirName))
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}
	actions := autonomy.NewActionRegistry(c.logger)
	if c.deps.Skills != nil {
		actions.BindSkills(c.deps.Skills)
	}
	c.checkpoints = store
	c.actions = actions
	return nil
}

// loopConfig derives the goal loop bounds from the component config.
func (c *Component) loopConfig() autonomy.Config {
	cfg := autonomy.DefaultLoopConfig()
	if c.config.MaxIterations > 0 {
		cfg.MaxIterations = c.config.MaxIterations
	}
	if c.config.StepMaxAttempts > 0 {
		cfg.DefaultMaxAttempts = c.config.StepMaxAttempts
	}
	if c.config.StepRetryDelay > 0 {
		cfg.Retry.BaseDelay = c.config.StepRetryDelay
	}
	return cfg
}

// goalPlan turns a task's execution plan steps into a runnable sequential
// plan: every step invokes the resolved skill with the step text as title.
func goalPlan(file *task.File, skillID string, steps []string) *autonomy.Plan {
	plan := &autonomy.Plan{Goal: file.Name()}
	prev := ""
	for i, text := range steps {
		step := autonomy.Step{
			ID:     fmt.Sprintf("step-%d", i+1),
			Name:   text,
			Action: skillID,
			Params: map[string]any{
				"title":    text,
				"body":     file.Body,
				"path":     file.Path,
				"priority": file.Header.Value(task.FieldPriority),
			},
		}
		if prev != "" {
			step.DependsOn = []string{prev}
		}
		plan.Steps = append(plan.Steps, step)
		prev = step.ID
	}
	return plan
}

// executeGoal runs a multi-step plan through the goal loop with checkpoint
// persistence, so a crash mid-plan resumes instead of restarting.
func (c *Component) executeGoal(ctx context.Context, file *task.File, skillID string, steps []string) {
	if err := c.ensureGoalRunner(); err != nil {
		c.logger.Error("Goal runner unavailable", "task", file.Name(), "error", err)
		return
	}
	plan := goalPlan(file, skillID, steps)
	loop, err := autonomy.NewLoop(plan, c.checkpoints, c.actions, c.loopConfig(), c.deps.Audit, c.logger)
	if err != nil {
		c.failTask(file, fmt.Sprintf("invalid goal plan: %v", err))
		return
	}
	loop.Variables().Set(taskPathVariable, file.Path)
	c.observeSteps(loop)

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
			"steps": len(steps),
		})
	}

	status, runErr := loop.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown mid-goal. The checkpoint carries the progress and the
		// next start resumes it.
		return
	}
	c.finishGoal(file, loop, status)
}

// finishGoal records the goal outcome on the task file.
func (c *Component) finishGoal(file *task.File, loop *autonomy.Loop, status autonomy.GoalStatus) {
	cp := loop.Checkpoint()
	if status != autonomy.GoalComplete {
		c.failTask(file, goalFailureReason(cp, status))
		return
	}
	if err := file.AppendSection(task.SectionExecutionResults, goalResultsNote(cp)); err != nil {
		c.logger.Error("Failed to record goal results", "task", file.Name(), "error", err)
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
			"steps":   cp.Metrics.TotalSteps,
			"retries": cp.Metrics.RetryCount,
		})
	}
	if err := c.checkpoints.Remove(cp.Slug); err != nil {
		c.logger.Warn("Failed to remove finished checkpoint", "slug", cp.Slug, "error", err)
	}
	c.logger.Info("Goal completed",
		"task", file.Name(),
		"steps", cp.Metrics.TotalSteps,
		"retries", cp.Metrics.RetryCount)
}

func goalResultsNote(cp *autonomy.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed at %s across %d steps (%d retried).\n",
		time.Now().UTC().Format(time.RFC3339), cp.Metrics.TotalSteps, cp.Metrics.RetryCount)
	for i, step := range cp.Plan.Steps {
		state := cp.Steps[step.ID]
		if state == nil {
			continue
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, step.Name)
		if output, ok := state.Outputs["output"].(string); ok && output != "" {
			fmt.Fprintf(&b, "\n   %s", strings.TrimSpace(output))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func goalFailureReason(cp *autonomy.Checkpoint, status autonomy.GoalStatus) string {
	var failures []string
	for _, step := range cp.Plan.Steps {
		state := cp.Steps[step.ID]
		if state == nil || state.Error == "" {
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %s", step.ID, state.Error))
	}
	reason := fmt.Sprintf("goal %s after %d iterations", status, cp.Iteration)
	if len(failures) > 0 {
		reason += " (" + strings.Join(failures, "; ") + ")"
	}
	return reason
}

// resumeGoals restarts every non-terminal checkpoint left behind by an
// interrupted process. Called once when the dispatch loop starts.
func (c *Component) resumeGoals(ctx context.Context) {
	if err := c.ensureGoalRunner(); err != nil {
		c.logger.Error("Goal runner unavailable", "error", err)
		return
	}
	slugs, err := c.checkpoints.Resumable()
	if err != nil {
		c.logger.Error("Failed to list resumable checkpoints", "error", err)
		return
	}
	for _, slug := range slugs {
		if ctx.Err() != nil {
			return
		}
		c.resumeGoal(ctx, slug)
	}
}

func (c *Component) resumeGoal(ctx context.Context, slug string) {
	cp, err := c.checkpoints.Load(slug)
	if err != nil || cp.Plan == nil {
		c.logger.Warn("Unresumable checkpoint", "slug", slug, "error", err)
		return
	}
	loop, err := autonomy.NewLoop(cp.Plan, c.checkpoints, c.actions, c.loopConfig(), c.deps.Audit, c.logger)
	if err != nil {
		c.logger.Error("Failed to rebuild goal loop", "slug", slug, "error", err)
		return
	}
	c.observeSteps(loop)
	c.logger.Info("Resuming interrupted goal", "slug", slug)

	status, runErr := loop.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		return
	}
	taskPath, _ := loop.Checkpoint().Variables[taskPathVariable].(string)
	file, err := task.Read(taskPath)
	if err != nil {
		c.logger.Warn("Resumed goal has no task file",
			"slug", slug, "path", taskPath, "error", err)
		return
	}
	c.finishGoal(file, loop, status)
}

func (c *Component) observeSteps(loop *autonomy.Loop) {
	if c.deps.Metrics == nil {
		return
	}
	loop.OnStepAttempt(func(string, int) {
		c.deps.Metrics.StepAttempts.Inc()
	})
}
