package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360studio/mdflow/audit"
	"github.com/c360studio/mdflow/resilience"
)

// recoveryDecision is the outcome of the recover phase for a failed step.
type recoveryDecision string

const (
	decisionRetry       recoveryDecision = "RETRY"
	decisionSkip        recoveryDecision = "SKIP"
	decisionAlternative recoveryDecision = "ALTERNATIVE"
	decisionEscalate    recoveryDecision = "ESCALATE"
)

// Config bounds the outer loop.
type Config struct {
	// MaxIterations caps plan/execute/validate cycles.
	MaxIterations int

	// DefaultMaxAttempts applies to steps without their own limit.
	DefaultMaxAttempts int

	// Retry shapes the wait between step attempts and bounds one attempt
	// through its Timeout. A step's RetryDelay overrides the base delay;
	// the policy's own MaxAttempts is ignored in favor of the step budget.
	Retry resilience.RetryPolicy
}

// DefaultLoopConfig returns the standard bounds.
func DefaultLoopConfig() Config {
	return Config{
		MaxIterations:      25,
		DefaultMaxAttempts: 3,
		Retry:              resilience.PolicyFor(resilience.PriorityNormal),
	}
}

func (c *Config) validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive")
	}
	if c.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("default max attempts must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	return nil
}

// Loop drives one goal to completion. Create one per goal; Run is not
// reentrant.
type Loop struct {
	plan       *Plan
	checkpoint *Checkpoint
	store      *CheckpointStore
	actions    *ActionRegistry
	validators *validatorTable
	variables  *Variables
	config     Config
	audit      *audit.Logger
	logger     *slog.Logger

	// mu serializes checkpoint mutation and persistence; parallel-group
	// members transition concurrently.
	mu sync.Mutex

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration)

	// onAttempt is an optional hook fired before every step attempt.
	onAttempt func(stepID string, attempt int)
}

// NewLoop validates the plan and either resumes the goal's non-terminal
// checkpoint or seeds a fresh one.
func NewLoop(plan *Plan, store *CheckpointStore, actions *ActionRegistry, config Config, auditLog *audit.Logger, logger *slog.Logger) (*Loop, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	checkpoint := NewCheckpoint(plan)
	if store != nil {
		if existing, err := store.Load(checkpoint.Slug); err == nil && !existing.Status.Terminal() {
			existing.Plan = plan
			for _, step := range plan.Steps {
				if _, ok := existing.Steps[step.ID]; !ok {
					existing.Steps[step.ID] = &StepState{ID: step.ID, Status: StepPending, UpdatedAt: time.Now().UTC()}
				}
			}
			// An attempt interrupted mid-flight re-enters as pending.
			for _, state := range existing.Steps {
				if state.Status == StepExecuting {
					state.Status = StepPending
				}
			}
			checkpoint = existing
			logger.Info("Resuming goal from checkpoint",
				"goal", plan.Goal,
				"iteration", existing.Iteration)
		}
	}

	return &Loop{
		plan:       plan,
		checkpoint: checkpoint,
		store:      store,
		actions:    actions,
		validators: newValidatorTable(),
		variables:  NewVariables(checkpoint.Variables),
		config:     config,
		audit:      auditLog,
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}, nil
}

// RegisterValidator installs a named condition or api_check function.
func (l *Loop) RegisterValidator(name string, fn ConditionFunc) {
	l.validators.register(name, fn)
}

// Checkpoint exposes the current state (tests, dashboards).
func (l *Loop) Checkpoint() *Checkpoint { return l.checkpoint }

// Variables exposes the goal's shared state for seeding before Run.
func (l *Loop) Variables() *Variables { return l.variables }

// OnStepAttempt installs a hook fired before every step attempt.
func (l *Loop) OnStepAttempt(fn func(stepID string, attempt int)) {
	l.onAttempt = fn
}

// Run drives the outer loop until the goal completes, blocks, fails on the
// iteration cap, or the context is cancelled. The checkpoint is flushed
// before every return.
func (l *Loop) Run(ctx context.Context) (GoalStatus, error) {
	if l.checkpoint.Status.Terminal() {
		return l.checkpoint.Status, nil
	}
	l.emitSystem("goal_started", map[string]any{"goal": l.plan.Goal})

	for l.checkpoint.Iteration < l.config.MaxIterations {
		if ctx.Err() != nil {
			l.persist()
			return l.checkpoint.Status, ctx.Err()
		}
		l.checkpoint.Iteration++

		sequential, groups := l.plan.readySets(l.checkpoint.Steps)
		if len(sequential) == 0 && len(groups) == 0 {
			status := l.terminalStatus()
			l.checkpoint.Status = status
			l.persist()
			l.emitSystem("goal_finished", map[string]any{
				"goal":       l.plan.Goal,
				"status":     string(status),
				"iterations": l.checkpoint.Iteration,
			})
			return status, nil
		}

		for _, stepID := range sequential {
			l.runStep(ctx, stepID)
			if ctx.Err() != nil {
				l.persist()
				return l.checkpoint.Status, ctx.Err()
			}
		}
		for _, members := range groups {
			var wg sync.WaitGroup
			for _, stepID := range members {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					l.runStep(ctx, id)
				}(stepID)
			}
			wg.Wait()
			if ctx.Err() != nil {
				l.persist()
				return l.checkpoint.Status, ctx.Err()
			}
		}
		l.persist()
	}

	l.checkpoint.Status = GoalFailed
	l.persist()
	l.emitSystem("goal_finished", map[string]any{
		"goal":   l.plan.Goal,
		"status": string(GoalFailed),
		"reason": "iteration cap exceeded",
	})
	return GoalFailed, fmt.Errorf("goal %s exceeded %d iterations", l.plan.Goal, l.config.MaxIterations)
}

// runStep performs one execute/validate/recover/retry pass for a step.
func (l *Loop) runStep(ctx context.Context, stepID string) {
	step, ok := l.plan.Step(stepID)
	if !ok {
		return
	}
	state := l.stepState(stepID)

	l.transition(state, func() {
		state.Status = StepExecuting
		state.Attempts++
		state.Error = ""
	})
	if l.onAttempt != nil {
		l.onAttempt(step.ID, state.Attempts)
	}

	action := step.Action
	if state.usedAlternative() && step.Alternative != "" {
		action = step.Alternative
	}
	outputs, err := l.invoke(ctx, action, step)
	if err == nil {
		l.transition(state, func() {
			state.Outputs = outputs
		})
		err = l.validators.validate(ctx, step.Validation, state, l.variables)
	}

	if err == nil {
		l.transition(state, func() {
			state.Status = StepComplete
			state.Error = ""
		})
		l.logger.Info("Step complete",
			"goal", l.plan.Goal,
			"step_id", step.ID,
			"attempts", state.Attempts)
		return
	}

	l.transition(state, func() {
		state.Status = StepFailed
		state.Error = err.Error()
	})
	if l.audit != nil {
		l.audit.Failure("step_failed", "autonomy-loop", l.checkpoint.Slug, map[string]any{
			"step_id":    step.ID,
			"action":     action,
			"attempt":    state.Attempts,
			"error_type": "step_failure",
			"error":      err.Error(),
		})
	}

	switch l.recoverDecision(step, state) {
	case decisionRetry:
		policy := l.config.Retry
		if step.RetryDelay > 0 {
			policy.BaseDelay = step.RetryDelay
		}
		delay := policy.Delay(state.Attempts)
		if l.audit != nil {
			l.audit.Retry("step_retry_scheduled", "autonomy-loop", l.checkpoint.Slug, map[string]any{
				"step_id": step.ID,
				"attempt": state.Attempts,
				"backoff": string(policy.Backoff),
				"delay":   delay.String(),
			})
		}
		l.sleep(ctx, delay)
		l.transition(state, func() {
			l.checkpoint.Metrics.RetryCount++
			state.Status = StepPending
			state.Error = ""
		})
	case decisionSkip:
		l.transition(state, func() {
			l.checkpoint.Metrics.RecoveryCount++
			state.Status = StepSkipped
		})
		l.logger.Warn("Optional step skipped",
			"goal", l.plan.Goal,
			"step_id", step.ID,
			"error", err)
	case decisionAlternative:
		l.transition(state, func() {
			l.checkpoint.Metrics.RecoveryCount++
			state.markAlternative()
			state.Status = StepPending
			state.Error = ""
		})
		l.logger.Warn("Switching step to alternative action",
			"goal", l.plan.Goal,
			"step_id", step.ID,
			"alternative", step.Alternative)
	case decisionEscalate:
		l.transition(state, func() {
			state.Status = StepBlocked
		})
		l.logger.Error("Step blocked after exhausting recovery",
			"goal", l.plan.Goal,
			"step_id", step.ID,
			"error", err)
	}
}

// invoke runs an action with dependency outputs gathered, containing panics.
// One attempt is bounded by the retry policy's timeout; actions must honor
// ctx cancellation for the bound to take effect.
func (l *Loop) invoke(ctx context.Context, actionName string, step *Step) (outputs map[string]any, err error) {
	action, ok := l.actions.Get(actionName)
	if !ok {
		return nil, fmt.Errorf("unknown action %s", actionName)
	}
	if l.config.Retry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Retry.Timeout)
		defer cancel()
	}
	inputs := make(map[string]map[string]any, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if depState := l.stepState(dep); depState != nil {
			inputs[dep] = depState.Outputs
		}
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Step action panicked",
				"step_id", step.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action(ctx, &Invocation{Step: step, Inputs: inputs, Variables: l.variables})
}

func (l *Loop) recoverDecision(step *Step, state *StepState) recoveryDecision {
	budget := maxAttemptsFor(step, l.config.DefaultMaxAttempts)
	if state.usedAlternative() {
		budget *= 2
	}
	switch {
	case state.Attempts < budget:
		return decisionRetry
	case step.Optional:
		return decisionSkip
	case step.Alternative != "" && !state.usedAlternative():
		return decisionAlternative
	default:
		return decisionEscalate
	}
}

// terminalStatus classifies the goal when no step is ready. Complete when
// every non-optional step finished; otherwise blocked.
func (l *Loop) terminalStatus() GoalStatus {
	for _, step := range l.plan.Steps {
		state := l.stepState(step.ID)
		if state == nil {
			continue
		}
		if step.Optional {
			continue
		}
		if state.Status != StepComplete {
			return GoalBlocked
		}
	}
	return GoalComplete
}

func (l *Loop) stepState(id string) *StepState {
	return l.checkpoint.Steps[id]
}

// transition applies a state mutation and persists the checkpoint, keeping
// the on-disk record current after every change.
func (l *Loop) transition(state *StepState, mutate func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mutate()
	state.UpdatedAt = time.Now().UTC()
	l.persistLocked()
}

func (l *Loop) persist() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persistLocked()
}

func (l *Loop) persistLocked() {
	l.refreshMetricsLocked()
	if l.store == nil {
		return
	}
	l.checkpoint.Variables = l.variables.Snapshot()
	if err := l.store.Save(l.checkpoint); err != nil {
		l.logger.Error("Failed to persist checkpoint",
			"goal", l.plan.Goal,
			"error", err)
	}
}

// refreshMetricsLocked recomputes the derived checkpoint metrics. The retry
// and recovery counters are incremented at their transitions instead.
func (l *Loop) refreshMetricsLocked() {
	m := &l.checkpoint.Metrics
	m.TotalSteps = len(l.plan.Steps)
	completed := 0
	for _, state := range l.checkpoint.Steps {
		if state.Status == StepComplete {
			completed++
		}
	}
	m.CompletedSteps = completed
	m.DurationMS = time.Since(l.checkpoint.StartedAt).Milliseconds()
}

func (l *Loop) emitSystem(event string, details map[string]any) {
	if l.audit != nil {
		l.audit.System(event, "autonomy-loop", details)
	}
}

// usedAlternative and markAlternative track alternative-action switching in
// the persisted outputs map so resumed goals keep the flag.
func (s *StepState) usedAlternative() bool {
	if s.Outputs == nil {
		return false
	}
	v, ok := s.Outputs["__alternative"].(bool)
	return ok && v
}

func (s *StepState) markAlternative() {
	if s.Outputs == nil {
		s.Outputs = make(map[string]any)
	}
	s.Outputs["__alternative"] = true
}
