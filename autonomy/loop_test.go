package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/resilience"
)

func newTestLoop(t *testing.T, plan *Plan, actions *ActionRegistry) *Loop {
	t.Helper()
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	return newTestLoopWithStore(t, plan, actions, store)
}

func newTestLoopWithStore(t *testing.T, plan *Plan, actions *ActionRegistry, store *CheckpointStore) *Loop {
	t.Helper()
	loop, err := NewLoop(plan, store, actions, DefaultLoopConfig(), nil, nil)
	require.NoError(t, err)
	loop.sleep = func(ctx context.Context, d time.Duration) {}
	return loop
}

func TestLoopRunsLinearPlan(t *testing.T) {
	actions := NewActionRegistry(nil)
	var order []string
	for _, name := range []string{"one", "two", "three"} {
		n := name
		actions.Register(n, func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			order = append(order, n)
			return map[string]any{"result": n}, nil
		})
	}

	plan := &Plan{Goal: "linear", Steps: []Step{
		{ID: "a", Action: "one"},
		{ID: "b", Action: "two", DependsOn: []string{"a"}},
		{ID: "c", Action: "three", DependsOn: []string{"b"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Equal(t, StepComplete, loop.Checkpoint().Steps["c"].Status)
}

func TestLoopRetriesThenSucceeds(t *testing.T) {
	actions := NewActionRegistry(nil)
	calls := 0
	actions.Register("flaky", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"done": true}, nil
	})

	plan := &Plan{Goal: "retry goal", Steps: []Step{
		{ID: "a", Action: "flaky", MaxAttempts: 3},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, 3, loop.Checkpoint().Steps["a"].Attempts)
}

func TestLoopSkipsOptionalStep(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("broken", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("always fails")
	})

	plan := &Plan{Goal: "optional goal", Steps: []Step{
		{ID: "a", Action: "broken", Optional: true, MaxAttempts: 2},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, StepSkipped, loop.Checkpoint().Steps["a"].Status)
	assert.Equal(t, StepComplete, loop.Checkpoint().Steps["b"].Status)
}

func TestLoopUsesAlternativeAction(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("primary", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("primary is down")
	})
	altCalls := 0
	actions.Register("backup", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		altCalls++
		return map[string]any{"via": "backup"}, nil
	})

	plan := &Plan{Goal: "alt goal", Steps: []Step{
		{ID: "a", Action: "primary", Alternative: "backup", MaxAttempts: 2},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, 1, altCalls)
	assert.Equal(t, "backup", loop.Checkpoint().Steps["a"].Outputs["via"])
}

func TestLoopEscalatesToBlocked(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("broken", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("no recovery possible")
	})

	plan := &Plan{Goal: "blocked goal", Steps: []Step{
		{ID: "a", Action: "broken", MaxAttempts: 2},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalBlocked, status)
	assert.Equal(t, StepBlocked, loop.Checkpoint().Steps["a"].Status)
	assert.Equal(t, StepPending, loop.Checkpoint().Steps["b"].Status)
}

func TestLoopIterationCap(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("forever", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("never succeeds")
	})

	plan := &Plan{Goal: "cap goal", Steps: []Step{
		{ID: "a", Action: "forever", MaxAttempts: 1000},
	}}
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	loop, err := NewLoop(plan, store, actions, Config{
		MaxIterations:      3,
		DefaultMaxAttempts: 3,
		Retry: resilience.RetryPolicy{
			MaxAttempts: 1,
			Backoff:     resilience.BackoffFixed,
			BaseDelay:   time.Millisecond,
		},
	}, nil, nil)
	require.NoError(t, err)
	loop.sleep = func(ctx context.Context, d time.Duration) {}

	status, runErr := loop.Run(context.Background())
	assert.Equal(t, GoalFailed, status)
	assert.Error(t, runErr)
}

func TestLoopParallelGroupRunsConcurrently(t *testing.T) {
	actions := NewActionRegistry(nil)
	var inFlight, peak atomic.Int32
	slow := func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		current := inFlight.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{"ok": true}, nil
	}
	actions.Register("slow", slow)

	plan := &Plan{Goal: "parallel goal", Steps: []Step{
		{ID: "p1", Action: "slow", ParallelGroup: "g"},
		{ID: "p2", Action: "slow", ParallelGroup: "g"},
		{ID: "p3", Action: "slow", ParallelGroup: "g"},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestLoopResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir)
	require.NoError(t, err)

	plan := &Plan{Goal: "resume goal", Steps: []Step{
		{ID: "a", Action: "counted"},
		{ID: "b", Action: "counted", DependsOn: []string{"a"}},
	}}

	// Simulate a crash mid-plan: step a done, step b was executing.
	cp := NewCheckpoint(plan)
	cp.Steps["a"].Status = StepComplete
	cp.Steps["a"].Outputs = map[string]any{"result": "a"}
	cp.Steps["b"].Status = StepExecuting
	cp.Iteration = 1
	require.NoError(t, store.Save(cp))

	actions := NewActionRegistry(nil)
	var ran []string
	actions.Register("counted", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		ran = append(ran, inv.Step.ID)
		return map[string]any{"result": inv.Step.ID}, nil
	})

	loop := newTestLoopWithStore(t, plan, actions, store)
	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	// Only the interrupted step re-ran.
	assert.Equal(t, []string{"b"}, ran)

	// The terminal checkpoint is not resumable.
	resumable, err := store.Resumable()
	require.NoError(t, err)
	assert.Empty(t, resumable)
}

func TestLoopCancellationFlushesCheckpoint(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	actions := NewActionRegistry(nil)
	actions.Register("cancel-after", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		cancel()
		return map[string]any{"ok": true}, nil
	})

	plan := &Plan{Goal: "cancel goal", Steps: []Step{
		{ID: "a", Action: "cancel-after"},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	loop := newTestLoopWithStore(t, plan, actions, store)

	_, runErr := loop.Run(ctx)
	assert.ErrorIs(t, runErr, context.Canceled)

	// The in-flight step finished and its state survived.
	saved, err := store.Load(Slugify("cancel goal"))
	require.NoError(t, err)
	assert.Equal(t, StepComplete, saved.Steps["a"].Status)
	assert.Equal(t, GoalRunning, saved.Status)
}

func TestLoopStepInputsFromDependencies(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("produce", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return map[string]any{"value": 7}, nil
	})
	var got map[string]map[string]any
	actions.Register("consume", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		got = inv.Inputs
		return map[string]any{"ok": true}, nil
	})

	plan := &Plan{Goal: "inputs goal", Steps: []Step{
		{ID: "src", Action: "produce"},
		{ID: "dst", Action: "consume", DependsOn: []string{"src"}},
	}}
	loop := newTestLoop(t, plan, actions)

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, got, "src")
	assert.Equal(t, 7, got["src"]["value"])
}

func TestLoopValidationKinds(t *testing.T) {
	t.Run("output_exists fails on missing key", func(t *testing.T) {
		actions := NewActionRegistry(nil)
		actions.Register("empty", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			return map[string]any{"other": 1}, nil
		})
		plan := &Plan{Goal: "v1", Steps: []Step{{
			ID: "a", Action: "empty", MaxAttempts: 1,
			Validation: &ValidationSpec{Kind: ValidateOutputExists, OutputKey: "report"},
		}}}
		loop := newTestLoop(t, plan, actions)
		status, err := loop.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GoalBlocked, status)
	})

	t.Run("named condition passes", func(t *testing.T) {
		actions := NewActionRegistry(nil)
		plan := &Plan{Goal: "v2", Steps: []Step{{
			ID: "a", Action: "noop",
			Validation: &ValidationSpec{Kind: ValidateCondition, Name: "always-ok"},
		}}}
		loop := newTestLoop(t, plan, actions)
		loop.RegisterValidator("always-ok", func(ctx context.Context, outputs map[string]any, vars *Variables) error {
			return nil
		})
		status, err := loop.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GoalComplete, status)
	})

	t.Run("unregistered validator blocks", func(t *testing.T) {
		actions := NewActionRegistry(nil)
		plan := &Plan{Goal: "v3", Steps: []Step{{
			ID: "a", Action: "noop", MaxAttempts: 1,
			Validation: &ValidationSpec{Kind: ValidateAPICheck, Name: "missing"},
		}}}
		loop := newTestLoop(t, plan, actions)
		status, err := loop.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, GoalBlocked, status)
	})
}

func TestLoopContainsActionPanic(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("panics", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		panic("boom")
	})
	plan := &Plan{Goal: "panic goal", Steps: []Step{
		{ID: "a", Action: "panics", MaxAttempts: 1},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalBlocked, status)
	assert.Contains(t, loop.Checkpoint().Steps["a"].Error, "panicked")
}

func TestVariableActions(t *testing.T) {
	actions := NewActionRegistry(nil)
	plan := &Plan{Goal: "vars goal", Steps: []Step{
		{ID: "set", Action: "set_variable", Params: map[string]any{"key": "mode", "value": "fast"}},
		{ID: "check", Action: "condition", DependsOn: []string{"set"}, MaxAttempts: 1,
			Params: map[string]any{"variable": "mode", "equals": "fast"}},
		{ID: "get", Action: "get_variable", DependsOn: []string{"check"}, Params: map[string]any{"key": "mode"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, "fast", loop.Checkpoint().Steps["get"].Outputs["value"])
	assert.Equal(t, "fast", loop.Checkpoint().Variables["mode"])
}

func TestSetVariableFromDependencyOutput(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("produce", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return map[string]any{"report": "quarterly.md"}, nil
	})
	plan := &Plan{Goal: "pipe goal", Steps: []Step{
		{ID: "src", Action: "produce"},
		{ID: "save", Action: "set_variable", DependsOn: []string{"src"},
			Params: map[string]any{"key": "artifact", "from_step": "src", "output_key": "report"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, "quarterly.md", loop.Checkpoint().Variables["artifact"])
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	plan := &Plan{Goal: "Round Trip", Steps: []Step{{ID: "a", Action: "noop"}}}
	cp := NewCheckpoint(plan)
	cp.Steps["a"].Status = StepComplete
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("round-trip")
	require.NoError(t, err)
	assert.Equal(t, "Round Trip", loaded.Goal)
	assert.Equal(t, StepComplete, loaded.Steps["a"].Status)

	resumable, err := store.Resumable()
	require.NoError(t, err)
	assert.Equal(t, []string{"round-trip"}, resumable)

	cp.Status = GoalComplete
	require.NoError(t, store.Save(cp))
	resumable, err = store.Resumable()
	require.NoError(t, err)
	assert.Empty(t, resumable)

	require.NoError(t, store.Remove("round-trip"))
	require.NoError(t, store.Remove("round-trip"))
	_, err = store.Load("round-trip")
	assert.Error(t, err)
}

func TestCheckpointMetricsTrackRetries(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	actions := NewActionRegistry(nil)
	calls := 0
	actions.Register("flaky", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"done": true}, nil
	})

	plan := &Plan{Goal: "metrics goal", Steps: []Step{
		{ID: "a", Action: "flaky", MaxAttempts: 3},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	loop := newTestLoopWithStore(t, plan, actions, store)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, GoalComplete, status)

	metrics := loop.Checkpoint().Metrics
	assert.Equal(t, 2, metrics.TotalSteps)
	assert.Equal(t, 2, metrics.CompletedSteps)
	assert.GreaterOrEqual(t, metrics.RetryCount, 2)

	// The aggregate block reaches disk alongside the per-step records.
	saved, err := store.Load(Slugify("metrics goal"))
	require.NoError(t, err)
	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"retry_count"`)
	assert.Contains(t, string(raw), `"completed_steps"`)
	assert.Equal(t, metrics.RetryCount, saved.Metrics.RetryCount)
}

func TestCheckpointMetricsCountRecoveries(t *testing.T) {
	actions := NewActionRegistry(nil)
	actions.Register("broken", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("down")
	})
	actions.Register("backup", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return map[string]any{"via": "backup"}, nil
	})

	plan := &Plan{Goal: "recovery metrics", Steps: []Step{
		{ID: "opt", Action: "broken", Optional: true, MaxAttempts: 1},
		{ID: "alt", Action: "broken", Alternative: "backup", MaxAttempts: 1},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalComplete, status)
	assert.Equal(t, 2, loop.Checkpoint().Metrics.RecoveryCount)
}

func TestRetryDelayFollowsPolicy(t *testing.T) {
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)

	actions := NewActionRegistry(nil)
	actions.Register("flaky", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, errors.New("transient")
	})

	plan := &Plan{Goal: "backoff goal", Steps: []Step{
		{ID: "a", Action: "flaky", MaxAttempts: 4},
	}}
	loop, err := NewLoop(plan, store, actions, Config{
		MaxIterations:      10,
		DefaultMaxAttempts: 4,
		Retry: resilience.RetryPolicy{
			MaxAttempts: 4,
			Backoff:     resilience.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    3 * time.Second,
		},
	}, nil, nil)
	require.NoError(t, err)

	var delays []time.Duration
	loop.sleep = func(ctx context.Context, d time.Duration) {
		delays = append(delays, d)
	}

	status, runErr := loop.Run(context.Background())
	require.NoError(t, runErr)
	assert.Equal(t, GoalBlocked, status)

	// Exponential growth capped by max_delay: 1s, 2s, then the 3s ceiling.
	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 3*time.Second, delays[2])
}

func TestStepAttemptHookFires(t *testing.T) {
	actions := NewActionRegistry(nil)
	plan := &Plan{Goal: "hook goal", Steps: []Step{
		{ID: "a", Action: "noop"},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	loop := newTestLoop(t, plan, actions)

	attempts := 0
	loop.OnStepAttempt(func(stepID string, attempt int) { attempts++ })

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestLoopGoalStatusSummary(t *testing.T) {
	// Blocked-dependency propagation: b never becomes ready once a blocks,
	// and the goal reports blocked rather than spinning to the cap.
	actions := NewActionRegistry(nil)
	actions.Register("broken", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return nil, fmt.Errorf("down")
	})
	plan := &Plan{Goal: "chain", Steps: []Step{
		{ID: "a", Action: "broken", MaxAttempts: 1},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
		{ID: "c", Action: "noop", DependsOn: []string{"b"}},
	}}
	loop := newTestLoop(t, plan, actions)

	status, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GoalBlocked, status)
	assert.Less(t, loop.Checkpoint().Iteration, DefaultLoopConfig().MaxIterations)
}
