package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/mdflow/skill"
)

// Invocation carries everything an action handler may need: the step's
// declared params, outputs of completed dependency steps keyed by step id,
// and shared goal variables.
type Invocation struct {
	Step      *Step
	Inputs    map[string]map[string]any
	Variables *Variables
}

// Action executes one step attempt and returns its outputs.
type Action func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Variables is the mutable key/value state shared across a goal's steps.
// Parallel-group members may touch it concurrently.
type Variables struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewVariables seeds shared state, copying the initial map.
func NewVariables(initial map[string]any) *Variables {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Variables{values: values}
}

// Set stores a value.
func (v *Variables) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
}

// Get reads a value.
func (v *Variables) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.values[key]
	return value, ok
}

// Snapshot copies the current state for checkpointing.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// ActionRegistry maps action names to handlers. Built-ins are installed at
// construction; one entry per skill is added through BindSkills.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
	logger  *slog.Logger
}

// NewActionRegistry creates a registry with the built-in actions installed.
func NewActionRegistry(logger *slog.Logger) *ActionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ActionRegistry{actions: make(map[string]Action), logger: logger}
	r.Register("noop", func(ctx context.Context, inv *Invocation) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	})
	r.Register("log", r.logAction)
	r.Register("wait", waitAction)
	r.Register("condition", conditionAction)
	r.Register("set_variable", setVariableAction)
	r.Register("get_variable", getVariableAction)
	return r
}

// Register adds or replaces an action handler.
func (r *ActionRegistry) Register(name string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
}

// Get resolves an action by name.
func (r *ActionRegistry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}

// Names lists registered action names sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BindSkills installs one action per registered skill, named after the skill
// id. The step's params become the handler input.
func (r *ActionRegistry) BindSkills(skills *skill.Registry) {
	for _, id := range skills.IDs() {
		skillID := id
		r.Register(skillID, func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			input := skill.Input{
				Title:    stringParam(inv.Step.Params, "title"),
				Priority: stringParam(inv.Step.Params, "priority"),
				Body:     stringParam(inv.Step.Params, "body"),
				Path:     stringParam(inv.Step.Params, "path"),
			}
			result, err := skills.Invoke(ctx, skillID, input)
			if err != nil {
				return nil, err
			}
			if !result.Success {
				return nil, fmt.Errorf("skill %s failed: %s", skillID, result.Error)
			}
			outputs := map[string]any{"output": result.Output}
			if len(result.Deliverables) > 0 {
				outputs["deliverables"] = result.Deliverables
			}
			return outputs, nil
		})
	}
}

func (r *ActionRegistry) logAction(ctx context.Context, inv *Invocation) (map[string]any, error) {
	message := stringParam(inv.Step.Params, "message")
	if message == "" {
		message = inv.Step.Name
	}
	r.logger.Info("Plan step log", "step_id", inv.Step.ID, "message", message)
	return map[string]any{"logged": message}, nil
}

func waitAction(ctx context.Context, inv *Invocation) (map[string]any, error) {
	seconds := numberParam(inv.Step.Params, "seconds")
	if seconds <= 0 {
		seconds = 1
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"waited_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// conditionAction compares a variable (or literal) against an expected value.
// A false comparison is a step failure so recovery rules apply.
func conditionAction(ctx context.Context, inv *Invocation) (map[string]any, error) {
	key := stringParam(inv.Step.Params, "variable")
	expected, hasExpected := inv.Step.Params["equals"]
	if key == "" || !hasExpected {
		return nil, fmt.Errorf("condition requires variable and equals params")
	}
	actual, ok := inv.Variables.Get(key)
	if !ok {
		return nil, fmt.Errorf("condition variable %s is not set", key)
	}
	if fmt.Sprint(actual) != fmt.Sprint(expected) {
		return nil, fmt.Errorf("condition failed: %s is %v, want %v", key, actual, expected)
	}
	return map[string]any{"condition": true}, nil
}

func setVariableAction(ctx context.Context, inv *Invocation) (map[string]any, error) {
	key := stringParam(inv.Step.Params, "key")
	if key == "" {
		return nil, fmt.Errorf("set_variable requires key param")
	}
	value, ok := inv.Step.Params["value"]
	if !ok {
		// Fall back to a named dependency output.
		from := stringParam(inv.Step.Params, "from_step")
		outputKey := stringParam(inv.Step.Params, "output_key")
		if from == "" || outputKey == "" {
			return nil, fmt.Errorf("set_variable requires value or from_step/output_key params")
		}
		outputs, hasDep := inv.Inputs[from]
		if !hasDep {
			return nil, fmt.Errorf("set_variable: no outputs for step %s", from)
		}
		value, ok = outputs[outputKey]
		if !ok {
			return nil, fmt.Errorf("set_variable: step %s has no output %s", from, outputKey)
		}
	}
	inv.Variables.Set(key, value)
	return map[string]any{"key": key, "value": value}, nil
}

func getVariableAction(ctx context.Context, inv *Invocation) (map[string]any, error) {
	key := stringParam(inv.Step.Params, "key")
	if key == "" {
		return nil, fmt.Errorf("get_variable requires key param")
	}
	value, ok := inv.Variables.Get(key)
	if !ok {
		return nil, fmt.Errorf("variable %s is not set", key)
	}
	return map[string]any{"key": key, "value": value}, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func numberParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case time.Duration:
		return v.Seconds()
	default:
		return 0
	}
}
