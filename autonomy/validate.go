package autonomy

import (
	"context"
	"fmt"
	"sync"
)

// ConditionFunc judges a step's outputs. Used for both the condition and
// api_check validation kinds; api_check implementations typically probe an
// external endpoint.
type ConditionFunc func(ctx context.Context, outputs map[string]any, variables *Variables) error

// validatorTable holds named condition and api_check functions registered on
// the loop before Run.
type validatorTable struct {
	mu    sync.RWMutex
	funcs map[string]ConditionFunc
}

func newValidatorTable() *validatorTable {
	return &validatorTable{funcs: make(map[string]ConditionFunc)}
}

func (t *validatorTable) register(name string, fn ConditionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
}

func (t *validatorTable) get(name string) (ConditionFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

// validate applies a step's validation clause to its outputs. A nil spec or
// empty kind means the default clause.
func (t *validatorTable) validate(ctx context.Context, spec *ValidationSpec, state *StepState, variables *Variables) error {
	kind := ValidateDefault
	if spec != nil && spec.Kind != "" {
		kind = spec.Kind
	}
	switch kind {
	case ValidateDefault:
		if state.Error != "" {
			return fmt.Errorf("step reported error: %s", state.Error)
		}
		if len(state.Outputs) == 0 {
			return fmt.Errorf("step produced no outputs")
		}
		return nil
	case ValidateOutputExists:
		if spec.OutputKey == "" {
			return fmt.Errorf("output_exists validation requires output_key")
		}
		value, ok := state.Outputs[spec.OutputKey]
		if !ok || value == nil || fmt.Sprint(value) == "" {
			return fmt.Errorf("required output %s is missing", spec.OutputKey)
		}
		return nil
	case ValidateCondition, ValidateAPICheck:
		if spec.Name == "" {
			return fmt.Errorf("%s validation requires a name", kind)
		}
		fn, ok := t.get(spec.Name)
		if !ok {
			return fmt.Errorf("no validator registered as %s", spec.Name)
		}
		return fn(ctx, state.Outputs, variables)
	default:
		return fmt.Errorf("unknown validation kind %s", kind)
	}
}
