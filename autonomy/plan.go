// Package autonomy executes multi-step plans with per-step retry, crash
// recovery through on-disk checkpoints, and a bounded outer loop. Steps with
// a shared parallel group run concurrently; everything else is sequential.
package autonomy

import (
	"fmt"
	"time"
)

// StepStatus enumerates the lifecycle of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepComplete  StepStatus = "complete"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// ValidationKind selects how a completed step's outputs are judged.
type ValidationKind string

const (
	// ValidateDefault passes when the step produced no error and at least
	// one output.
	ValidateDefault ValidationKind = "default"
	// ValidateOutputExists passes when a named output key is present and
	// non-empty.
	ValidateOutputExists ValidationKind = "output_exists"
	// ValidateCondition runs a named condition registered on the loop.
	ValidateCondition ValidationKind = "condition"
	// ValidateAPICheck calls a named check function, typically a health
	// probe against an external service.
	ValidateAPICheck ValidationKind = "api_check"
)

// ValidationSpec declares a step's validation clause.
type ValidationSpec struct {
	Kind      ValidationKind `json:"kind,omitempty"`
	OutputKey string         `json:"output_key,omitempty"`
	Name      string         `json:"name,omitempty"`
}

// Step is one unit of a plan.
type Step struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Action        string          `json:"action"`
	Params        map[string]any  `json:"params,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	Optional      bool            `json:"optional,omitempty"`
	ParallelGroup string          `json:"parallel_group,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	Alternative   string          `json:"alternative,omitempty"`
	RetryDelay    time.Duration   `json:"retry_delay,omitempty"`
	Validation    *ValidationSpec `json:"validation,omitempty"`
}

// Plan is an ordered set of steps toward a goal.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Validate checks step ids are unique, dependencies resolve, and the
// dependency graph is acyclic.
func (p *Plan) Validate() error {
	if p.Goal == "" {
		return fmt.Errorf("plan goal is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if step.Action == "" {
			return fmt.Errorf("step %s: action is required", step.ID)
		}
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("duplicate step id %s", step.ID)
		}
		byID[step.ID] = step
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s: unknown dependency %s", step.ID, dep)
			}
		}
	}
	return p.checkAcyclic(byID)
}

func (p *Plan) checkAcyclic(byID map[string]*Step) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle involving step %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// readySets partitions pending steps whose dependencies are complete (or
// skipped) into a sequential list and parallel groups, preserving plan order.
func (p *Plan) readySets(states map[string]*StepState) (sequential []string, groups map[string][]string) {
	groups = make(map[string][]string)
	for _, step := range p.Steps {
		state, ok := states[step.ID]
		if !ok || state.Status != StepPending {
			continue
		}
		if !p.depsSatisfied(step, states) {
			continue
		}
		if step.ParallelGroup != "" {
			groups[step.ParallelGroup] = append(groups[step.ParallelGroup], step.ID)
		} else {
			sequential = append(sequential, step.ID)
		}
	}
	return sequential, groups
}

func (p *Plan) depsSatisfied(step Step, states map[string]*StepState) bool {
	for _, dep := range step.DependsOn {
		state, ok := states[dep]
		if !ok {
			return false
		}
		if state.Status != StepComplete && state.Status != StepSkipped {
			return false
		}
	}
	return true
}

// maxAttemptsFor applies the per-step override or the loop default.
func maxAttemptsFor(step *Step, fallback int) int {
	if step.MaxAttempts > 0 {
		return step.MaxAttempts
	}
	return fallback
}
