// Package planner provides the processor that enriches classified tasks with
// an execution plan: objective, skill, duration bucket, complexity, ordered
// steps, and a deliverables checklist.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "planner"

// Complexity buckets derived from body length, code blocks, and open
// checkboxes.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Component implements the planner processor.
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

	// Bus nudge: a routed-task event triggers an immediate sweep.
	nudge chan struct{}
	subs  []*nats.Subscription

	// Metrics
	plansWritten atomic.Int64
	plansSkipped atomic.Int64
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

// Start begins the domain-directory polling loop.
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
	c.subscribe(notify.SubjectTaskRouted)
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
		c.logger.Warn("Planner loop did not stop in time")
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
			"plans_written": c.plansWritten.Load(),
			"plans_skipped": c.plansSkipped.Load(),
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

// Sweep plans every classified task across all domain directories.
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
		c.planOne(path)
	}
}

func (c *Component) planOne(path string) {
	file, err := task.Read(path)
	if err != nil {
		c.logger.Warn("Skipping unreadable task", "path", path, "error", err)
		return
	}
	if file.Status() != task.StatusClassified {
		return
	}
	if file.HasSection(task.SectionExecutionPlan) {
		// Already planned; just advance the status.
		c.plansSkipped.Add(1)
		file.Header.Set(task.FieldStatus, string(task.StatusPlanned))
		if err := file.Save(); err != nil {
			c.logger.Error("Failed to advance planned task", "path", path, "error", err)
		}
		return
	}

	plan := c.BuildPlan(file)
	if err := file.AppendSection(task.SectionExecutionPlan, plan.Markdown()); err != nil {
		c.logger.Error("Failed to append execution plan", "path", path, "error", err)
		return
	}
	file.Header.Set(task.FieldStatus, string(task.StatusPlanned))
	if err := file.Save(); err != nil {
		c.logger.Error("Failed to save planned task", "path", path, "error", err)
		return
	}
	c.plansWritten.Add(1)

	if c.deps.Audit != nil {
		c.deps.Audit.AgentDecision("plan_generated", agentID, file.Name(), map[string]any{
			"category":   plan.Category,
			"skill":      plan.Skill,
			"complexity": plan.Complexity,
			"steps":      len(plan.Steps),
		})
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(notify.SubjectTaskPlanned, path)
	}
	c.logger.Info("Plan written",
		"task", file.Name(),
		"category", plan.Category,
		"skill", plan.Skill,
		"complexity", plan.Complexity)
}

// ExecutionPlan is the planner's structured output before rendering.
type ExecutionPlan struct {
	Objective    string
	Category     string
	Skill        string
	Duration     string
	Complexity   string
	Steps        []string
	Deliverables []string
}

// Markdown renders the plan as the task-file section body.
func (p *ExecutionPlan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Objective**: %s\n", p.Objective)
	fmt.Fprintf(&b, "**Skill**: %s\n", p.Skill)
	fmt.Fprintf(&b, "**Estimated Duration**: %s\n", p.Duration)
	fmt.Fprintf(&b, "**Complexity**: %s\n\n", p.Complexity)
	b.WriteString("### Steps\n\n")
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\n### Deliverables\n\n")
	for _, deliverable := range p.Deliverables {
		fmt.Fprintf(&b, "- [ ] %s\n", deliverable)
	}
	return b.String()
}

// BuildPlan categorizes the task and emits the category's step template.
func (c *Component) BuildPlan(file *task.File) *ExecutionPlan {
	text := strings.ToLower(file.Title() + "\n" + file.Body)
	category := c.categorize(text)

	skill := c.config.DefaultSkill
	if mapped, ok := c.config.CategorySkills[category]; ok {
		skill = mapped
	}

	complexity := c.Complexity(file.Body)
	return &ExecutionPlan{
		Objective:    objectiveFor(file),
		Category:     category,
		Skill:        skill,
		Duration:     durationFor(complexity),
		Complexity:   complexity,
		Steps:        stepTemplate(category),
		Deliverables: deliverableTemplate(category),
	}
}

func (c *Component) categorize(text string) string {
	for _, category := range c.config.CategoryOrder {
		for _, keyword := range c.config.CategoryKeywords[category] {
			if strings.Contains(text, keyword) {
				return category
			}
		}
	}
	return "planning"
}

// Complexity derives the bucket from body length, code blocks, and open
// checkboxes.
func (c *Component) Complexity(body string) string {
	score := 0
	if len(body) > 2000 {
		score += 2
	} else if len(body) > 500 {
		score++
	}
	if strings.Contains(body, "```") {
		score++
	}
	if openCheckboxes(body) > 5 {
		score += 2
	} else if openCheckboxes(body) > 0 {
		score++
	}
	switch {
	case score >= 3:
		return ComplexityHigh
	case score >= 1:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func openCheckboxes(body string) int {
	return strings.Count(body, "- [ ]")
}

func objectiveFor(file *task.File) string {
	if title := file.Title(); title != "" {
		return title
	}
	return "Complete the task described below"
}

func durationFor(complexity string) string {
	switch complexity {
	case ComplexityHigh:
		return "2-4 hours"
	case ComplexityMedium:
		return "30-90 minutes"
	default:
		return "under 30 minutes"
	}
}

func stepTemplate(category string) []string {
	switch category {
	case "coding":
		return []string{
			"Review the requirements and affected code",
			"Implement the change",
			"Run the relevant tests",
			"Record the outcome",
		}
	case "research":
		return []string{
			"Define the research question",
			"Gather and review sources",
			"Synthesize findings",
			"Summarize conclusions and open questions",
		}
	case "documentation":
		return []string{
			"Outline the document structure",
			"Draft the content",
			"Review for accuracy and clarity",
			"Publish to the target location",
		}
	case "communication":
		return []string{
			"Draft the message",
			"Confirm recipients and timing",
			"Send through the declared channel",
			"Record delivery confirmation",
		}
	case "review":
		return []string{
			"Collect the material under review",
			"Evaluate against the acceptance criteria",
			"Record findings and required changes",
		}
	default:
		return []string{
			"Clarify the objective and constraints",
			"Break the work into ordered actions",
			"Execute each action",
			"Verify the outcome",
		}
	}
}

func deliverableTemplate(category string) []string {
	switch category {
	case "coding":
		return []string{"Working change", "Passing tests"}
	case "research":
		return []string{"Findings summary", "Source list"}
	case "documentation":
		return []string{"Published document"}
	case "communication":
		return []string{"Sent message", "Delivery confirmation"}
	case "review":
		return []string{"Review notes"}
	default:
		return []string{"Completed objective"}
	}
}

// StepsFromPlan extracts the ordered step texts from a task's execution plan
// section. Only the numbered list under the Steps heading counts.
func StepsFromPlan(file *task.File) []string {
	section, ok := file.Section(task.SectionExecutionPlan)
	if !ok {
		return nil
	}
	var steps []string
	inSteps := false
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "### ") {
			inSteps = trimmed == "### Steps"
			continue
		}
		if !inSteps {
			continue
		}
		dot := strings.Index(trimmed, ". ")
		if dot <= 0 {
			continue
		}
		if _, err := strconv.Atoi(trimmed[:dot]); err != nil {
			continue
		}
		if text := strings.TrimSpace(trimmed[dot+2:]); text != "" {
			steps = append(steps, text)
		}
	}
	return steps
}

// SkillFromPlan extracts the skill named in a task's execution plan section.
func SkillFromPlan(file *task.File) string {
	section, ok := file.Section(task.SectionExecutionPlan)
	if !ok {
		return ""
	}
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(trimmed, "**Skill**:"); found {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
