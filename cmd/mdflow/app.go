package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/mdflow/audit"
	"github.com/c360studio/mdflow/config"
	"github.com/c360studio/mdflow/mcp"
	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/processor/approval"
	"github.com/c360studio/mdflow/processor/docwriter"
	"github.com/c360studio/mdflow/processor/manager"
	"github.com/c360studio/mdflow/processor/memory"
	"github.com/c360studio/mdflow/processor/planner"
	"github.com/c360studio/mdflow/processor/router"
	"github.com/c360studio/mdflow/processor/scheduler"
	"github.com/c360studio/mdflow/processor/validator"
	"github.com/c360studio/mdflow/resilience"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/skill"
	"github.com/c360studio/mdflow/task"
)

// App wires the shared services and pipeline components together. It is the
// single construction site: nothing else creates audit loggers, controllers,
// or buses.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *task.Store
	auditLog   *audit.Logger
	controller *resilience.Controller
	bus        *notify.Bus
	mcpRouter  *mcp.Router
	skills     *skill.Registry
	registry   *runtime.Registry
	runner     *runtime.Runner

	cancel context.CancelFunc
}

// NewApp builds the full application from configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	store := task.NewStore(cfg.Root.Path)
	if err := store.EnsureLayout(cfg.Domains); err != nil {
		return nil, fmt.Errorf("ensure workspace layout: %w", err)
	}

	auditLog, err := audit.NewLogger(audit.Config{
		Root:             store.AuditDir(),
		FlushInterval:    cfg.Audit.FlushInterval,
		SnapshotInterval: cfg.Audit.SnapshotInterval,
	}, uuid.NewString(), logger)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	resilienceConfig := resilience.DefaultConfig(store.LogsDir())
	resilienceConfig.MonitorInterval = cfg.Resilience.MonitorInterval
	resilienceConfig.QueueMaxRetries = cfg.Resilience.QueueMaxRetries
	controller, err := resilience.NewController(resilienceConfig, auditLog, logger)
	if err != nil {
		return nil, fmt.Errorf("create resilience controller: %w", err)
	}

	var bus *notify.Bus
	if cfg.Notify.Enabled {
		bus, err = notify.Start(logger)
		if err != nil {
			// The bus is a latency optimization; polling covers its absence.
			logger.Warn("Notify bus unavailable, continuing with polling only", "error", err)
		}
	}

	mcpRouter := mcp.NewRouter(mcp.NewRegistry(), auditLog, logger)
	for _, service := range cfg.MCP.Services {
		if err := mcpRouter.Register(mcp.ServiceEntry{
			Name:            service.Name,
			BaseURL:         service.BaseURL,
			Actions:         service.Actions,
			FallbackEnabled: service.FallbackEnabled,
		}); err != nil {
			return nil, fmt.Errorf("register mcp service %s: %w", service.Name, err)
		}
	}

	skills := skill.NewRegistry()
	if err := registerSkills(skills, mcpRouter); err != nil {
		return nil, fmt.Errorf("register skills: %w", err)
	}

	app := &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		auditLog:   auditLog,
		controller: controller,
		bus:        bus,
		mcpRouter:  mcpRouter,
		skills:     skills,
		registry:   runtime.NewRegistry(),
	}
	if err := app.buildComponents(); err != nil {
		return nil, err
	}
	return app, nil
}

// pipelineOrder is the component start order: producers before consumers so
// the first sweep of each stage finds its input directories settled.
var pipelineOrder = []string{
	"domain-router",
	"planner",
	"manager",
	"approval-controller",
	"validator",
	"scheduler",
	"memory",
	"docwriter",
}

func (a *App) buildComponents() error {
	registrations := []func(r *runtime.Registry) error{
		func(r *runtime.Registry) error { return router.Register(r) },
		func(r *runtime.Registry) error { return planner.Register(r) },
		func(r *runtime.Registry) error { return manager.Register(r) },
		func(r *runtime.Registry) error { return approval.Register(r) },
		func(r *runtime.Registry) error { return validator.Register(r) },
		func(r *runtime.Registry) error { return scheduler.Register(r) },
		func(r *runtime.Registry) error { return memory.Register(r) },
		func(r *runtime.Registry) error { return docwriter.Register(r) },
	}
	for _, register := range registrations {
		if err := register(a.registry); err != nil {
			return err
		}
	}

	metrics := runtime.NewMetrics()
	a.mcpRouter.SetRouteObserver(func(service string, seconds float64) {
		metrics.MCPLatency.WithLabelValues(service).Observe(seconds)
	})
	a.controller.SetObserver(resilience.Observer{
		Failure: func(agentID, kind string) {
			metrics.FailuresTotal.WithLabelValues(agentID, kind).Inc()
		},
		Grade: func(grade resilience.HealthGrade) {
			metrics.HealthGrade.Set(float64(grade.Level()))
		},
	})

	deps := runtime.Dependencies{
		Logger:     a.logger,
		Audit:      a.auditLog,
		Resilience: a.controller,
		Store:      a.store,
		Bus:        a.bus,
		MCP:        a.mcpRouter,
		Skills:     a.skills,
		Metrics:    metrics,
	}
	a.runner = runtime.NewRunner(deps, metrics)

	for _, name := range pipelineOrder {
		component, err := a.registry.Build(name, a.componentConfig(name), deps)
		if err != nil {
			return err
		}
		switch c := component.(type) {
		case *docwriter.Component:
			c.SetInventory(a.registry.List())
		case *scheduler.Component:
			c.RegisterAction("audit_summary", auditSummaryAction(a.store.AuditDir(), a.logger))
			c.RegisterAction("audit_prune", auditPruneAction(a.store.AuditDir(), a.logger))
		}
		a.controller.RegisterAgent(name, resilience.PriorityNormal)
		a.runner.Add(component)
	}
	return nil
}

// componentConfig extracts one component's raw config block, folding the
// global knobs into the blocks that consume them.
func (a *App) componentConfig(name string) json.RawMessage {
	section := map[string]any{}
	for key, value := range a.cfg.Components[name] {
		section[key] = value
	}
	switch name {
	case "manager":
		if _, ok := section["approval_expiry"]; !ok {
			section["approval_expiry"] = a.cfg.Approval.Expiry
		}
		if _, ok := section["max_iterations"]; !ok {
			section["max_iterations"] = a.cfg.Autonomy.MaxIterations
		}
		if _, ok := section["step_max_attempts"]; !ok {
			section["step_max_attempts"] = a.cfg.Autonomy.DefaultMaxAttempts
		}
		if _, ok := section["step_retry_delay"]; !ok {
			section["step_retry_delay"] = a.cfg.Autonomy.RetryDelay
		}
	case "approval-controller":
		if _, ok := section["expiry"]; !ok {
			section["expiry"] = a.cfg.Approval.Expiry
		}
		if _, ok := section["scan_interval"]; !ok {
			section["scan_interval"] = a.cfg.Approval.ScanInterval
		}
		if _, ok := section["watch_enabled"]; !ok {
			section["watch_enabled"] = a.cfg.Workers.WatchEnabled
		}
	case "domain-router":
		if _, ok := section["poll_interval"]; !ok {
			section["poll_interval"] = a.cfg.Workers.PollInterval
		}
		if _, ok := section["watch_enabled"]; !ok {
			section["watch_enabled"] = a.cfg.Workers.WatchEnabled
		}
	case "planner", "validator":
		if _, ok := section["poll_interval"]; !ok {
			section["poll_interval"] = a.cfg.Workers.PollInterval
		}
	}
	data, err := json.Marshal(section)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Start launches the audit writer, the resilience monitor, every pipeline
// component, and the HTTP endpoint.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.auditLog.Start(runCtx)
	go a.controller.Run(runCtx)

	if err := a.runner.Start(runCtx); err != nil {
		cancel()
		a.auditLog.Wait()
		return err
	}
	a.runner.ServeHTTP(a.cfg.HTTP.Addr)
	a.auditLog.System("runtime_started", "mdflow", map[string]any{
		"root":       a.cfg.Root.Path,
		"components": len(a.runner.Components()),
	})
	return nil
}

// Stop shuts the pipeline down in reverse order and drains the audit stream.
func (a *App) Stop(ctx context.Context) {
	a.auditLog.System("runtime_stopping", "mdflow", nil)
	a.runner.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
}

// registerSkills declares the built-in skill table. Skill bodies that need
// external services go through the MCP router so offline backends degrade to
// queued fallback responses instead of failures.
func registerSkills(skills *skill.Registry, mcpRouter *mcp.Router) error {
	entries := []skill.Entry{
		{SkillID: skill.DefaultSkillID, Handler: acknowledgeHandler("general"), Priority: "normal"},
		{SkillID: "code", Handler: acknowledgeHandler("code"), Priority: "high"},
		{SkillID: "research", Handler: acknowledgeHandler("research"), Priority: "normal"},
		{SkillID: "write_doc", Handler: acknowledgeHandler("write_doc"), Priority: "normal"},
		{SkillID: "review", Handler: acknowledgeHandler("review"), Priority: "normal"},
		{SkillID: "email", Handler: emailHandler(mcpRouter), Priority: "high", RequiresApproval: true},
	}
	for _, entry := range entries {
		if err := skills.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

// acknowledgeHandler is the stand-in for skills whose real bodies live outside
// the core: it records what was asked and reports completion.
func acknowledgeHandler(skillID string) skill.Handler {
	return func(ctx context.Context, input skill.Input) (skill.Result, error) {
		summary := input.Title
		if summary == "" {
			summary = firstLine(input.Body)
		}
		return skill.Result{
			Success: true,
			Output:  fmt.Sprintf("Handled %q with the %s skill.", summary, skillID),
		}, nil
	}
}

// emailHandler routes sends through the MCP email service.
func emailHandler(mcpRouter *mcp.Router) skill.Handler {
	return func(ctx context.Context, input skill.Input) (skill.Result, error) {
		response, err := mcpRouter.Route(ctx, "email", "send", map[string]any{
			"subject": input.Title,
			"body":    input.Body,
		})
		if err != nil {
			return skill.Result{}, err
		}
		if success, ok := response["success"].(bool); ok && !success {
			reason, _ := response["error"].(string)
			return skill.Result{Success: false, Error: reason}, nil
		}
		output := "Email dispatched."
		if queued, ok := response["queued"].(bool); ok && queued {
			output = "Email queued for delivery when the service returns."
		}
		return skill.Result{Success: true, Output: output}, nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
