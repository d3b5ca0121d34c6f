package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360studio/mdflow/audit"
)

// Config holds resilience controller configuration.
type Config struct {
	// StateDir is where system_state.json and the degraded-mode log live.
	StateDir string `json:"state_dir"`

	// QueueDir is the failure queue directory.
	QueueDir string `json:"queue_dir"`

	// MonitorInterval is the heartbeat/queue monitor tick.
	MonitorInterval time.Duration `json:"monitor_interval"`

	// QueueMaxRetries bounds re-attempts of queued jobs before dead-letter.
	QueueMaxRetries int `json:"queue_max_retries"`
}

// DefaultConfig returns controller defaults under a logs root.
func DefaultConfig(logsDir string) Config {
	return Config{
		StateDir:        filepath.Join(logsDir, "resilience"),
		QueueDir:        filepath.Join(logsDir, "failure_queue"),
		MonitorInterval: 10 * time.Second,
		QueueMaxRetries: 3,
	}
}

// RequeueHandler re-attempts a queued operation.
type RequeueHandler func(ctx context.Context, payload map[string]any) error

// SystemState is the persisted controller state.
type SystemState struct {
	Grade     HealthGrade   `json:"grade"`
	Agents    []AgentHealth `json:"agents"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Controller monitors agent heartbeats, wraps operations with
// retry-and-fallback, grades system health, and drains the failure queue.
// Its core contract: the process must never crash because of it.
type Controller struct {
	config Config
	logger *slog.Logger
	audit  *audit.Logger
	queue  *FailureQueue
	agents *healthMap

	mu        sync.RWMutex
	fallbacks map[string]FallbackSpec
	policies  map[string]RetryPolicy
	handlers  map[string]RequeueHandler
	lastGrade HealthGrade

	observer Observer

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// Observer receives controller events for external instrumentation. Both
// callbacks are optional.
type Observer struct {
	// Failure fires once per recorded failure: attempt failures, heartbeat
	// misses, and dead-lettered queue jobs.
	Failure func(agentID, kind string)

	// Grade fires on every health grade change.
	Grade func(grade HealthGrade)
}

// NewController creates a resilience controller.
func NewController(config Config, auditLog *audit.Logger, logger *slog.Logger) (*Controller, error) {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create resilience state dir: %w", err)
	}
	queue, err := NewFailureQueue(config.QueueDir, config.QueueMaxRetries)
	if err != nil {
		return nil, err
	}
	return &Controller{
		config:    config,
		logger:    logger,
		audit:     auditLog,
		queue:     queue,
		agents:    newHealthMap(),
		fallbacks: make(map[string]FallbackSpec),
		policies:  make(map[string]RetryPolicy),
		handlers:  make(map[string]RequeueHandler),
		lastGrade: GradeHealthy,
		sleep:     sleepCtx,
	}, nil
}

// Queue exposes the failure queue for components that enqueue directly.
func (c *Controller) Queue() *FailureQueue { return c.queue }

// SetObserver installs the event observer. Call before Run; not safe to
// change concurrently.
func (c *Controller) SetObserver(obs Observer) {
	c.observer = obs
}

func (c *Controller) notifyFailure(agentID, kind string) {
	if c.observer.Failure != nil {
		c.observer.Failure(agentID, kind)
	}
}

// RegisterAgent declares an agent for heartbeat monitoring.
func (c *Controller) RegisterAgent(agentID string, priority Priority) {
	if !priority.Known() {
		priority = PriorityNormal
	}
	c.agents.register(agentID, priority)
}

// Heartbeat records a liveness signal for a registered agent.
func (c *Controller) Heartbeat(agentID string) {
	if !c.agents.heartbeat(agentID, time.Now().UTC()) {
		c.logger.Debug("Heartbeat from unregistered agent", "agent_id", agentID)
	}
}

// MarkStopped records a clean shutdown of an agent, which is not a failure.
func (c *Controller) MarkStopped(agentID string) {
	c.agents.markStopped(agentID)
}

// RegisterFallback declares the fallback contract for an agent.
func (c *Controller) RegisterFallback(agentID string, spec FallbackSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[agentID] = spec
}

// SetPolicy overrides the retry policy for one agent.
func (c *Controller) SetPolicy(agentID string, policy RetryPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[agentID] = policy
	return nil
}

// RegisterRequeueHandler declares how a queued operation is re-attempted.
func (c *Controller) RegisterRequeueHandler(operation string, handler RequeueHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[operation] = handler
}

// AgentHealthRecord returns a copy of one agent's health record.
func (c *Controller) AgentHealthRecord(agentID string) (AgentHealth, bool) {
	return c.agents.get(agentID)
}

// Grade returns the current system health grade.
func (c *Controller) Grade() HealthGrade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastGrade
}

// Run is the monitor loop. Every tick it checks heartbeats, regrades system
// health, persists state, and drains the failure queue. The loop body is
// guarded: a panic inside it is logged and the loop resumes after a short
// sleep.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.persistState()
			return
		case <-ticker.C:
			c.guardedTick(ctx)
		}
	}
}

func (c *Controller) guardedTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Monitor tick panicked, resuming",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			time.Sleep(time.Second)
		}
	}()
	c.checkHeartbeats()
	c.regrade()
	c.persistState()
	c.drainQueue(ctx)
}

func (c *Controller) checkHeartbeats() {
	now := time.Now().UTC()
	for _, agent := range c.agents.snapshot() {
		if agent.Status == AgentStopped {
			continue
		}
		if agent.LastHeartbeat.IsZero() {
			continue
		}
		threshold := agent.Priority.HeartbeatThreshold()
		if now.Sub(agent.LastHeartbeat) <= threshold {
			continue
		}
		c.agents.markFailure(agent.AgentID, fmt.Sprintf("no heartbeat for %s", now.Sub(agent.LastHeartbeat).Round(time.Second)))
		c.notifyFailure(agent.AgentID, "heartbeat_miss")
		if c.audit != nil {
			c.audit.Failure("heartbeat_miss", agent.AgentID, "", map[string]any{
				"error_type":     "heartbeat_miss",
				"priority":       string(agent.Priority),
				"last_heartbeat": agent.LastHeartbeat.Format(time.RFC3339),
				"threshold":      threshold.String(),
			})
		}
		c.logger.Warn("Heartbeat miss",
			"agent_id", agent.AgentID,
			"priority", agent.Priority,
			"last_heartbeat", agent.LastHeartbeat)
	}
}

func (c *Controller) regrade() {
	newGrade := grade(c.agents.snapshot(), c.Grade())

	c.mu.Lock()
	previous := c.lastGrade
	c.lastGrade = newGrade
	c.mu.Unlock()

	if newGrade == previous {
		return
	}
	if c.observer.Grade != nil {
		c.observer.Grade(newGrade)
	}
	c.logger.Info("System health grade changed", "from", previous, "to", newGrade)
	if c.audit != nil {
		c.audit.System("health_grade_changed", "resilience-controller", map[string]any{
			"from": string(previous),
			"to":   string(newGrade),
		})
	}
	if newGrade != GradeHealthy && newGrade != GradeRecovery {
		c.appendDegradedLog(previous, newGrade)
	}
}

func (c *Controller) appendDegradedLog(from, to HealthGrade) {
	path := filepath.Join(c.config.StateDir, "degraded_mode.md")
	entry := fmt.Sprintf("- %s: %s -> %s\n", time.Now().UTC().Format(time.RFC3339), from, to)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.logger.Warn("Failed to open degraded-mode log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		c.logger.Warn("Failed to append degraded-mode log", "error", err)
	}
}

func (c *Controller) persistState() {
	state := SystemState{
		Grade:     c.Grade(),
		Agents:    c.agents.snapshot(),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.config.StateDir, "system_state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("Failed to persist resilience state", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("Failed to replace resilience state", "error", err)
	}
}

// drainQueue re-attempts queued jobs through their registered handlers.
func (c *Controller) drainQueue(ctx context.Context) {
	paths, err := c.queue.List()
	if err != nil {
		c.logger.Warn("Failed to list failure queue", "error", err)
		return
	}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := c.queue.Load(path)
		if err != nil {
			c.logger.Warn("Unreadable queued job", "path", path, "error", err)
			if _, dlErr := c.queue.Fail(path, &QueuedJob{AgentID: "unknown", Attempts: c.config.QueueMaxRetries}, err); dlErr != nil {
				c.logger.Warn("Failed to dead-letter unreadable job", "path", path, "error", dlErr)
			}
			continue
		}
		c.mu.RLock()
		handler, ok := c.handlers[job.Operation]
		c.mu.RUnlock()
		if !ok {
			c.logger.Warn("No requeue handler for operation", "operation", job.Operation)
			continue
		}
		if err := handler(ctx, job.Payload); err != nil {
			deadLettered, failErr := c.queue.Fail(path, job, err)
			if failErr != nil {
				c.logger.Warn("Failed to update queued job", "path", path, "error", failErr)
				continue
			}
			if deadLettered {
				c.notifyFailure(job.AgentID, "queue_exhaustion")
				if c.audit != nil {
					c.audit.Failure("queue_exhausted", job.AgentID, "", map[string]any{
						"error_type": "queue_exhaustion",
						"operation":  job.Operation,
					})
				}
				c.logger.Warn("Queued job dead-lettered", "agent_id", job.AgentID, "operation", job.Operation)
			}
			continue
		}
		if err := c.queue.Complete(path); err != nil {
			c.logger.Warn("Failed to remove completed job", "path", path, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
