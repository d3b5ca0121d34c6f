package approval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "approval-controller"

// Component implements the approval controller.
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

	// watcher collapses decision latency when watch_enabled is set.
	watcher *task.Watcher

	// Metrics
	approved  atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
	needsInfo atomic.Int64
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

// Start begins the artifact scanning loop.
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
	if c.config.WatchEnabled {
		watcher, err := task.NewWatcher([]string{c.deps.Store.ApprovalDir()}, c.config.WatchDebounce, c.logger)
		if err != nil {
			c.logger.Warn("Approval watch unavailable, relying on polling", "error", err)
		} else {
			c.watcher = watcher
			watcher.Start(loopCtx)
		}
	}
	go c.run(loopCtx)
	return nil
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
	if c.watcher != nil {
		c.watcher.Stop()
		c.watcher = nil
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Approval loop did not stop in time")
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
			"approved":   c.approved.Load(),
			"rejected":   c.rejected.Load(),
			"timed_out":  c.timedOut.Load(),
			"needs_info": c.needsInfo.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.ScanInterval)
	defer ticker.Stop()

	var watch <-chan task.WatchEvent
	if c.watcher != nil {
		watch = c.watcher.Events()
	}

	c.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			c.Scan(ctx)
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Scan(ctx)
		}
	}
}

// Scan processes every pending artifact once.
func (c *Component) Scan(ctx context.Context) {
	entries, err := os.ReadDir(c.deps.Store.ApprovalDir())
	if err != nil {
		c.logger.Error("Failed to read approval directory", "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ArtifactPrefix) || !strings.HasSuffix(name, ".md") {
			continue
		}
		c.scanArtifact(filepath.Join(c.deps.Store.ApprovalDir(), name))
	}
}

func (c *Component) scanArtifact(artifactPath string) {
	artifact, err := task.Read(artifactPath)
	if err != nil {
		c.logger.Warn("Unreadable approval artifact", "path", artifactPath, "error", err)
		return
	}

	decisionText, ok := artifact.Section(task.SectionDecision)
	if !ok {
		decisionText = artifact.Body
	}
	decision := ParseDecision(decisionText)

	if decision.Kind == DecisionNone {
		if expired(artifact) {
			decision = ArtifactDecision{Kind: DecisionRejected, Reason: "timeout"}
			c.timedOut.Add(1)
		} else {
			return
		}
	}

	taskName := artifact.Header.Value(task.FieldOriginalTask)
	taskPath := filepath.Join(c.deps.Store.ApprovalDir(), taskName)

	switch decision.Kind {
	case DecisionApproved:
		c.applyApproval(artifact, taskPath, decision)
	case DecisionRejected:
		c.applyRejection(artifact, taskPath, decision)
	case DecisionNeedsInfo:
		c.needsInfo.Add(1)
		if c.deps.Audit != nil {
			c.deps.Audit.TaskLifecycle("approval_needs_info", agentID, taskName, map[string]any{
				"artifact": artifact.Name(),
			})
		}
	}
}

func (c *Component) applyApproval(artifact *task.File, taskPath string, decision ArtifactDecision) {
	file, err := task.Read(taskPath)
	if err != nil {
		c.logger.Error("Approved task missing", "path", taskPath, "error", err)
		c.finishArtifact(artifact)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	file.Header.Set(task.FieldApproved, "true")
	file.Header.Set(task.FieldApprovedBy, decision.Approver)
	file.Header.Set(task.FieldApprovedAt, now)
	file.Header.Set(task.FieldStatus, string(task.StatusApproved))
	if err := file.Save(); err != nil {
		c.logger.Error("Failed to save approved task", "path", taskPath, "error", err)
		return
	}

	domain := file.Header.Value(task.FieldDomain)
	category := file.Header.Value(task.FieldDomainCategory)
	dest := c.deps.Store.DomainDir(domain, category)
	newPath, err := c.deps.Store.Move(taskPath, dest)
	if err != nil {
		c.logger.Error("Failed to return approved task", "path", taskPath, "error", err)
		return
	}
	c.finishArtifact(artifact)
	c.approved.Add(1)

	if c.deps.Audit != nil {
		c.deps.Audit.TaskLifecycle("approval_granted", agentID, file.Name(), map[string]any{
			"approved_by": decision.Approver,
			"risk_level":  artifact.Header.Value(task.FieldRiskLevel),
		})
	}
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(notify.SubjectTaskApproved, newPath)
	}
	c.logger.Info("Task approved",
		"task", file.Name(),
		"approved_by", decision.Approver)
}

func (c *Component) applyRejection(artifact *task.File, taskPath string, decision ArtifactDecision) {
	reason := decision.Reason
	if reason == "" {
		reason = "rejected without stated reason"
	}

	if file, err := task.Read(taskPath); err == nil {
		note := fmt.Sprintf("Approval rejected at %s\n\nReason: %s",
			time.Now().UTC().Format(time.RFC3339), reason)
		file.Header.Set(task.FieldStatus, string(task.StatusFailed))
		if err := file.AppendSection(task.SectionError, note); err != nil {
			c.logger.Error("Failed to annotate rejected task", "path", taskPath, "error", err)
		}
		if _, err := c.deps.Store.Move(taskPath, c.deps.Store.DoneDir()); err != nil {
			c.logger.Error("Failed to move rejected task", "path", taskPath, "error", err)
		}
	} else {
		c.logger.Warn("Rejected task missing", "path", taskPath, "error", err)
	}
	c.finishArtifact(artifact)
	c.rejected.Add(1)

	if c.deps.Audit != nil {
		c.deps.Audit.TaskLifecycle("approval_rejected", agentID, filepath.Base(taskPath), map[string]any{
			"reason":     reason,
			"risk_level": artifact.Header.Value(task.FieldRiskLevel),
		})
	}
	c.logger.Info("Task rejected", "task", filepath.Base(taskPath), "reason", reason)
}

func (c *Component) finishArtifact(artifact *task.File) {
	if _, err := c.deps.Store.Move(artifact.Path, c.deps.Store.DoneDir()); err != nil {
		c.logger.Error("Failed to archive artifact", "path", artifact.Path, "error", err)
	}
}

func expired(artifact *task.File) bool {
	raw := artifact.Header.Value(task.FieldExpires)
	if raw == "" {
		return false
	}
	expires, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Now().UTC().After(expires)
}
