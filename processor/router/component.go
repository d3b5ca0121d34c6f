// Package router provides the processor that assigns a domain and category
// to every inbox task and relocates it into the matching domain directory.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/notify"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "domain-router"

// Component implements the domain router processor.
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

	// watcher collapses inbox latency when watch_enabled is set.
	watcher *task.Watcher

	// Metrics
	tasksRouted    atomic.Int64
	tasksCrossed   atomic.Int64
	tasksMalformed atomic.Int64
}

// Name returns the component's registered name.
func (c *Component) Name() string { return c.name }

// Initialize verifies the inbox exists.
func (c *Component) Initialize(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("task store is required")
	}
	if _, err := os.Stat(c.deps.Store.InboxDir()); err != nil {
		return fmt.Errorf("inbox directory: %w", err)
	}
	return nil
}

// Start begins the inbox polling loop.
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
		watcher, err := task.NewWatcher([]string{c.deps.Store.InboxDir()}, c.config.WatchDebounce, c.logger)
		if err != nil {
			c.logger.Warn("Inbox watch unavailable, relying on polling", "error", err)
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
		c.logger.Warn("Router loop did not stop in time")
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
			"tasks_routed":    c.tasksRouted.Load(),
			"cross_domain":    c.tasksCrossed.Load(),
			"tasks_malformed": c.tasksMalformed.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var watch <-chan task.WatchEvent
	if c.watcher != nil {
		watch = c.watcher.Events()
	}

	c.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			c.Sweep(ctx)
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Sweep(ctx)
		}
	}
}

// Sweep routes every pending inbox task once. Exported for the CLI's
// single-pass mode and tests.
func (c *Component) Sweep(ctx context.Context) {
	pending, err := c.deps.Store.ListPending(c.deps.Store.InboxDir())
	if err != nil {
		c.logger.Error("Failed to list inbox", "error", err)
		return
	}
	for _, path := range pending {
		if ctx.Err() != nil {
			return
		}
		c.routeOne(path)
	}
}

func (c *Component) routeOne(path string) {
	file, err := task.Read(path)
	if err != nil {
		c.tasksMalformed.Add(1)
		c.logger.Warn("Malformed task quarantined", "path", path, "error", err)
		if c.deps.Audit != nil {
			c.deps.Audit.Failure("malformed_task", agentID, "", map[string]any{
				"error_type": "malformed_task",
				"path":       path,
				"error":      err.Error(),
			})
		}
		if _, qerr := c.deps.Store.Quarantine(path, err); qerr != nil {
			c.logger.Error("Quarantine failed", "path", path, "error", qerr)
		}
		return
	}

	decision := c.Classify(file)

	file.Header.Set(task.FieldDomain, decision.Domain)
	file.Header.Set(task.FieldDomainCategory, decision.Category)
	file.Header.Set(task.FieldDomainConfidence, fmt.Sprintf("%.2f", decision.Confidence))
	file.Header.Set(task.FieldRoutedAt, time.Now().UTC().Format(time.RFC3339))
	if decision.CrossDomain {
		file.Header.Set(task.FieldSecondaryDomain, decision.SecondaryDomain)
		c.tasksCrossed.Add(1)
	}
	file.Header.Set(task.FieldStatus, string(task.StatusClassified))
	if err := file.Save(); err != nil {
		c.logger.Error("Failed to rewrite routed task", "path", path, "error", err)
		return
	}

	dest := c.deps.Store.DomainDir(decision.Domain, decision.Category)
	newPath, err := c.deps.Store.Move(path, dest)
	if err != nil {
		c.logger.Error("Failed to move routed task", "path", path, "dest", dest, "error", err)
		return
	}
	c.tasksRouted.Add(1)

	if c.deps.Audit != nil {
		c.deps.Audit.AgentDecision("domain_classified", agentID, file.Name(), map[string]any{
			"domain":           decision.Domain,
			"category":         decision.Category,
			"confidence":       decision.Confidence,
			"cross_domain":     decision.CrossDomain,
			"matched_keywords": decision.MatchedKeywords,
		})
	}
	c.appendRoutingLog(file, decision)
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(notify.SubjectTaskRouted, newPath)
	}
	c.logger.Info("Task routed",
		"task", file.Name(),
		"domain", decision.Domain,
		"category", decision.Category,
		"confidence", decision.Confidence)
}

// Decision is the outcome of classification.
type Decision struct {
	Domain          string
	Category        string
	Confidence      float64
	CrossDomain     bool
	SecondaryDomain string
	MatchedKeywords []string
}

// Classify scores a task against the declared keyword sets.
//
// An explicit header domain is accepted at confidence 1.0. Otherwise the
// winner is the domain with the most keyword hits; confidence is
// winner/(winner+runnerUp). Ties break on the header skill's declared vote,
// then on the default domain at confidence 0.5.
func (c *Component) Classify(file *task.File) Decision {
	if explicit := file.Header.Value(task.FieldDomain); explicit != "" {
		if _, ok := c.config.DomainCategories[explicit]; ok {
			// Sender-declared domains are filed under their own category so
			// they stay distinguishable from scored placements.
			return Decision{
				Domain:     explicit,
				Category:   "explicit",
				Confidence: 1.0,
			}
		}
	}

	text := strings.ToLower(file.Title() + "\n" + file.Body)
	type scored struct {
		domain  string
		hits    int
		matched []string
	}
	scores := make([]scored, 0, len(c.config.DomainKeywords))
	for domain, keywords := range c.config.DomainKeywords {
		s := scored{domain: domain}
		for _, keyword := range keywords {
			if n := strings.Count(text, keyword); n > 0 {
				s.hits += n
				s.matched = append(s.matched, keyword)
			}
		}
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		return scores[i].domain < scores[j].domain
	})

	winner, runnerUp := scores[0], scores[1]
	decision := Decision{MatchedKeywords: winner.matched}

	switch {
	case winner.hits == 0:
		decision.Domain = c.config.DefaultDomain
		decision.Confidence = 0.5
	case winner.hits == runnerUp.hits:
		vote := c.config.SkillVotes[file.Header.Value(task.FieldSkill)]
		if vote == "" {
			vote = c.config.DefaultDomain
		}
		decision.Domain = vote
		decision.Confidence = 0.5
	default:
		decision.Domain = winner.domain
		decision.Confidence = float64(winner.hits) / float64(winner.hits+runnerUp.hits)
	}

	if winner.hits > 0 && runnerUp.hits > 0 {
		decision.CrossDomain = true
		if decision.Domain == winner.domain {
			decision.SecondaryDomain = runnerUp.domain
		} else {
			decision.SecondaryDomain = winner.domain
		}
	}
	decision.Category = c.pickCategory(decision.Domain, text)
	return decision
}

// pickCategory returns the first of the domain's categories whose keywords
// appear in the text, else "general".
func (c *Component) pickCategory(domain, text string) string {
	valid := make(map[string]bool)
	for _, category := range c.config.DomainCategories[domain] {
		valid[category] = true
	}
	for _, category := range c.config.CategoryOrder {
		if !valid[category] {
			continue
		}
		for _, keyword := range c.config.CategoryKeywords[category] {
			if strings.Contains(text, keyword) {
				return category
			}
		}
	}
	return "general"
}

func (c *Component) appendRoutingLog(file *task.File, decision Decision) {
	logPath := filepath.Join(c.deps.Store.LogsDir(), "activity_log.md")
	line := fmt.Sprintf("- %s routed **%s** to %s/%s (confidence %.2f)\n",
		time.Now().UTC().Format(time.RFC3339), file.Name(),
		decision.Domain, decision.Category, decision.Confidence)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Warn("Failed to open activity log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		c.logger.Warn("Failed to append activity log", "error", err)
	}
}
