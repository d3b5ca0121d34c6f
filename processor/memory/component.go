// Package memory provides the dashboard processor: it aggregates task state
// across the pipeline directories into a persistent markdown dashboard and a
// JSON sidecar for machine reads.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

const agentID = "memory"

// Dashboard file names under Logs/.
const (
	DashboardFileName = "dashboard.md"
	StateFileName     = "dashboard_state.json"
)

// RecentTask is one entry in the dashboard's recent-completions list.
type RecentTask struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Completed string `json:"completed,omitempty"`
}

// Snapshot is one aggregation pass over the pipeline directories.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Stages      map[string]int `json:"stages"`
	Statuses    map[string]int `json:"statuses"`
	Domains     map[string]int `json:"domains"`
	Skills      map[string]int `json:"skills"`
	Recent      []RecentTask   `json:"recent"`
}

// Component implements the memory processor.
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

	// Metrics
	snapshotsTaken atomic.Int64
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

// Start begins the aggregation loop.
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
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Memory loop did not stop in time")
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
			"snapshots_taken": c.snapshotsTaken.Load(),
		},
	}
}

func (c *Component) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.deps.Resilience != nil {
				c.deps.Resilience.Heartbeat(agentID)
			}
			c.Refresh(ctx)
		}
	}
}

// Refresh takes a snapshot and rewrites both dashboard files.
func (c *Component) Refresh(ctx context.Context) {
	snapshot, err := c.Collect()
	if err != nil {
		c.logger.Error("Failed to collect dashboard snapshot", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	logsDir := c.deps.Store.LogsDir()
	if err := task.WriteAtomic(filepath.Join(logsDir, DashboardFileName), renderDashboard(snapshot)); err != nil {
		c.logger.Error("Failed to write dashboard", "error", err)
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		c.logger.Error("Failed to marshal dashboard state", "error", err)
		return
	}
	if err := task.WriteAtomic(filepath.Join(logsDir, StateFileName), string(data)); err != nil {
		c.logger.Error("Failed to write dashboard state", "error", err)
		return
	}
	c.snapshotsTaken.Add(1)
}

// Collect scans every pipeline directory and aggregates counts.
func (c *Component) Collect() (*Snapshot, error) {
	store := c.deps.Store
	snapshot := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Stages:      make(map[string]int),
		Statuses:    make(map[string]int),
		Domains:     make(map[string]int),
		Skills:      make(map[string]int),
	}

	stages := []struct {
		name string
		list func() ([]string, error)
	}{
		{"inbox", func() ([]string, error) { return store.ListPending(store.InboxDir()) }},
		{"approval", func() ([]string, error) { return store.ListPending(store.ApprovalDir()) }},
		{"active", store.ListAllDomains},
		{"done", func() ([]string, error) { return store.ListPending(store.DoneDir()) }},
	}

	for _, stage := range stages {
		paths, err := stage.list()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", stage.name, err)
		}
		snapshot.Stages[stage.name] = len(paths)
		for _, path := range paths {
			file, err := task.Read(path)
			if err != nil {
				continue
			}
			snapshot.Statuses[string(file.Status())]++
			if domain := file.Header.Value(task.FieldDomain); domain != "" {
				snapshot.Domains[domain]++
			}
			if skill := file.Header.Value(task.FieldSkill); skill != "" {
				snapshot.Skills[skill]++
			}
			if stage.name == "done" {
				snapshot.Recent = append(snapshot.Recent, RecentTask{
					Name:      file.Name(),
					Title:     file.Title(),
					Status:    string(file.Status()),
					Completed: file.Header.Value(task.FieldCompleted),
				})
			}
		}
	}

	sort.Slice(snapshot.Recent, func(i, j int) bool {
		return snapshot.Recent[i].Completed > snapshot.Recent[j].Completed
	})
	if len(snapshot.Recent) > c.config.RecentLimit {
		snapshot.Recent = snapshot.Recent[:c.config.RecentLimit]
	}
	return snapshot, nil
}

func renderDashboard(s *Snapshot) string {
	var b strings.Builder
	b.WriteString("# Task Dashboard\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", s.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Pipeline\n\n| Stage | Tasks |\n|---|---|\n")
	for _, stage := range []string{"inbox", "approval", "active", "done"} {
		fmt.Fprintf(&b, "| %s | %d |\n", stage, s.Stages[stage])
	}

	b.WriteString("\n## By Status\n\n| Status | Tasks |\n|---|---|\n")
	for _, key := range sortedKeys(s.Statuses) {
		fmt.Fprintf(&b, "| %s | %d |\n", key, s.Statuses[key])
	}

	if len(s.Domains) > 0 {
		b.WriteString("\n## By Domain\n\n| Domain | Tasks |\n|---|---|\n")
		for _, key := range sortedKeys(s.Domains) {
			fmt.Fprintf(&b, "| %s | %d |\n", key, s.Domains[key])
		}
	}

	if len(s.Skills) > 0 {
		b.WriteString("\n## By Skill\n\n| Skill | Tasks |\n|---|---|\n")
		for _, key := range sortedKeys(s.Skills) {
			fmt.Fprintf(&b, "| %s | %d |\n", key, s.Skills[key])
		}
	}

	b.WriteString("\n## Recent Completions\n\n")
	if len(s.Recent) == 0 {
		b.WriteString("None yet.\n")
	} else {
		for _, r := range s.Recent {
			fmt.Fprintf(&b, "- %s (%s)", r.Title, r.Status)
			if r.Completed != "" {
				fmt.Fprintf(&b, " at %s", r.Completed)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
