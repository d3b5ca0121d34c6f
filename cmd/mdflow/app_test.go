package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/config"
	"github.com/c360studio/mdflow/processor/approval"
	"github.com/c360studio/mdflow/task"
)

// newTestApp builds an app over a temp workspace with fast polling, no bus,
// and an unreachable email backend that degrades to the fallback response.
func newTestApp(t *testing.T) (*App, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Root.Path = t.TempDir()
	cfg.Notify.Enabled = false
	cfg.Workers.PollInterval = 20 * time.Millisecond
	cfg.Approval.Expiry = time.Hour
	cfg.Approval.ScanInterval = 20 * time.Millisecond
	cfg.MCP.Services = []config.MCPServiceConfig{
		{Name: "email", BaseURL: "http://127.0.0.1:9", Actions: []string{"send"}, FallbackEnabled: true},
	}
	cfg.Components = map[string]config.RawSection{
		"manager":   {"poll_interval": 20 * time.Millisecond},
		"scheduler": {"tick_interval": time.Hour},
		"memory":    {"refresh_interval": time.Hour},
		"docwriter": {"write_interval": time.Hour},
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	app, err := NewApp(cfg, logger)
	require.NoError(t, err)
	return app, cfg
}

func TestAppBuildsFullPipeline(t *testing.T) {
	app, _ := newTestApp(t)
	components := app.runner.Components()
	require.Len(t, components, len(pipelineOrder))
	for i, name := range pipelineOrder {
		assert.Equal(t, name, components[i].Name())
	}
}

func TestEmailTaskThroughApprovalToDone(t *testing.T) {
	app, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer app.Stop(context.Background())

	store := app.store
	inboxPath := filepath.Join(store.InboxDir(), "announce_launch.md")
	require.NoError(t, os.WriteFile(inboxPath, []byte(`---
title: Announce Launch
status: received
skill: email
priority: standard
---

Announce the product launch campaign.

Send to team@example.com.
`), 0o644))

	// The router classifies it, the planner plans it, and the manager diverts
	// the email skill to approval.
	artifactPath := filepath.Join(store.ApprovalDir(), approval.ArtifactPrefix+"announce_launch.md")
	require.Eventually(t, func() bool {
		_, err := os.Stat(artifactPath)
		return err == nil
	}, 10*time.Second, 25*time.Millisecond, "task never reached approval")

	diverted, err := task.Read(filepath.Join(store.ApprovalDir(), "announce_launch.md"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPendingApproval, diverted.Status())
	assert.Equal(t, "Business", diverted.Header.Value(task.FieldDomain))
	assert.Equal(t, "marketing", diverted.Header.Value(task.FieldDomainCategory))

	artifact, err := task.Read(artifactPath)
	require.NoError(t, err)
	assert.Equal(t, approval.RiskMedium, artifact.Header.Value(task.FieldRiskLevel))

	// Grant the approval the way an operator would: by editing the artifact.
	f, err := os.OpenFile(artifactPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("APPROVED: YES\nApproved by: Ada\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Approved task re-enters the domain, the manager dispatches the email
	// skill (offline backend, fallback response), and the validator retires
	// the task.
	donePath := filepath.Join(store.DoneDir(), "announce_launch.md")
	require.Eventually(t, func() bool {
		file, err := task.Read(donePath)
		return err == nil && file.Status() == task.StatusDone
	}, 10*time.Second, 25*time.Millisecond, "task never reached done")

	final, err := task.Read(donePath)
	require.NoError(t, err)
	assert.Equal(t, "true", final.Header.Value(task.FieldApproved))
	assert.Equal(t, "Ada", final.Header.Value(task.FieldApprovedBy))
	assert.NotEmpty(t, final.Header.Value(task.FieldCompleted))
	results, ok := final.Section(task.SectionExecutionResults)
	require.True(t, ok)
	assert.Contains(t, results, "queued")
}

func TestCompletedTaskReplayedIsNotReExecuted(t *testing.T) {
	app, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer app.Stop(context.Background())

	store := app.store
	// A task that already carries results, re-placed into its domain as if an
	// operator dragged it back.
	replayPath := filepath.Join(store.DomainDir("Business", "marketing"), "replayed.md")
	require.NoError(t, os.WriteFile(replayPath, []byte(`---
title: Replayed announcement
status: needs_action
domain: Business
domain_category: marketing
---

Announce the campaign.

## Execution Results

Completed last week.
`), 0o644))

	donePath := filepath.Join(store.DoneDir(), "replayed.md")
	require.Eventually(t, func() bool {
		file, err := task.Read(donePath)
		return err == nil && file.Status() == task.StatusDone
	}, 10*time.Second, 25*time.Millisecond, "replayed task never retired")

	final, err := task.Read(donePath)
	require.NoError(t, err)
	count := strings.Count(final.Body, "## "+task.SectionExecutionResults)
	assert.Equal(t, 1, count, "results section must appear exactly once")
	assert.Contains(t, final.Body, "Completed last week.")
}
