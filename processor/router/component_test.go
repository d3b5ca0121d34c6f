package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/task"
)

func newTestComponent(t *testing.T) (*Component, *task.Store) {
	t.Helper()
	store := task.NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout(DefaultConfig().DomainCategories))

	component, err := NewComponent(nil, runtime.Dependencies{Store: store})
	require.NoError(t, err)
	return component.(*Component), store
}

func writeInboxTask(t *testing.T, store *task.Store, name, content string) string {
	t.Helper()
	path := filepath.Join(store.InboxDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestClassifyExplicitDomain(t *testing.T) {
	component, _ := newTestComponent(t)
	file := &task.File{Header: task.NewHeader(), Body: "note to self"}
	file.Header.Set(task.FieldStatus, "received")
	file.Header.Set(task.FieldDomain, "Personal")

	decision := component.Classify(file)
	assert.Equal(t, "Personal", decision.Domain)
	assert.Equal(t, "explicit", decision.Category)
	assert.Equal(t, 1.0, decision.Confidence)
}

func TestExplicitDomainRoutesToExplicitCategory(t *testing.T) {
	component, store := newTestComponent(t)
	writeInboxTask(t, store, "pinned.md", `---
title: Pinned note
status: received
domain: Personal
---

note to self
`)

	component.Sweep(context.Background())

	routed := filepath.Join(store.DomainDir("Personal", "explicit"), "pinned.md")
	file, err := task.Read(routed)
	require.NoError(t, err)
	assert.Equal(t, "explicit", file.Header.Value(task.FieldDomainCategory))
	assert.Equal(t, "1.00", file.Header.Value(task.FieldDomainConfidence))
}

func TestClassifyByKeywords(t *testing.T) {
	component, _ := newTestComponent(t)
	file := &task.File{Header: task.NewHeader(), Body: "Prepare the invoice for the client meeting about the campaign launch"}
	file.Header.Set(task.FieldStatus, "received")
	file.Header.Set(task.FieldTitle, "Quarterly report")

	decision := component.Classify(file)
	assert.Equal(t, "Business", decision.Domain)
	assert.Greater(t, decision.Confidence, 0.5)
	assert.NotEmpty(t, decision.MatchedKeywords)
	assert.False(t, decision.CrossDomain)
}

func TestClassifyTieUsesSkillVote(t *testing.T) {
	component, _ := newTestComponent(t)
	// One hit per domain: invoice (Business) and doctor (Personal).
	file := &task.File{Header: task.NewHeader(), Body: "invoice and doctor"}
	file.Header.Set(task.FieldStatus, "received")
	file.Header.Set(task.FieldSkill, "journal")

	decision := component.Classify(file)
	assert.Equal(t, "Personal", decision.Domain)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.True(t, decision.CrossDomain)
	assert.Equal(t, "Business", decision.SecondaryDomain)
}

func TestClassifyNoSignalFallsBackToDefault(t *testing.T) {
	component, _ := newTestComponent(t)
	file := &task.File{Header: task.NewHeader(), Body: "xyzzy"}
	file.Header.Set(task.FieldStatus, "received")

	decision := component.Classify(file)
	assert.Equal(t, "Business", decision.Domain)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.Equal(t, "general", decision.Category)
}

func TestSweepRoutesInboxTask(t *testing.T) {
	component, store := newTestComponent(t)
	writeInboxTask(t, store, "launch.md", `---
title: Announce Launch
status: received
skill: email
priority: standard
---

Send the launch campaign announcement to subscribers@example.com.
`)

	component.Sweep(context.Background())

	// Inbox is empty afterwards.
	pending, err := store.ListPending(store.InboxDir())
	require.NoError(t, err)
	assert.Empty(t, pending)

	routed := filepath.Join(store.DomainDir("Business", "marketing"), "launch.md")
	file, err := task.Read(routed)
	require.NoError(t, err)
	assert.Equal(t, task.StatusClassified, file.Status())
	assert.Equal(t, "Business", file.Header.Value(task.FieldDomain))
	assert.Equal(t, "marketing", file.Header.Value(task.FieldDomainCategory))
	assert.NotEmpty(t, file.Header.Value(task.FieldRoutedAt))
	assert.NotEmpty(t, file.Header.Value(task.FieldDomainConfidence))

	// Routing log received an entry.
	logData, err := os.ReadFile(filepath.Join(store.LogsDir(), "activity_log.md"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(logData), "launch.md"))
}

func TestSweepQuarantinesMalformedTask(t *testing.T) {
	component, store := newTestComponent(t)
	writeInboxTask(t, store, "broken.md", "no header at all\n")

	component.Sweep(context.Background())

	pending, err := store.ListPending(store.InboxDir())
	require.NoError(t, err)
	assert.Empty(t, pending)

	data, err := os.ReadFile(filepath.Join(store.DoneDir(), "broken.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Error")
	assert.Equal(t, int64(1), component.tasksMalformed.Load())
}

func TestSweepIsIdempotentPerFile(t *testing.T) {
	component, store := newTestComponent(t)
	writeInboxTask(t, store, "task.md", `---
title: Pay invoice
status: received
---

Pay the invoice before the deadline.
`)

	component.Sweep(context.Background())
	component.Sweep(context.Background())

	assert.Equal(t, int64(1), component.tasksRouted.Load())
}

func TestComponentLifecycle(t *testing.T) {
	component, _ := newTestComponent(t)
	ctx := context.Background()

	require.NoError(t, component.Initialize(ctx))
	require.NoError(t, component.Start(ctx))
	assert.Error(t, component.Start(ctx))

	health := component.Health()
	assert.True(t, health.Running)
	assert.Equal(t, "domain-router", health.Name)

	require.NoError(t, component.Stop(ctx))
	require.NoError(t, component.Stop(ctx))
	assert.False(t, component.Health().Running)
}

func TestWatchEventRoutesWithoutPolling(t *testing.T) {
	store := task.NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout(DefaultConfig().DomainCategories))

	raw := []byte(`{"poll_interval": 3600000000000, "watch_enabled": true, "watch_debounce": 10000000}`)
	built, err := NewComponent(raw, runtime.Dependencies{Store: store})
	require.NoError(t, err)
	component := built.(*Component)

	ctx := context.Background()
	require.NoError(t, component.Initialize(ctx))
	require.NoError(t, component.Start(ctx))
	defer component.Stop(ctx)

	writeInboxTask(t, store, "watched.md", `---
title: Pay invoice
status: received
---

Pay the invoice before the deadline.
`)

	routed := filepath.Join(store.DomainDir("Business", "accounting"), "watched.md")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(routed)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "watch event should beat the hour-long poll")
}

func TestFactoryValidation(t *testing.T) {
	_, err := NewComponent([]byte(`{"default_domain":"Ghost"}`), runtime.Dependencies{})
	assert.Error(t, err)

	_, err = NewComponent([]byte(`not json`), runtime.Dependencies{})
	assert.Error(t, err)
}
