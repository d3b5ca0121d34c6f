package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/processor/approval"
	"github.com/c360studio/mdflow/runtime"
	"github.com/c360studio/mdflow/skill"
	"github.com/c360studio/mdflow/task"
)

func newTestComponent(t *testing.T) (*Component, *task.Store, *skill.Registry) {
	t.Helper()
	store := task.NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout(map[string][]string{
		"Business": {"marketing"},
	}))
	skills := skill.NewRegistry()
	component, err := NewComponent(nil, runtime.Dependencies{Store: store, Skills: skills})
	require.NoError(t, err)
	return component.(*Component), store, skills
}

func registerCountingSkill(t *testing.T, skills *skill.Registry, id string, result skill.Result) *atomic.Int64 {
	t.Helper()
	calls := &atomic.Int64{}
	require.NoError(t, skills.Register(skill.Entry{
		SkillID: id,
		Handler: func(ctx context.Context, input skill.Input) (skill.Result, error) {
			calls.Add(1)
			return result, nil
		},
	}))
	return calls
}

func writeDomainTask(t *testing.T, store *task.Store, name, content string) string {
	t.Helper()
	path := filepath.Join(store.DomainDir("Business", "marketing"), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDispatchRunsSkillAndRecordsResults(t *testing.T) {
	component, store, skills := newTestComponent(t)
	calls := registerCountingSkill(t, skills, "general", skill.Result{
		Success:      true,
		Output:       "Newsletter drafted and queued.",
		Deliverables: []string{"draft.md"},
	})
	path := writeDomainTask(t, store, "newsletter.md", `---
title: Draft newsletter
status: planned
---

Write the May newsletter.
`)

	component.Sweep(context.Background())

	assert.Equal(t, int64(1), calls.Load())
	file, err := task.Read(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, file.Status())
	section, ok := file.Section(task.SectionExecutionResults)
	require.True(t, ok)
	assert.Contains(t, section, "Newsletter drafted and queued.")
	assert.Contains(t, section, "- draft.md")
	assert.Equal(t, int64(1), component.tasksCompleted.Load())
}

func TestExistingResultsShortCircuitDispatch(t *testing.T) {
	component, store, skills := newTestComponent(t)
	calls := registerCountingSkill(t, skills, "general", skill.Result{Success: true})
	path := writeDomainTask(t, store, "replayed.md", `---
title: Replayed task
status: needs_action
---

Body.

## Execution Results

Already executed last week.
`)

	component.Sweep(context.Background())

	assert.Equal(t, int64(0), calls.Load(), "handler must not run again")
	file, err := task.Read(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, file.Status())
	assert.Equal(t, 1, strings.Count(file.Body, "## "+task.SectionExecutionResults))
	assert.Equal(t, int64(1), component.tasksSkipped.Load())
}

func TestUnknownSkillFailsTask(t *testing.T) {
	component, store, _ := newTestComponent(t)
	path := writeDomainTask(t, store, "orphan.md", `---
title: Orphan
status: planned
skill: telepathy
---

Nobody implements this.
`)

	component.Sweep(context.Background())

	file, err := task.Read(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, file.Status())
	section, ok := file.Section(task.SectionError)
	require.True(t, ok)
	assert.Contains(t, section, "telepathy")
}

func TestPlanSkillBeatsHeaderSkill(t *testing.T) {
	component, store, skills := newTestComponent(t)
	planCalls := registerCountingSkill(t, skills, "code", skill.Result{Success: true, Output: "done"})
	headerCalls := registerCountingSkill(t, skills, "email", skill.Result{Success: true, Output: "done"})
	writeDomainTask(t, store, "planned.md", `---
title: Fix the bug
status: planned
skill: email
---

Body.

## Execution Plan

**Skill**: code

1. Fix it
`)

	component.Sweep(context.Background())

	assert.Equal(t, int64(1), planCalls.Load())
	assert.Equal(t, int64(0), headerCalls.Load())
}

func TestContentResolutionFallsToDefault(t *testing.T) {
	component, _, _ := newTestComponent(t)
	file := &task.File{Header: task.NewHeader(), Body: "Water the office plants."}
	id, source := component.resolveSkill(file)
	assert.Equal(t, "general", id)
	assert.Equal(t, "default", source)

	file.Body = "Please send to the recipient list."
	id, source = component.resolveSkill(file)
	assert.Equal(t, "email", id)
	assert.Equal(t, "content", source)
}

func TestSensitiveSkillDiverted(t *testing.T) {
	component, store, skills := newTestComponent(t)
	calls := &atomic.Int64{}
	require.NoError(t, skills.Register(skill.Entry{
		SkillID:          "email",
		RequiresApproval: true,
		Handler: func(ctx context.Context, input skill.Input) (skill.Result, error) {
			calls.Add(1)
			return skill.Result{Success: true}, nil
		},
	}))
	writeDomainTask(t, store, "announce.md", `---
title: Customer announcement
status: planned
skill: email
---

Send the announcement to all customers.
`)

	component.Sweep(context.Background())

	assert.Equal(t, int64(0), calls.Load())
	moved := filepath.Join(store.ApprovalDir(), "announce.md")
	file, err := task.Read(moved)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPendingApproval, file.Status())
	_, err = os.Stat(filepath.Join(store.ApprovalDir(), approval.ArtifactPrefix+"announce.md"))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), component.tasksDiverted.Load())
}

func TestGrantedApprovalClearsGate(t *testing.T) {
	component, store, skills := newTestComponent(t)
	calls := &atomic.Int64{}
	require.NoError(t, skills.Register(skill.Entry{
		SkillID:          "email",
		RequiresApproval: true,
		Handler: func(ctx context.Context, input skill.Input) (skill.Result, error) {
			calls.Add(1)
			return skill.Result{Success: true, Output: "sent"}, nil
		},
	}))
	path := writeDomainTask(t, store, "approved.md", `---
title: Approved announcement
status: approved
skill: email
approved: true
approved_by: dana
---

Send it.
`)

	component.Sweep(context.Background())

	assert.Equal(t, int64(1), calls.Load())
	file, err := task.Read(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, file.Status())
}

func TestUrgentPriorityIsGated(t *testing.T) {
	component, store, skills := newTestComponent(t)
	registerCountingSkill(t, skills, "general", skill.Result{Success: true})
	writeDomainTask(t, store, "urgent.md", `---
title: Urgent cleanup
status: planned
priority: urgent
---

Tidy the archive.
`)

	component.Sweep(context.Background())

	file, err := task.Read(filepath.Join(store.ApprovalDir(), "urgent.md"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPendingApproval, file.Status())
}

func TestFailingSkillFailsTask(t *testing.T) {
	component, store, skills := newTestComponent(t)
	registerCountingSkill(t, skills, "general", skill.Result{Success: false, Error: "upstream refused"})
	path := writeDomainTask(t, store, "doomed.md", `---
title: Doomed
status: planned
---

Body.
`)

	component.Sweep(context.Background())

	file, err := task.Read(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, file.Status())
	section, ok := file.Section(task.SectionError)
	require.True(t, ok)
	assert.Contains(t, section, "upstream refused")
	assert.Equal(t, int64(1), component.tasksFailed.Load())
}

func TestComponentLifecycle(t *testing.T) {
	component, _, _ := newTestComponent(t)
	ctx := context.Background()

	require.NoError(t, component.Initialize(ctx))
	require.NoError(t, component.Start(ctx))
	assert.True(t, component.Health().Running)
	require.NoError(t, component.Stop(ctx))
	assert.False(t, component.Health().Running)
}
