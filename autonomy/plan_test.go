package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	valid := &Plan{
		Goal: "ship release",
		Steps: []Step{
			{ID: "build", Action: "noop"},
			{ID: "test", Action: "noop", DependsOn: []string{"build"}},
			{ID: "publish", Action: "noop", DependsOn: []string{"test"}},
		},
	}
	require.NoError(t, valid.Validate())

	assert.Error(t, (&Plan{Goal: "", Steps: []Step{{ID: "a", Action: "noop"}}}).Validate())
	assert.Error(t, (&Plan{Goal: "g"}).Validate())
	assert.Error(t, (&Plan{Goal: "g", Steps: []Step{{ID: "", Action: "noop"}}}).Validate())
	assert.Error(t, (&Plan{Goal: "g", Steps: []Step{{ID: "a", Action: ""}}}).Validate())

	dup := &Plan{Goal: "g", Steps: []Step{
		{ID: "a", Action: "noop"},
		{ID: "a", Action: "noop"},
	}}
	assert.ErrorContains(t, dup.Validate(), "duplicate")

	missing := &Plan{Goal: "g", Steps: []Step{
		{ID: "a", Action: "noop", DependsOn: []string{"ghost"}},
	}}
	assert.ErrorContains(t, missing.Validate(), "unknown dependency")

	cycle := &Plan{Goal: "g", Steps: []Step{
		{ID: "a", Action: "noop", DependsOn: []string{"b"}},
		{ID: "b", Action: "noop", DependsOn: []string{"a"}},
	}}
	assert.ErrorContains(t, cycle.Validate(), "cycle")
}

func TestReadySetsPartition(t *testing.T) {
	plan := &Plan{
		Goal: "g",
		Steps: []Step{
			{ID: "fetch", Action: "noop"},
			{ID: "scan-a", Action: "noop", DependsOn: []string{"fetch"}, ParallelGroup: "scan"},
			{ID: "scan-b", Action: "noop", DependsOn: []string{"fetch"}, ParallelGroup: "scan"},
			{ID: "report", Action: "noop", DependsOn: []string{"scan-a", "scan-b"}},
		},
	}
	require.NoError(t, plan.Validate())

	cp := NewCheckpoint(plan)
	seq, groups := plan.readySets(cp.Steps)
	assert.Equal(t, []string{"fetch"}, seq)
	assert.Empty(t, groups)

	cp.Steps["fetch"].Status = StepComplete
	seq, groups = plan.readySets(cp.Steps)
	assert.Empty(t, seq)
	assert.Equal(t, []string{"scan-a", "scan-b"}, groups["scan"])

	// Skipped dependencies satisfy downstream steps.
	cp.Steps["scan-a"].Status = StepSkipped
	cp.Steps["scan-b"].Status = StepComplete
	seq, groups = plan.readySets(cp.Steps)
	assert.Equal(t, []string{"report"}, seq)
	assert.Empty(t, groups)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "ship-release-v2", Slugify("Ship Release v2!"))
	assert.Equal(t, "goal", Slugify("???"))
	assert.Equal(t, "a-b", Slugify("  a   b  "))
}
