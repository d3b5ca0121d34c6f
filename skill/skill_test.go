package skill

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Entry{Handler: func(ctx context.Context, in Input) (Result, error) {
		return Result{Success: true}, nil
	}}))
	assert.Error(t, r.Register(Entry{SkillID: "email"}))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Entry{
		SkillID:          "email",
		RequiresApproval: true,
		Priority:         "high",
		Handler: func(ctx context.Context, in Input) (Result, error) {
			return Result{Success: true}, nil
		},
	}))
	require.NoError(t, r.Register(Entry{
		SkillID: "general",
		Handler: func(ctx context.Context, in Input) (Result, error) {
			return Result{Success: true}, nil
		},
	}))

	entry, err := r.Get("email")
	require.NoError(t, err)
	assert.True(t, entry.RequiresApproval)
	assert.Equal(t, "high", entry.Priority)

	entry, err = r.Get("general")
	require.NoError(t, err)
	assert.Equal(t, "normal", entry.Priority)

	_, err = r.Get("telepathy")
	assert.ErrorIs(t, err, ErrUnknownSkill)

	assert.True(t, r.Has("email"))
	assert.False(t, r.Has("telepathy"))
	assert.Equal(t, []string{"email", "general"}, r.IDs())
}

func TestInvokePassesNormalizedInput(t *testing.T) {
	r := NewRegistry()
	var got Input
	require.NoError(t, r.Register(Entry{
		SkillID: "research",
		Handler: func(ctx context.Context, in Input) (Result, error) {
			got = in
			return Result{Success: true, Output: "findings", Deliverables: []string{"report.md"}}, nil
		},
	}))

	result, err := r.Invoke(context.Background(), "research", Input{
		Title:    "Market scan",
		Priority: "standard",
		Body:     "look into it",
		Header:   map[string]string{"status": "in_progress"},
		Path:     "/tmp/task.md",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "findings", result.Output)
	assert.Equal(t, "Market scan", got.Title)
	assert.Equal(t, "/tmp/task.md", got.Path)
}

func TestInvokeFoldsHandlerError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Entry{
		SkillID: "email",
		Handler: func(ctx context.Context, in Input) (Result, error) {
			return Result{}, errors.New("smtp refused")
		},
	}))

	result, err := r.Invoke(context.Background(), "email", Input{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "smtp refused", result.Error)
}

func TestInvokeUnknownSkillIsHardError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "telepathy", Input{})
	assert.ErrorIs(t, err, ErrUnknownSkill)
}

func TestInvokeFailureWithoutDetailGetsPlaceholder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Entry{
		SkillID: "flaky",
		Handler: func(ctx context.Context, in Input) (Result, error) {
			return Result{Success: false}, nil
		},
	}))
	result, err := r.Invoke(context.Background(), "flaky", Input{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Error)
}
