package autonomy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

// GoalStatus enumerates checkpoint terminal and non-terminal states.
type GoalStatus string

const (
	GoalRunning  GoalStatus = "running"
	GoalComplete GoalStatus = "complete"
	GoalBlocked  GoalStatus = "blocked"
	GoalFailed   GoalStatus = "failed"
)

// Terminal reports whether the goal will never make further progress.
func (s GoalStatus) Terminal() bool {
	return s == GoalComplete || s == GoalBlocked || s == GoalFailed
}

// StepState is the persisted execution record of one step.
type StepState struct {
	ID        string         `json:"id"`
	Status    StepStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Metrics aggregates goal progress for dashboards and post-mortems. The
// counters accumulate across resumes; the derived fields are recomputed on
// every persist.
type Metrics struct {
	TotalSteps     int   `json:"total_steps"`
	CompletedSteps int   `json:"completed_steps"`
	RetryCount     int   `json:"retry_count"`
	RecoveryCount  int   `json:"recovery_count"`
	DurationMS     int64 `json:"duration_ms"`
}

// Checkpoint is the durable state of one goal. It is rewritten after every
// step transition so a crashed process can resume mid-plan.
type Checkpoint struct {
	Goal      string                `json:"goal"`
	Slug      string                `json:"slug"`
	Status    GoalStatus            `json:"status"`
	Iteration int                   `json:"iteration"`
	Plan      *Plan                 `json:"plan"`
	Steps     map[string]*StepState `json:"steps"`
	Variables map[string]any        `json:"variables,omitempty"`
	Metrics   Metrics               `json:"metrics"`
	StartedAt time.Time             `json:"started_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewCheckpoint seeds a fresh checkpoint with every step pending.
func NewCheckpoint(plan *Plan) *Checkpoint {
	now := time.Now().UTC()
	cp := &Checkpoint{
		Goal:      plan.Goal,
		Slug:      Slugify(plan.Goal),
		Status:    GoalRunning,
		Plan:      plan,
		Steps:     make(map[string]*StepState, len(plan.Steps)),
		Variables: make(map[string]any),
		Metrics:   Metrics{TotalSteps: len(plan.Steps)},
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, step := range plan.Steps {
		cp.Steps[step.ID] = &StepState{ID: step.ID, Status: StepPending, UpdatedAt: now}
	}
	return cp
}

// Slugify reduces a goal name to a filesystem-safe key.
func Slugify(goal string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(goal) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "goal"
	}
	if len(slug) > 80 {
		slug = slug[:80]
	}
	return slug
}

// CheckpointStore persists checkpoints under a directory, one JSON file per
// goal slug.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates the directory if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

func (s *CheckpointStore) path(slug string) string {
	return filepath.Join(s.dir, "state_"+slug+".json")
}

// Save writes the checkpoint atomically.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.Slug, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint %s: %w", cp.Slug, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint %s: %w", cp.Slug, err)
	}
	if err := os.Rename(tmpName, s.path(cp.Slug)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint %s: %w", cp.Slug, err)
	}
	return nil
}

// Load reads a checkpoint by goal slug.
func (s *CheckpointStore) Load(slug string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(slug))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", slug, err)
	}
	return &cp, nil
}

// Resumable lists slugs of checkpoints that are not terminal, sorted.
func (s *CheckpointStore) Resumable() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		slug := strings.TrimSuffix(strings.TrimPrefix(name, "state_"), ".json")
		cp, err := s.Load(slug)
		if err != nil {
			continue
		}
		if !cp.Status.Terminal() {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes a checkpoint file.
func (s *CheckpointStore) Remove(slug string) error {
	err := os.Remove(s.path(slug))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
