package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360studio/mdflow/task"
)

// StateFileName is the scheduler's persisted run state under Logs/.
const StateFileName = "scheduler_state.json"

// EntryState is the per-task run history persisted between ticks.
type EntryState struct {
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
}

// State maps schedule entry names to their run history.
type State struct {
	Entries map[string]*EntryState `json:"entries"`
	SavedAt time.Time              `json:"saved_at,omitzero"`
}

// LoadState reads persisted state; a missing file yields empty state.
func LoadState(path string) (*State, error) {
	state := &State{Entries: make(map[string]*EntryState)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse scheduler state: %w", err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*EntryState)
	}
	return state, nil
}

// Save persists state atomically.
func (s *State) Save(path string) error {
	s.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}
	return task.WriteAtomic(path, string(data))
}

// Entry returns the state record for a name, creating it when absent.
func (s *State) Entry(name string) *EntryState {
	entry, ok := s.Entries[name]
	if !ok {
		entry = &EntryState{}
		s.Entries[name] = entry
	}
	return entry
}
