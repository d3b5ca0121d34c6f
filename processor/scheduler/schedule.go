// Package scheduler emits recurring tasks from a declarative schedule file.
// Entries fire on five-field cron expressions or fixed intervals; per-date
// exceptions skip or force runs, and run state persists across restarts.
package scheduler

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Schedule entry types.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
)

// Exception actions.
const (
	ExceptionSkip = "skip"
	ExceptionRun  = "run"
)

// Entry is one declared recurring task.
type Entry struct {
	// Schedule is a five-field cron expression, or an interval in seconds
	// when Type is interval.
	Schedule    string `yaml:"schedule"`
	Type        string `yaml:"type"`
	Action      string `yaml:"action"`
	Enabled     bool   `yaml:"enabled"`
	Description string `yaml:"description,omitempty"`
}

// Exception suspends or forces scheduling on one calendar date.
type Exception struct {
	Date   string `yaml:"date"` // YYYY-MM-DD
	Action string `yaml:"action"`
	Reason string `yaml:"reason,omitempty"`
}

// Schedule is the full declarative schedule file.
type Schedule struct {
	Tasks      map[string]Entry `yaml:"tasks"`
	Exceptions []Exception      `yaml:"exceptions,omitempty"`
}

// cronParser accepts the classic five-field grammar only.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks every entry parses.
func (s *Schedule) Validate() error {
	for name, entry := range s.Tasks {
		switch entry.Type {
		case TypeCron:
			if _, err := cronParser.Parse(entry.Schedule); err != nil {
				return fmt.Errorf("task %s: invalid cron expression %q: %w", name, entry.Schedule, err)
			}
		case TypeInterval:
			var seconds int
			if _, err := fmt.Sscanf(entry.Schedule, "%d", &seconds); err != nil || seconds <= 0 {
				return fmt.Errorf("task %s: interval must be a positive number of seconds, got %q", name, entry.Schedule)
			}
		default:
			return fmt.Errorf("task %s: unknown type %q", name, entry.Type)
		}
		if entry.Action == "" {
			return fmt.Errorf("task %s: action is required", name)
		}
	}
	for _, exc := range s.Exceptions {
		if _, err := time.Parse("2006-01-02", exc.Date); err != nil {
			return fmt.Errorf("exception date %q: %w", exc.Date, err)
		}
		if exc.Action != ExceptionSkip && exc.Action != ExceptionRun {
			return fmt.Errorf("exception %s: action must be %s or %s", exc.Date, ExceptionSkip, ExceptionRun)
		}
	}
	return nil
}

// ExceptionFor returns the exception covering the given day, if any.
func (s *Schedule) ExceptionFor(day time.Time) (Exception, bool) {
	date := day.Format("2006-01-02")
	for _, exc := range s.Exceptions {
		if exc.Date == date {
			return exc, true
		}
	}
	return Exception{}, false
}

// NextRun computes the entry's next fire time strictly after the given time.
func (e Entry) NextRun(after time.Time) (time.Time, error) {
	switch e.Type {
	case TypeCron:
		sched, err := cronParser.Parse(e.Schedule)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	case TypeInterval:
		var seconds int
		if _, err := fmt.Sscanf(e.Schedule, "%d", &seconds); err != nil {
			return time.Time{}, fmt.Errorf("parse interval %q: %w", e.Schedule, err)
		}
		return after.Add(time.Duration(seconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", e.Type)
	}
}

// DefaultSchedule is written when no schedule file exists.
func DefaultSchedule() Schedule {
	return Schedule{
		Tasks: map[string]Entry{
			"daily_review": {
				Schedule:    "0 9 * * *",
				Type:        TypeCron,
				Action:      "emit_task",
				Enabled:     true,
				Description: "Review yesterday's completed and failed tasks",
			},
			"weekly_report": {
				Schedule:    "0 8 * * 1",
				Type:        TypeCron,
				Action:      "emit_task",
				Enabled:     true,
				Description: "Compile the weekly status report",
			},
			"audit_summary": {
				Schedule:    "15 0 * * *",
				Type:        TypeCron,
				Action:      "audit_summary",
				Enabled:     true,
				Description: "Write yesterday's audit summary",
			},
			"audit_prune": {
				Schedule:    "45 0 * * 0",
				Type:        TypeCron,
				Action:      "audit_prune",
				Enabled:     true,
				Description: "Prune audit partitions past retention",
			},
		},
	}
}

// LoadSchedule reads the schedule file, creating the default when missing.
func LoadSchedule(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		schedule := DefaultSchedule()
		if err := SaveSchedule(path, schedule); err != nil {
			return Schedule{}, fmt.Errorf("write default schedule: %w", err)
		}
		return schedule, nil
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("read schedule: %w", err)
	}
	var schedule Schedule
	if err := yaml.Unmarshal(data, &schedule); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule: %w", err)
	}
	if schedule.Tasks == nil {
		schedule.Tasks = make(map[string]Entry)
	}
	if err := schedule.Validate(); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}

// SaveSchedule writes the schedule file.
func SaveSchedule(path string, schedule Schedule) error {
	data, err := yaml.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
