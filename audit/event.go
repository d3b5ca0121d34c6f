// Package audit provides the append-only event stream: structured records
// written one JSON object per line into files partitioned by category and
// month. Records are immutable once written.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category partitions the audit stream. The set is closed.
type Category string

const (
	CategoryTaskLifecycle Category = "task_lifecycle"
	CategoryAgentDecision Category = "agent_decision"
	CategoryMCPCall       Category = "mcp_call"
	CategoryFailure       Category = "failure"
	CategoryRetry         Category = "retry"
	CategorySystem        Category = "system"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryTaskLifecycle,
	CategoryAgentDecision,
	CategoryMCPCall,
	CategoryFailure,
	CategoryRetry,
	CategorySystem,
}

// Known reports whether c is one of the declared categories.
func (c Category) Known() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Event is a single audit record. Timestamp, Category, Event, AgentID and
// SessionID are required on every record; CorrelationID ties together all
// events for one task.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Category      Category       `json:"category"`
	Event         string         `json:"event"`
	AgentID       string         `json:"agent_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SessionID     string         `json:"session_id"`
	Details       map[string]any `json:"details,omitempty"`
}

// Validate checks the required record keys.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("audit event: timestamp is required")
	}
	if !e.Category.Known() {
		return fmt.Errorf("audit event: unknown category %q", e.Category)
	}
	if e.Event == "" {
		return fmt.Errorf("audit event: event name is required")
	}
	if e.AgentID == "" {
		return fmt.Errorf("audit event: agent_id is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("audit event: session_id is required")
	}
	return nil
}

// MarshalLine renders the event as a single JSON line (no trailing newline).
func (e *Event) MarshalLine() ([]byte, error) {
	return json.Marshal(e)
}

// ParseLine parses one audit log line.
func ParseLine(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("parse audit line: %w", err)
	}
	return &e, nil
}

// Partition returns the relative log path for a category at a point in time:
// <category>/<YYYY-MM>/<category>.log.
func Partition(category Category, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.log", category, at.UTC().Format("2006-01"), category)
}
