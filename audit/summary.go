package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// summaryDirName is the directory under the audit root holding daily
// summaries.
const summaryDirName = "summary"

// ErrorPattern is one mined failure pattern: an error type and how often it
// occurred.
type ErrorPattern struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

// Summarizer produces human-readable daily summaries and mines failure
// patterns from the audit stream.
type Summarizer struct {
	reader *Reader
	root   string
}

// NewSummarizer creates a summarizer over an audit root.
func NewSummarizer(root string) *Summarizer {
	return &Summarizer{reader: NewReader(root), root: root}
}

// WriteDailySummary tallies per-category counts and top error kinds for one
// UTC day and writes summary/daily_audit_summary_<YYYY-MM-DD>.md. Returns the
// summary path.
func (s *Summarizer) WriteDailySummary(day time.Time) (string, error) {
	day = day.UTC()
	counts := make(map[Category]int)
	for _, category := range Categories {
		events, err := s.reader.ReadDay(category, day)
		if err != nil {
			return "", err
		}
		counts[category] = len(events)
	}

	patterns, err := s.MineFailurePatterns(day.AddDate(0, -1, 0), 5)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Audit Summary — %s\n\n", day.Format("2006-01-02"))
	b.WriteString("## Event Counts\n\n")
	b.WriteString("| Category | Events |\n|---|---|\n")
	for _, category := range Categories {
		fmt.Fprintf(&b, "| %s | %d |\n", category, counts[category])
	}
	b.WriteString("\n## Top Error Patterns (last month)\n\n")
	if len(patterns) == 0 {
		b.WriteString("No failures recorded.\n")
	} else {
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s: %d\n", p.ErrorType, p.Count)
		}
	}

	dir := filepath.Join(s.root, summaryDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("daily_audit_summary_%s.md", day.Format("2006-01-02")))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace summary: %w", err)
	}
	return path, nil
}

// MineFailurePatterns counts error_type frequencies across failure events
// newer than since and returns the top n.
func (s *Summarizer) MineFailurePatterns(since time.Time, n int) ([]ErrorPattern, error) {
	events, err := s.reader.ReadSince(CategoryFailure, since)
	if err != nil {
		return nil, err
	}
	freq := make(map[string]int)
	for _, e := range events {
		errorType := "unknown"
		if e.Details != nil {
			if v, ok := e.Details["error_type"].(string); ok && v != "" {
				errorType = v
			}
		}
		freq[errorType]++
	}
	patterns := make([]ErrorPattern, 0, len(freq))
	for k, v := range freq {
		patterns = append(patterns, ErrorPattern{ErrorType: k, Count: v})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].ErrorType < patterns[j].ErrorType
	})
	if n > 0 && len(patterns) > n {
		patterns = patterns[:n]
	}
	return patterns, nil
}
