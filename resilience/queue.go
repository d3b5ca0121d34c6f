package resilience

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const deadLetterDir = "dead_letter"

// QueuedJob is one persisted failure-queue entry. Any component may enqueue;
// only the controller's dequeue loop consumes.
type QueuedJob struct {
	AgentID    string         `json:"agent_id"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
}

// FailureQueue is the on-disk queue of jobs whose primary and fallback both
// failed. Entries are retried a bounded number of times, then dead-lettered.
type FailureQueue struct {
	dir        string
	maxRetries int
}

// NewFailureQueue creates a failure queue rooted at dir.
func NewFailureQueue(dir string, maxRetries int) (*FailureQueue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if err := os.MkdirAll(filepath.Join(dir, deadLetterDir), 0o755); err != nil {
		return nil, fmt.Errorf("create failure queue: %w", err)
	}
	return &FailureQueue{dir: dir, maxRetries: maxRetries}, nil
}

// Enqueue persists a job as queue_<agent>_<epoch>.json.
func (q *FailureQueue) Enqueue(job QueuedJob) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	name := fmt.Sprintf("queue_%s_%d.json", sanitizeAgent(job.AgentID), job.EnqueuedAt.UnixNano())
	path := filepath.Join(q.dir, name)
	if err := q.writeJob(path, job); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the queued entry paths, oldest first.
func (q *FailureQueue) List() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list failure queue: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "queue_") && strings.HasSuffix(name, ".json") {
			paths = append(paths, filepath.Join(q.dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Load reads one queued job.
func (q *FailureQueue) Load(path string) (*QueuedJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queued job: %w", err)
	}
	var job QueuedJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse queued job %s: %w", filepath.Base(path), err)
	}
	return &job, nil
}

// Complete removes a successfully re-attempted job.
func (q *FailureQueue) Complete(path string) error {
	return os.Remove(path)
}

// Fail records another failed re-attempt. When the retry bound is reached the
// entry moves to the dead-letter directory; the returned bool reports whether
// it was dead-lettered.
func (q *FailureQueue) Fail(path string, job *QueuedJob, cause error) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempts >= q.maxRetries {
		dest := filepath.Join(q.dir, deadLetterDir, filepath.Base(path))
		if err := q.writeJob(dest, *job); err != nil {
			return false, err
		}
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("remove dead-lettered job: %w", err)
		}
		return true, nil
	}
	return false, q.writeJob(path, *job)
}

// DeadLetters returns the dead-lettered entry paths.
func (q *FailureQueue) DeadLetters() ([]string, error) {
	dir := filepath.Join(q.dir, deadLetterDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (q *FailureQueue) writeJob(path string, job QueuedJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queued job: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queued job: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace queued job: %w", err)
	}
	return nil
}

func sanitizeAgent(agentID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, agentID)
}
