package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxBatch is the largest number of events flushed in one pass.
	maxBatch = 100

	// queueBuffer is the size of the in-memory event queue.
	queueBuffer = 1024

	stateFileName = "audit_state.json"
)

// Config holds audit stream configuration.
type Config struct {
	// Root is the audit directory root.
	Root string `json:"root"`

	// FlushInterval is how often queued events are flushed to disk.
	FlushInterval time.Duration `json:"flush_interval"`

	// SnapshotInterval is how often counters are snapshotted to disk.
	SnapshotInterval time.Duration `json:"snapshot_interval"`
}

// DefaultConfig returns sensible audit defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:             root,
		FlushInterval:    2 * time.Second,
		SnapshotInterval: time.Minute,
	}
}

// State is the periodically snapshotted counter state.
type State struct {
	TotalEvents int64            `json:"total_events"`
	ByCategory  map[Category]int64 `json:"by_category"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Logger is the audit stream writer. Events are queued in memory and flushed
// in batches by a dedicated worker; a dropped event is counted, never blocks
// the producer.
type Logger struct {
	config    Config
	logger    *slog.Logger
	sessionID string

	queue   chan Event
	dropped atomic.Int64

	mu       sync.Mutex
	counters map[Category]int64
	total    int64

	wg      sync.WaitGroup
	started atomic.Bool
}

// NewLogger creates an audit logger rooted at config.Root. One session id is
// stamped on every record the logger writes.
func NewLogger(config Config, sessionID string, logger *slog.Logger) (*Logger, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("audit root is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create audit root: %w", err)
	}
	return &Logger{
		config:    config,
		logger:    logger,
		sessionID: sessionID,
		queue:     make(chan Event, queueBuffer),
		counters:  make(map[Category]int64),
	}, nil
}

// SessionID returns the session id stamped on records.
func (l *Logger) SessionID() string { return l.sessionID }

// Start launches the flush worker. It runs until ctx is cancelled, then
// drains the queue before returning.
func (l *Logger) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.run(ctx)
}

// Wait blocks until the flush worker has drained and exited.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// Record validates and enqueues an event. The timestamp and session id are
// filled in when absent. A full queue drops the event with a warning; audit
// must never block the pipeline.
func (l *Logger) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if err := event.Validate(); err != nil {
		l.logger.Warn("Dropping invalid audit event", "error", err)
		return
	}
	select {
	case l.queue <- event:
	default:
		dropped := l.dropped.Add(1)
		l.logger.Warn("Audit queue full, dropping event",
			"event", event.Event,
			"total_dropped", dropped)
	}
}

// TaskLifecycle records a task lifecycle transition.
func (l *Logger) TaskLifecycle(event, agentID, correlationID string, details map[string]any) {
	l.Record(Event{Category: CategoryTaskLifecycle, Event: event, AgentID: agentID, CorrelationID: correlationID, Details: details})
}

// AgentDecision records a routing or dispatch decision.
func (l *Logger) AgentDecision(event, agentID, correlationID string, details map[string]any) {
	l.Record(Event{Category: CategoryAgentDecision, Event: event, AgentID: agentID, CorrelationID: correlationID, Details: details})
}

// MCPCall records a routed backend call.
func (l *Logger) MCPCall(event, agentID, correlationID string, details map[string]any) {
	l.Record(Event{Category: CategoryMCPCall, Event: event, AgentID: agentID, CorrelationID: correlationID, Details: details})
}

// Failure records a failure occurrence.
func (l *Logger) Failure(event, agentID, correlationID string, details map[string]any) {
	l.Record(Event{Category: CategoryFailure, Event: event, AgentID: agentID, CorrelationID: correlationID, Details: details})
}

// Retry records a retry attempt.
func (l *Logger) Retry(event, agentID, correlationID string, details map[string]any) {
	l.Record(Event{Category: CategoryRetry, Event: event, AgentID: agentID, CorrelationID: correlationID, Details: details})
}

// System records a system-level occurrence.
func (l *Logger) System(event, agentID string, details map[string]any) {
	l.Record(Event{Category: CategorySystem, Event: event, AgentID: agentID, Details: details})
}

// Dropped returns the number of events dropped due to a full queue.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Counters returns a snapshot of per-category counts.
func (l *Logger) Counters() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	byCat := make(map[Category]int64, len(l.counters))
	for k, v := range l.counters {
		byCat[k] = v
	}
	return State{TotalEvents: l.total, ByCategory: byCat, UpdatedAt: time.Now().UTC()}
}

func (l *Logger) run(ctx context.Context) {
	defer l.wg.Done()
	flush := time.NewTicker(l.config.FlushInterval)
	defer flush.Stop()
	snapshot := time.NewTicker(l.config.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			l.snapshotState()
			return
		case <-flush.C:
			l.flushBatch()
		case <-snapshot.C:
			l.snapshotState()
		}
	}
}

// drain flushes everything left in the queue at shutdown.
func (l *Logger) drain() {
	for {
		batch := l.collect()
		if len(batch) == 0 {
			return
		}
		l.write(batch)
	}
}

func (l *Logger) flushBatch() {
	batch := l.collect()
	if len(batch) > 0 {
		l.write(batch)
	}
}

func (l *Logger) collect() []Event {
	batch := make([]Event, 0, maxBatch)
	for len(batch) < maxBatch {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// write groups a batch by category partition and appends each group to its
// log file. A failure to write one group does not stop the others.
func (l *Logger) write(batch []Event) {
	groups := make(map[string][]Event)
	for _, e := range batch {
		groups[Partition(e.Category, e.Timestamp)] = append(groups[Partition(e.Category, e.Timestamp)], e)
	}
	for partition, events := range groups {
		if err := l.appendLines(partition, events); err != nil {
			l.logger.Error("Failed to write audit batch",
				"partition", partition,
				"events", len(events),
				"error", err)
			continue
		}
		l.mu.Lock()
		for _, e := range events {
			l.counters[e.Category]++
			l.total++
		}
		l.mu.Unlock()
	}
}

func (l *Logger) appendLines(partition string, events []Event) error {
	path := filepath.Join(l.config.Root, filepath.FromSlash(partition))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	for _, e := range events {
		line, err := e.MarshalLine()
		if err != nil {
			l.logger.Warn("Failed to marshal audit event", "event", e.Event, "error", err)
			continue
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("append audit line: %w", err)
		}
	}
	return nil
}

func (l *Logger) snapshotState() {
	state := l.Counters()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(l.config.Root, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("Failed to snapshot audit state", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		l.logger.Warn("Failed to replace audit state", "error", err)
	}
}
