package task

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchEventBuffer is the size of the watch event channel.
const watchEventBuffer = 256

// WatchEvent signals that a task file appeared or changed in a watched stage
// directory.
type WatchEvent struct {
	Path string
}

// Watcher observes stage directories for new or modified task files. It is a
// latency optimization layered on top of polling: workers that receive a
// watch event poll immediately instead of waiting out their interval, and
// remain correct if events are dropped.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	pendingMu sync.Mutex
	pending   map[string]struct{}

	events  chan WatchEvent
	dropped atomic.Int64
}

// NewWatcher creates a watcher over the given directories. Directories are
// created if missing.
func NewWatcher(dirs []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		watcher:  fsw,
		logger:   logger,
		debounce: debounce,
		pending:  make(map[string]struct{}),
		events:   make(chan WatchEvent, watchEventBuffer),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fsw.Close()
			return nil, err
		}
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch directory", "dir", dir, "error", err)
		}
	}
	return w, nil
}

// Events returns the channel of watch events.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Start begins processing filesystem events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

// Stop closes the underlying filesystem watcher. The events channel is
// closed when the processing goroutine exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to a full channel.
func (w *Watcher) DroppedEvents() int64 {
	return w.dropped.Load()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	if !strings.EqualFold(filepath.Ext(name), ".md") || strings.HasPrefix(name, ".") {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] = struct{}{}
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toSend := make([]string, 0, len(w.pending))
	for path := range w.pending {
		toSend = append(toSend, path)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, path := range toSend {
		// Renamed-away files no longer exist; skip them.
		if _, err := os.Stat(path); err != nil {
			continue
		}
		select {
		case w.events <- WatchEvent{Path: path}:
		default:
			dropped := w.dropped.Add(1)
			w.logger.Warn("Watch event channel full, dropping event",
				"path", path,
				"total_dropped", dropped)
		}
	}
}
