package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// maxLineSize bounds a single audit line during reads.
const maxLineSize = 1024 * 1024

// Reader reads back audit partitions. Readers are unsynchronized with the
// writer and tolerant of trailing partial or corrupt lines: a line that fails
// to parse is skipped, never fatal.
type Reader struct {
	root string
}

// NewReader creates a reader over an audit root.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// ReadPartition returns the events of one category for one month (any
// time within the month selects it).
func (r *Reader) ReadPartition(category Category, month time.Time) ([]*Event, error) {
	path := filepath.Join(r.root, filepath.FromSlash(Partition(category, month)))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit partition: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := ParseLine(line)
		if err != nil {
			// Corruption in one line must not hide the rest.
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan audit partition: %w", err)
	}
	return events, nil
}

// ReadDay returns the events of one category recorded on a given UTC date.
func (r *Reader) ReadDay(category Category, day time.Time) ([]*Event, error) {
	events, err := r.ReadPartition(category, day)
	if err != nil {
		return nil, err
	}
	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	var out []*Event
	for _, e := range events {
		ts := e.Timestamp.UTC()
		if !ts.Before(dayStart) && ts.Before(dayEnd) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadSince returns the events of one category newer than cutoff, scanning
// every month partition that could overlap.
func (r *Reader) ReadSince(category Category, cutoff time.Time) ([]*Event, error) {
	var out []*Event
	month := time.Date(cutoff.UTC().Year(), cutoff.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	for !month.After(now) {
		events, err := r.ReadPartition(category, month)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				out = append(out, e)
			}
		}
		month = month.AddDate(0, 1, 0)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Months lists the month partitions present for a category, oldest first.
func (r *Reader) Months(category Category) ([]string, error) {
	dir := filepath.Join(r.root, string(category))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list category months: %w", err)
	}
	var months []string
	for _, entry := range entries {
		if entry.IsDir() {
			months = append(months, entry.Name())
		}
	}
	sort.Strings(months)
	return months, nil
}
