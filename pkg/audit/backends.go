package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Query describes a structured export over the audit trail.
type Query struct {
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// matches reports whether an event satisfies the query filters.
func (q *Query) matches(event *Event) bool {
	if !q.Start.IsZero() && event.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && event.Timestamp.After(q.End) {
		return false
	}
	if q.Actor != "" && event.Actor != q.Actor {
		return false
	}
	if q.Outcome != "" && event.Outcome != q.Outcome {
		return false
	}
	return true
}

// Backend is a durable audit event destination.
type Backend interface {
	// Type returns the backend type identifier.
	Type() string

	// WriteEvents persists a batch of events in order.
	WriteEvents(ctx context.Context, events []*Event) error

	// Query returns events matching the filter, in append order.
	Query(ctx context.Context, query *Query) ([]*Event, error)

	// Purge removes events recorded before the cutoff and returns how many
	// were removed.
	Purge(ctx context.Context, before time.Time) (int, error)

	// Close flushes and releases backend resources.
	Close() error
}

// MemoryBackend keeps events in process memory. Used for tests and as a
// building block for the fallback path.
type MemoryBackend struct {
	events []*Event
	mutex  sync.RWMutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Type returns the backend type identifier.
func (m *MemoryBackend) Type() string { return "memory" }

// WriteEvents appends the batch.
func (m *MemoryBackend) WriteEvents(ctx context.Context, events []*Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, event := range events {
		copied := *event
		m.events = append(m.events, &copied)
	}
	return nil
}

// Query returns matching events in append order.
func (m *MemoryBackend) Query(ctx context.Context, query *Query) ([]*Event, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var results []*Event
	for _, event := range m.events {
		if query == nil || query.matches(event) {
			copied := *event
			results = append(results, &copied)
			if query != nil && query.Limit > 0 && len(results) >= query.Limit {
				break
			}
		}
	}
	return results, nil
}

// Purge drops events older than the cutoff.
func (m *MemoryBackend) Purge(ctx context.Context, before time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var kept []*Event
	removed := 0
	for _, event := range m.events {
		if event.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	m.events = kept
	return removed, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error { return nil }

// Len returns the number of stored events.
func (m *MemoryBackend) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.events)
}

// FileBackend appends events as JSON lines to a local file. Queries scan the
// file; this backend targets single-node deployments and the local fallback
// trail, not high-volume analytics.
type FileBackend struct {
	path  string
	file  *os.File
	mutex sync.Mutex
}

// NewFileBackend opens (or creates) the audit file in append mode.
func NewFileBackend(path string) (*FileBackend, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileBackend{path: path, file: file}, nil
}

// Type returns the backend type identifier.
func (f *FileBackend) Type() string { return "file" }

// WriteEvents appends each event as one JSON line.
func (f *FileBackend) WriteEvents(ctx context.Context, events []*Event) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	writer := bufio.NewWriter(f.file)
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event %s: %w", event.ID, err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write audit event %s: %w", event.ID, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit file: %w", err)
	}
	return nil
}

// Query scans the file and returns matching events.
func (f *FileBackend) Query(ctx context.Context, query *Query) ([]*Event, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	events, err := f.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, event := range events {
		if query == nil || query.matches(event) {
			results = append(results, event)
			if query != nil && query.Limit > 0 && len(results) >= query.Limit {
				break
			}
		}
	}
	return results, nil
}

// Purge rewrites the file without events older than the cutoff.
func (f *FileBackend) Purge(ctx context.Context, before time.Time) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	events, err := f.readAll()
	if err != nil {
		return 0, err
	}

	var kept []*Event
	removed := 0
	for _, event := range events {
		if event.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, event)
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create purge temp file: %w", err)
	}
	writer := bufio.NewWriter(tmp)
	for _, event := range kept {
		data, err := json.Marshal(event)
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to marshal audit event %s: %w", event.ID, err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to write purged audit file: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to flush purged audit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close purged audit file: %w", err)
	}

	if err := f.file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close audit file before swap: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return 0, fmt.Errorf("failed to swap purged audit file: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to reopen audit file: %w", err)
	}
	f.file = file

	return removed, nil
}

// Close closes the underlying file.
func (f *FileBackend) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.file.Close()
}

func (f *FileBackend) readAll() ([]*Event, error) {
	reader, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file for read: %w", err)
	}
	defer reader.Close()

	var events []*Event
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event line: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit file: %w", err)
	}
	return events, nil
}
