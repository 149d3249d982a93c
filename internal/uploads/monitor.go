// Package uploads tracks unsynced local writes and pushes them to the remote store.
package uploads

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/questsync/internal/attachments"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

// EventKind distinguishes monitor events.
type EventKind string

const (
	EventPushCompleted EventKind = "push-completed"
	EventPullCompleted EventKind = "pull-completed"
	EventSyncError     EventKind = "sync-error"
)

// Event reports a finished push or pull, or a sync failure.
type Event struct {
	Kind      EventKind
	Rows      int
	Err       error
	Timestamp time.Time
}

// Pending is the unsynced local work of a set of categories.
type Pending struct {
	Count int64
	Bytes int64
}

// Empty reports whether nothing is waiting.
func (p Pending) Empty() bool {
	return p.Count == 0
}

// AttachmentStats reports pending attachment uploads.
type AttachmentStats interface {
	Stats(ctx context.Context) (attachments.Stats, error)
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Store       *store.Store
	Attachments AttachmentStats
	Clock       func() time.Time
}

// Monitor gates destructive operations on unsynced local writes.
type Monitor struct {
	store       *store.Store
	attachments AttachmentStats
	clock       func() time.Time

	mu          sync.RWMutex
	lastErr     error
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, errors.New("uploads: local store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		store:       cfg.Store,
		attachments: cfg.Attachments,
		clock:       clock,
		subscribers: make(map[int64]chan Event),
		bufferSize:  16,
	}, nil
}

// Pending counts queued mutations of categories and, when attachments are
// among them, attachments waiting for upload. No categories means all.
func (m *Monitor) Pending(ctx context.Context, categories ...graph.Category) (Pending, error) {
	if len(categories) == 0 {
		categories = graph.Categories()
	}
	var tables []string
	includeAttachments := false
	for _, category := range categories {
		if category == graph.Attachment {
			includeAttachments = true
			continue
		}
		if category.Relational() {
			tables = append(tables, category.Table())
		}
	}

	var pending Pending
	if len(tables) > 0 {
		count, bytes, err := m.store.PendingUploads(ctx, tables...)
		if err != nil {
			return Pending{}, err
		}
		pending.Count += count
		pending.Bytes += bytes
	}
	if includeAttachments && m.attachments != nil {
		stats, err := m.attachments.Stats(ctx)
		if err != nil {
			return Pending{}, err
		}
		pending.Count += stats.Count
		pending.Bytes += stats.TotalBytes
	}
	return pending, nil
}

func (m *Monitor) PendingCount(ctx context.Context, categories ...graph.Category) (int64, error) {
	pending, err := m.Pending(ctx, categories...)
	return pending.Count, err
}

func (m *Monitor) PendingBytes(ctx context.Context, categories ...graph.Category) (int64, error) {
	pending, err := m.Pending(ctx, categories...)
	return pending.Bytes, err
}

// RecordError remembers the latest sync failure and announces it.
func (m *Monitor) RecordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.publish(Event{Kind: EventSyncError, Err: err, Timestamp: m.clock().UTC()})
}

// LastError returns the latest sync failure not yet cleared by a completed sync.
func (m *Monitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Monitor) NotifyPushCompleted(rows int) {
	m.completed(EventPushCompleted, rows)
}

func (m *Monitor) NotifyPullCompleted(rows int) {
	m.completed(EventPullCompleted, rows)
}

func (m *Monitor) completed(kind EventKind, rows int) {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	m.publish(Event{Kind: kind, Rows: rows, Timestamp: m.clock().UTC()})
}

// Subscribe registers for events until ctx ends or cleanup runs.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, m.bufferSize)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (m *Monitor) publish(event Event) {
	m.mu.RLock()
	streams := make([]chan Event, 0, len(m.subscribers))
	for _, stream := range m.subscribers {
		streams = append(streams, stream)
	}
	m.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}
