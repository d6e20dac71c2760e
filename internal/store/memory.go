package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lvonguyen/threatlens/internal/telemetry"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []telemetry.Event
	byID   map[int64]int
	nextID int64

	reviews sync.Map // int64 -> *telemetry.Review
	closed  atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]int)}
}

// InsertEvent implements Store.
func (m *MemoryStore) InsertEvent(ctx context.Context, ev *telemetry.Event) (int64, error) {
	if err := m.check(ctx, "insert", TableEvents); err != nil {
		return 0, err
	}
	if err := unstorable(ev.Timestamp, ev.Source, ev.EventType, ev.RawPayload); err != nil {
		return 0, Wrap("insert", TableEvents, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := *ev
	stored.ID = m.nextID
	m.byID[stored.ID] = len(m.events)
	m.events = append(m.events, stored)
	return stored.ID, nil
}

// InsertReview implements Store.
func (m *MemoryStore) InsertReview(ctx context.Context, eventID int64, rv *telemetry.Review) error {
	if err := m.check(ctx, "insert", TableReviews); err != nil {
		return err
	}
	if err := unstorable(rv.Narrative, rv.Mitigation); err != nil {
		return Wrap("insert", TableReviews, err)
	}

	m.mu.RLock()
	_, exists := m.byID[eventID]
	m.mu.RUnlock()
	if !exists {
		return Wrap("insert", TableReviews, ErrUnknownEvent)
	}

	stored := *rv
	stored.EventID = eventID
	if _, loaded := m.reviews.LoadOrStore(eventID, &stored); loaded {
		return Wrap("insert", TableReviews, ErrDuplicateReview)
	}
	return nil
}

// ListRecentReviewed implements Store.
func (m *MemoryStore) ListRecentReviewed(ctx context.Context, limit int) ([]telemetry.ReviewedEvent, error) {
	if err := m.check(ctx, "select", TableReviews); err != nil {
		return nil, err
	}

	if limit < 0 {
		limit = 0
	}
	events := m.snapshot()
	out := make([]telemetry.ReviewedEvent, 0, min(limit, len(events)))
	for _, ev := range events {
		if len(out) >= limit {
			break
		}
		v, ok := m.reviews.Load(ev.ID)
		if !ok {
			continue
		}
		out = append(out, telemetry.ReviewedEvent{Event: ev, Review: *v.(*telemetry.Review)})
	}
	return out, nil
}

// ListRecentEvents implements Store.
func (m *MemoryStore) ListRecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	if err := m.check(ctx, "select", TableEvents); err != nil {
		return nil, err
	}

	events := m.snapshot()
	if limit < 0 {
		limit = 0
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx, "ping", "")
}

// Close implements Store. Every call after Close fails with ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

// snapshot copies the event table sorted newest first.
func (m *MemoryStore) snapshot() []telemetry.Event {
	m.mu.RLock()
	events := make([]telemetry.Event, len(m.events))
	copy(events, m.events)
	m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp > events[j].Timestamp
		}
		return events[i].ID > events[j].ID
	})
	return events
}

func (m *MemoryStore) check(ctx context.Context, op, table string) error {
	if m.closed.Load() {
		return Wrap(op, table, ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return Wrap(op, table, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
	return nil
}

// unstorable mirrors the text column checks of the postgres backend.
func unstorable(values ...string) error {
	for _, v := range values {
		if !StorableText(v) {
			return fmt.Errorf("%w: invalid UTF-8 or NUL byte", ErrUnstorable)
		}
	}
	return nil
}
