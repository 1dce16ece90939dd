package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateEvent is returned when an event ID is inserted twice.
var ErrDuplicateEvent = errors.New("tracking event already exists")

// Repository defines the data access interface for tracking events.
type Repository interface {
	// Insert stores a new event. ID and CreatedAt must be set.
	Insert(ctx context.Context, e *Event) error

	// ListBySession returns all events for a session hash, oldest first.
	ListBySession(ctx context.Context, sessionHash string) ([]*Event, error)

	// CountBySession returns the number of events for a session hash.
	CountBySession(ctx context.Context, sessionHash string) (int64, error)

	// DeleteBySession removes all events for a session hash.
	DeleteBySession(ctx context.Context, sessionHash string) (int64, error)

	// DeleteOlderThan removes events created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Totals aggregates events matching filter.
	Totals(ctx context.Context, filter Filter) (Totals, error)

	// BySource groups events in [from, to] with a non-null utm_source.
	// Results are ordered by revenue descending, then source ascending.
	BySource(ctx context.Context, from, to time.Time) ([]SourceTotals, error)

	// Count returns the total number of stored events.
	Count(ctx context.Context) (int64, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events []*Event
	ids    map[string]struct{}
}

// NewInMemoryRepository creates a new in-memory tracking repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{ids: make(map[string]struct{})}
}

// Clone returns an independent copy of the repository. Stored events are
// never mutated in place, so the copy shares them.
func (r *InMemoryRepository) Clone() *InMemoryRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &InMemoryRepository{
		events: make([]*Event, len(r.events)),
		ids:    make(map[string]struct{}, len(r.ids)),
	}
	copy(c.events, r.events)
	for id := range r.ids {
		c.ids[id] = struct{}{}
	}
	return c
}

// Insert stores a new event.
func (r *InMemoryRepository) Insert(ctx context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[e.ID]; ok {
		return ErrDuplicateEvent
	}
	r.ids[e.ID] = struct{}{}
	r.events = append(r.events, cloneEvent(e))
	return nil
}

// ListBySession returns all events for a session hash, oldest first.
func (r *InMemoryRepository) ListBySession(ctx context.Context, sessionHash string) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Event
	for _, e := range r.events {
		if e.SessionHash == sessionHash {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// CountBySession returns the number of events for a session hash.
func (r *InMemoryRepository) CountBySession(ctx context.Context, sessionHash string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, e := range r.events {
		if e.SessionHash == sessionHash {
			n++
		}
	}
	return n, nil
}

// DeleteBySession removes all events for a session hash.
func (r *InMemoryRepository) DeleteBySession(ctx context.Context, sessionHash string) (int64, error) {
	return r.deleteWhere(func(e *Event) bool { return e.SessionHash == sessionHash }), nil
}

// DeleteOlderThan removes events created before cutoff.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.deleteWhere(func(e *Event) bool { return e.CreatedAt.Before(cutoff) }), nil
}

func (r *InMemoryRepository) deleteWhere(match func(*Event) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0:0]
	var deleted int64
	for _, e := range r.events {
		if match(e) {
			delete(r.ids, e.ID)
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return deleted
}

// Totals aggregates events matching filter.
func (r *InMemoryRepository) Totals(ctx context.Context, filter Filter) (Totals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var t Totals
	for _, e := range r.events {
		if !filter.matches(e) {
			continue
		}
		switch e.Type {
		case EventView:
			t.Views++
		case EventClick:
			t.Clicks++
		case EventConversion:
			t.Conversions++
		}
		if e.Revenue != nil {
			t.Revenue += *e.Revenue
		}
	}
	return t, nil
}

// BySource groups events in [from, to] with a non-null utm_source.
func (r *InMemoryRepository) BySource(ctx context.Context, from, to time.Time) ([]SourceTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter := Filter{From: from, To: to}
	groups := make(map[string]*SourceTotals)
	for _, e := range r.events {
		if e.UTM.Source == nil || !filter.matches(e) {
			continue
		}
		g, ok := groups[*e.UTM.Source]
		if !ok {
			g = &SourceTotals{Source: *e.UTM.Source}
			groups[*e.UTM.Source] = g
		}
		if e.Type == EventClick {
			g.Clicks++
		}
		if e.Revenue != nil {
			g.Revenue += *e.Revenue
		}
	}

	out := make([]SourceTotals, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	SortSources(out)
	return out, nil
}

// Count returns the total number of stored events.
func (r *InMemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}

// SortSources orders by revenue descending, ties by source name ascending.
func SortSources(s []SourceTotals) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Revenue != s[j].Revenue {
			return s[i].Revenue > s[j].Revenue
		}
		return s[i].Source < s[j].Source
	})
}
