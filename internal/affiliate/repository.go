package affiliate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/autocash/internal/money"
)

// Repository defines the data access interface for affiliate links.
type Repository interface {
	// Create stores a new link. Returns ErrLinkExists if the ID is taken.
	Create(ctx context.Context, link *Link) error

	// Get returns a link by ID. Returns ErrLinkNotFound if missing.
	Get(ctx context.Context, linkID string) (*Link, error)

	// Update replaces the editable fields of a link. Counters are left untouched.
	Update(ctx context.Context, link *Link) error

	// List returns links ordered by link ID.
	List(ctx context.Context, activeOnly bool) ([]*Link, error)

	// RecordClick atomically increments clicks and sets last_click_at.
	RecordClick(ctx context.Context, linkID string, at time.Time) error

	// RecordConversion atomically increments conversions and adds revenue.
	RecordConversion(ctx context.Context, linkID string, revenue money.Cents) error

	// Top returns up to limit active links ordered by a stored counter
	// descending, ties broken by link ID ascending.
	Top(ctx context.Context, order Order, limit int) ([]*Link, error)

	// Count returns the total number of links.
	Count(ctx context.Context) (int64, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewInMemoryRepository creates a new in-memory affiliate link repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{links: make(map[string]*Link)}
}

// Clone returns an independent copy of the repository. Stored links are
// replaced rather than mutated, so the copy shares them.
func (r *InMemoryRepository) Clone() *InMemoryRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &InMemoryRepository{links: make(map[string]*Link, len(r.links))}
	for id, l := range r.links {
		c.links[id] = l
	}
	return c
}

// Create stores a new link.
func (r *InMemoryRepository) Create(ctx context.Context, link *Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.links[link.LinkID]; ok {
		return ErrLinkExists
	}
	r.links[link.LinkID] = cloneLink(link)
	return nil
}

// Get returns a link by ID.
func (r *InMemoryRepository) Get(ctx context.Context, linkID string) (*Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.links[linkID]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return cloneLink(l), nil
}

// Update replaces the editable fields of a link.
func (r *InMemoryRepository) Update(ctx context.Context, link *Link) error {
	src := cloneLink(link)
	return r.modify(link.LinkID, func(l *Link) error {
		l.Name = src.Name
		l.DestinationURL = src.DestinationURL
		l.AffiliateProgram = src.AffiliateProgram
		l.CommissionRate = src.CommissionRate
		l.CommissionType = src.CommissionType
		l.IsActive = src.IsActive
		l.ArticleID = src.ArticleID
		l.UpdatedAt = src.UpdatedAt
		return nil
	})
}

// List returns links ordered by link ID.
func (r *InMemoryRepository) List(ctx context.Context, activeOnly bool) ([]*Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		if activeOnly && !l.IsActive {
			continue
		}
		out = append(out, cloneLink(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkID < out[j].LinkID })
	return out, nil
}

// RecordClick atomically increments clicks and sets last_click_at.
func (r *InMemoryRepository) RecordClick(ctx context.Context, linkID string, at time.Time) error {
	return r.modify(linkID, func(l *Link) error {
		l.Clicks++
		t := at
		l.LastClickAt = &t
		return nil
	})
}

// RecordConversion atomically increments conversions and adds revenue. A sum
// that would leave the int64 range fails with money.ErrOverflow and leaves
// the link unchanged.
func (r *InMemoryRepository) RecordConversion(ctx context.Context, linkID string, revenue money.Cents) error {
	return r.modify(linkID, func(l *Link) error {
		total, err := l.Revenue.Add(revenue)
		if err != nil {
			return err
		}
		l.Conversions++
		l.Revenue = total
		return nil
	})
}

// modify applies fn to a copy of the stored link and swaps it in under the
// write lock, so clones taken earlier never observe the change.
func (r *InMemoryRepository) modify(linkID string, fn func(*Link) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[linkID]
	if !ok {
		return ErrLinkNotFound
	}
	updated := cloneLink(l)
	if err := fn(updated); err != nil {
		return err
	}
	r.links[linkID] = updated
	return nil
}

// Top returns up to limit active links ordered by a stored counter.
func (r *InMemoryRepository) Top(ctx context.Context, order Order, limit int) ([]*Link, error) {
	links, _ := r.List(ctx, true)
	sort.SliceStable(links, func(i, j int) bool {
		vi, vj := order.value(links[i]), order.value(links[j])
		if vi != vj {
			return vi > vj
		}
		return links[i].LinkID < links[j].LinkID
	})
	if limit > 0 && len(links) > limit {
		links = links[:limit]
	}
	return links, nil
}

// Count returns the total number of links.
func (r *InMemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.links)), nil
}
