package consent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository stores consent records.
type Repository interface {
	// Insert appends a consent record.
	Insert(ctx context.Context, r *Record) error

	// ListByUser returns every record for a user, newest first.
	ListByUser(ctx context.Context, userHash string) ([]*Record, error)

	// CountByUser returns the number of records for a user.
	CountByUser(ctx context.Context, userHash string) (int64, error)

	// DeleteByUser removes every record for a user.
	DeleteByUser(ctx context.Context, userHash string) (int64, error)

	// DeleteExpired removes records whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)
}

// RequestRepository stores data subject access requests.
type RequestRepository interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetRequestByToken(ctx context.Context, token string) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error
	// ListRequestsByUser returns a user's requests, newest first.
	ListRequestsByUser(ctx context.Context, userHash string) ([]*Request, error)
	CountRequests(ctx context.Context, status RequestStatus) (int64, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records []*Record // insertion order
}

// NewInMemoryRepository creates a new in-memory consent repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Clone returns an independent copy of the repository.
func (r *InMemoryRepository) Clone() *InMemoryRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &InMemoryRepository{records: make([]*Record, len(r.records))}
	copy(c.records, r.records)
	return c
}

// Insert appends a consent record.
func (r *InMemoryRepository) Insert(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, cloneRecord(rec))
	return nil
}

// ListByUser returns every record for a user, newest first.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userHash string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].UserHash == userHash {
			out = append(out, cloneRecord(r.records[i]))
		}
	}
	// Insertion order already breaks ties; a stable sort keeps it.
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

// CountByUser returns the number of records for a user.
func (r *InMemoryRepository) CountByUser(ctx context.Context, userHash string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, rec := range r.records {
		if rec.UserHash == userHash {
			n++
		}
	}
	return n, nil
}

// DeleteByUser removes every record for a user.
func (r *InMemoryRepository) DeleteByUser(ctx context.Context, userHash string) (int64, error) {
	return r.deleteWhere(func(rec *Record) bool { return rec.UserHash == userHash }), nil
}

// DeleteExpired removes records whose expiry is at or before now.
func (r *InMemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(rec *Record) bool {
		return rec.ExpiresAt != nil && !rec.ExpiresAt.After(now)
	}), nil
}

func (r *InMemoryRepository) deleteWhere(match func(*Record) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*Record, 0, len(r.records))
	var deleted int64
	for _, rec := range r.records {
		if match(rec) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return deleted
}

// Count returns the total number of records.
func (r *InMemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.records)), nil
}

// InMemoryRequestRepository is an in-memory implementation of RequestRepository.
type InMemoryRequestRepository struct {
	mu       sync.RWMutex
	requests map[string]*Request
	order    []string
}

// NewInMemoryRequestRepository creates a new in-memory request repository.
func NewInMemoryRequestRepository() *InMemoryRequestRepository {
	return &InMemoryRequestRepository{requests: make(map[string]*Request)}
}

// Clone returns an independent copy of the repository.
func (r *InMemoryRequestRepository) Clone() *InMemoryRequestRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &InMemoryRequestRepository{
		requests: make(map[string]*Request, len(r.requests)),
		order:    make([]string, len(r.order)),
	}
	for id, req := range r.requests {
		c.requests[id] = req
	}
	copy(c.order, r.order)
	return c
}

// CreateRequest stores a new request.
func (r *InMemoryRequestRepository) CreateRequest(ctx context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = cloneRequest(req)
	r.order = append(r.order, req.ID)
	return nil
}

// GetRequest returns a request by ID.
func (r *InMemoryRequestRepository) GetRequest(ctx context.Context, id string) (*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

// GetRequestByToken returns a request by its verification token.
func (r *InMemoryRequestRepository) GetRequestByToken(ctx context.Context, token string) (*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.requests {
		if token != "" && req.VerificationToken == token {
			return cloneRequest(req), nil
		}
	}
	return nil, ErrRequestNotFound
}

// UpdateRequest replaces a stored request.
func (r *InMemoryRequestRepository) UpdateRequest(ctx context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

// ListRequestsByUser returns a user's requests, newest first.
func (r *InMemoryRequestRepository) ListRequestsByUser(ctx context.Context, userHash string) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Request
	for i := len(r.order) - 1; i >= 0; i-- {
		req := r.requests[r.order[i]]
		if req.UserHash == userHash {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

// CountRequests counts requests in a status; an empty status counts all.
func (r *InMemoryRequestRepository) CountRequests(ctx context.Context, status RequestStatus) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, req := range r.requests {
		if status == "" || req.Status == status {
			n++
		}
	}
	return n, nil
}
