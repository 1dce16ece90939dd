package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.Mutex
	keys   map[string]*Record
	expiry time.Duration
	now    func() time.Time
}

// NewInMemoryRepository creates an in-memory repository whose keys expire
// after expiry (DefaultExpiry when zero).
func NewInMemoryRepository(expiry time.Duration) *InMemoryRepository {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &InMemoryRepository{
		keys:   make(map[string]*Record),
		expiry: expiry,
		now:    time.Now,
	}
}

func (r *InMemoryRepository) expired(rec *Record) bool {
	return r.now().Sub(rec.CreatedAt) >= r.expiry
}

// Reserve implements Repository.
func (r *InMemoryRepository) Reserve(ctx context.Context, rec *Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[rec.Key]; ok && !r.expired(existing) {
		return ErrKeyExists
	}

	stored := *rec
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.keys[rec.Key] = &stored
	return nil
}

// Get implements Repository. The returned record is a copy.
func (r *InMemoryRepository) Get(ctx context.Context, key string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[key]
	if !ok || r.expired(rec) {
		return nil, ErrKeyNotFound
	}
	out := *rec
	return &out, nil
}

// Complete implements Repository.
func (r *InMemoryRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	rec.Status = StatusCompleted
	rec.ResponseStatusCode = statusCode
	rec.ResponseBody = body
	return nil
}

// Release implements Repository.
func (r *InMemoryRepository) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

// DeleteExpired removes keys past their expiry and returns how many were dropped.
func (r *InMemoryRepository) DeleteExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, rec := range r.keys {
		if r.expired(rec) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted
}
