package store

import (
	"context"
	"sync"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/tracking"
)

// MemoryStore is an in-memory Store for development and tests. Write
// transactions are fully serialized; each one works on copies of the
// repositories that replace the committed ones only when fn succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	events   *tracking.InMemoryRepository
	links    *affiliate.InMemoryRepository
	consents *consent.InMemoryRepository
	requests *consent.InMemoryRequestRepository
	audit    *audit.InMemoryRepository
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   tracking.NewInMemoryRepository(),
		links:    affiliate.NewInMemoryRepository(),
		consents: consent.NewInMemoryRepository(),
		requests: consent.NewInMemoryRequestRepository(),
		audit:    audit.NewInMemoryRepository(),
	}
}

// memoryTx hands out the committed repositories. In a write transaction
// each repository is copied the first time fn asks for it, so a transaction
// pays only for the tables it touches.
type memoryTx struct {
	base  *MemoryStore
	write bool

	events   *tracking.InMemoryRepository
	links    *affiliate.InMemoryRepository
	consents *consent.InMemoryRepository
	requests *consent.InMemoryRequestRepository
	audit    *audit.InMemoryRepository
}

func (t *memoryTx) Events() tracking.Repository {
	if t.events == nil {
		t.events = t.base.events
		if t.write {
			t.events = t.events.Clone()
		}
	}
	return t.events
}

func (t *memoryTx) Links() affiliate.Repository {
	if t.links == nil {
		t.links = t.base.links
		if t.write {
			t.links = t.links.Clone()
		}
	}
	return t.links
}

func (t *memoryTx) Consents() consent.Repository {
	if t.consents == nil {
		t.consents = t.base.consents
		if t.write {
			t.consents = t.consents.Clone()
		}
	}
	return t.consents
}

func (t *memoryTx) Requests() consent.RequestRepository {
	if t.requests == nil {
		t.requests = t.base.requests
		if t.write {
			t.requests = t.requests.Clone()
		}
	}
	return t.requests
}

func (t *memoryTx) Audit() audit.Repository {
	if t.audit == nil {
		t.audit = t.base.audit
		if t.write {
			t.audit = t.audit.Clone()
		}
	}
	return t.audit
}

func (t *memoryTx) LockUser(context.Context, string) error { return nil }

// WithTx runs fn on private copies and publishes them if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s, write: true}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.events != nil {
		s.events = tx.events
	}
	if tx.links != nil {
		s.links = tx.links
	}
	if tx.consents != nil {
		s.consents = tx.consents
	}
	if tx.requests != nil {
		s.requests = tx.requests
	}
	if tx.audit != nil {
		s.audit = tx.audit
	}
	return nil
}

// View runs fn against the committed repositories while writers are held off.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{base: s})
}
