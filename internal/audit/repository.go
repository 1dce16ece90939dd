package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAction is returned when an entry has no action.
var ErrInvalidAction = errors.New("action cannot be empty")

// Repository defines the audit log operations. There is deliberately no
// update or delete method.
type Repository interface {
	// Append records a new entry at the end of the chain.
	Append(ctx context.Context, entry Entry) (*AuditLog, error)

	// QueryByUser retrieves entries for a user hash, newest first.
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByUser(ctx context.Context, userHash string, limit int) ([]*AuditLog, error)

	// Query retrieves entries matching filter, newest first.
	Query(ctx context.Context, filter Filter) ([]*AuditLog, error)

	// Chain returns every entry oldest first, for verification.
	Chain(ctx context.Context) ([]*AuditLog, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int64, error)
}

func validateEntry(entry Entry) error {
	if entry.Action == "" {
		return ErrInvalidAction
	}
	return nil
}

// newLog builds an entry ready to be chained. Timestamps are truncated to
// microseconds so that they survive a round trip through PostgreSQL unchanged.
func newLog(entry Entry) *AuditLog {
	return &AuditLog{
		ID:        uuid.New().String(),
		Action:    entry.Action,
		UserHash:  entry.UserHash,
		Details:   cloneDetails(entry.Details),
		IPHash:    entry.IPHash,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*AuditLog // insertion order
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Clone returns an independent copy of the repository. Entries are immutable
// so the copy shares them.
func (r *InMemoryRepository) Clone() *InMemoryRepository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logs := make([]*AuditLog, len(r.logs))
	copy(logs, r.logs)
	return &InMemoryRepository{logs: logs}
}

// Append records a new entry at the end of the chain.
func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*AuditLog, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	log := newLog(entry)

	r.mu.Lock()
	defer r.mu.Unlock()

	log.Seq = int64(len(r.logs)) + 1
	if n := len(r.logs); n > 0 {
		log.PreviousHash = r.logs[n-1].Hash
	}
	if err := seal(log); err != nil {
		return nil, err
	}
	r.logs = append(r.logs, log)

	return cloneLog(log), nil
}

// QueryByUser retrieves entries for a user hash, newest first.
func (r *InMemoryRepository) QueryByUser(ctx context.Context, userHash string, limit int) ([]*AuditLog, error) {
	return r.Query(ctx, Filter{UserHash: userHash, Limit: limit})
}

// Query retrieves entries matching filter, newest first.
func (r *InMemoryRepository) Query(ctx context.Context, filter Filter) ([]*AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		log := r.logs[i]
		if !filter.matches(log) {
			continue
		}
		results = append(results, cloneLog(log))
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Chain returns every entry oldest first.
func (r *InMemoryRepository) Chain(ctx context.Context) ([]*AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*AuditLog, len(r.logs))
	for i, log := range r.logs {
		results[i] = cloneLog(log)
	}
	return results, nil
}

// Count returns the total number of entries.
func (r *InMemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.logs)), nil
}
