// Package store groups the repositories behind a unit of work so that a
// business mutation and the audit entry documenting it commit together.
package store

import (
	"context"
	"errors"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/tracking"
)

// ErrConcurrencyConflict is returned when a transaction kept conflicting with
// concurrent writers after all retries were used.
var ErrConcurrencyConflict = errors.New("transaction conflict persisted after retries")

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Events() tracking.Repository
	Links() affiliate.Repository
	Consents() consent.Repository
	Requests() consent.RequestRepository
	Audit() audit.Repository

	// LockUser serializes work on one user hash until the transaction ends.
	LockUser(ctx context.Context, userHash string) error
}

// Store runs functions inside transactions. fn may be invoked more than once
// when a transaction is retried, so it must not have side effects outside tx.
type Store interface {
	// WithTx commits if fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
}
