package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/tracing"
	"github.com/onnwee/autocash/internal/tracking"
)

// PostgreSQL error codes that mean "try the whole transaction again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// PostgresConfig tunes transaction retries.
type PostgresConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	config PostgresConfig
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, config PostgresConfig) *PostgresStore {
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.InitialInterval == 0 {
		config.InitialInterval = 20 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PostgresStore{db: db, config: config}
}

type postgresTx struct {
	tx       *sql.Tx
	events   *tracking.PostgresRepository
	links    *affiliate.PostgresRepository
	consents *consent.PostgresRepository
	audit    *audit.PostgresRepository
}

func newPostgresTx(tx *sql.Tx) *postgresTx {
	return &postgresTx{
		tx:       tx,
		events:   tracking.NewPostgresRepository(tx),
		links:    affiliate.NewPostgresRepository(tx),
		consents: consent.NewPostgresRepository(tx),
		audit:    audit.NewPostgresRepository(tx),
	}
}

func (t *postgresTx) Events() tracking.Repository         { return t.events }
func (t *postgresTx) Links() affiliate.Repository         { return t.links }
func (t *postgresTx) Consents() consent.Repository        { return t.consents }
func (t *postgresTx) Requests() consent.RequestRepository { return t.consents }
func (t *postgresTx) Audit() audit.Repository             { return t.audit }

// LockUser takes a transaction-scoped advisory lock on the user hash.
func (t *postgresTx) LockUser(ctx context.Context, userHash string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userHash); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction, retrying the whole
// transaction on serialization failures and deadlocks.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, &sql.TxOptions{}, fn)
}

// View runs fn in a read-only repeatable-read transaction so that every
// query in fn sees the same snapshot.
func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts *sql.TxOptions, fn func(tx Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.once(ctx, opts, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			s.config.Logger.Warn("retrying conflicting transaction", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.config.MaxRetries), ctx)

	err := backoff.Retry(op, policy)
	if err != nil && isRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

func (s *PostgresStore) once(ctx context.Context, opts *sql.TxOptions, fn func(tx Tx) error) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(newPostgresTx(sqlTx)); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}
