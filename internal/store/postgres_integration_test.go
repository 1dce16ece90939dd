//go:build integration

// Integration tests for the Postgres store. They start a disposable Postgres
// container, so Docker must be available.
//
// Run with: go test -tags=integration -v ./internal/store/...
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/db"
	"github.com/onnwee/autocash/internal/tracking"
)

func newPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("autocash"),
		postgres.WithUsername("autocash"),
		postgres.WithPassword("autocash"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(ctx, conn); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}
	return conn
}

func TestPostgresStore_Integration(t *testing.T) {
	conn := newPostgres(t)
	s := NewPostgresStore(conn, PostgresConfig{})
	ctx := context.Background()

	t.Run("commit and rollback", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			if err := tx.Events().Insert(ctx, &tracking.Event{ID: "a1b2c3d4-0000-4000-8000-000000000001", Type: tracking.EventView, SessionHash: "s", CreatedAt: time.Now()}); err != nil {
				return err
			}
			_, err := tx.Audit().Append(ctx, audit.Entry{Action: "test_commit"})
			return err
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}

		boom := errors.New("boom")
		err = s.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.Audit().Append(ctx, audit.Entry{Action: "test_rollback"}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}

		err = s.View(ctx, func(tx Tx) error {
			if n, _ := tx.Events().Count(ctx); n != 1 {
				t.Errorf("events Count() = %d, want 1", n)
			}
			if n, _ := tx.Audit().Count(ctx); n != 1 {
				t.Errorf("audit Count() = %d, want 1 after rollback", n)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() error = %v", err)
		}
	})

	t.Run("concurrent clicks and chained audit", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.Links().Create(ctx, &affiliate.Link{LinkID: "pg-link", Name: "PG", DestinationURL: "https://example.com", IsActive: true})
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.WithTx(ctx, func(tx Tx) error {
					if err := tx.Links().RecordClick(ctx, "pg-link", time.Now()); err != nil {
						return err
					}
					_, err := tx.Audit().Append(ctx, audit.Entry{Action: fmt.Sprintf("click_%d", i)})
					return err
				})
				if err != nil {
					t.Errorf("WithTx() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		err = s.View(ctx, func(tx Tx) error {
			l, err := tx.Links().Get(ctx, "pg-link")
			if err != nil {
				return err
			}
			if l.Clicks != n {
				t.Errorf("Clicks = %d, want %d", l.Clicks, n)
			}
			chain, err := tx.Audit().Chain(ctx)
			if err != nil {
				return err
			}
			if err := audit.VerifyChain(chain); err != nil {
				t.Errorf("VerifyChain() error = %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() error = %v", err)
		}
	})
}
