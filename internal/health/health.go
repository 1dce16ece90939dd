// Package health provides readiness checks for the external dependencies of
// the API server: Postgres, Redis and the DSAR export bucket.
package health

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single dependency check.
const DefaultTimeout = 2 * time.Second

// Checker is implemented by every dependency check.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// WithTimeout bounds each HealthCheck of c by d.
func WithTimeout(c Checker, d time.Duration) Checker {
	return CheckerFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		return nil
	})
}
