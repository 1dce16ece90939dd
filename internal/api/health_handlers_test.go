package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/onnwee/autocash/internal/health"
)

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, request{method: http.MethodGet, path: "/health"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	got := decode[HealthResponse](t, rr)
	if got.Status != "healthy" || got.Checks["runtime"] != "ok" || got.Timestamp == "" {
		t.Errorf("health = %+v", got)
	}
}

func TestReady(t *testing.T) {
	ok := health.CheckerFunc(func(context.Context) error { return nil })
	down := health.CheckerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		checkers map[string]health.Checker
		status   int
		checks   map[string]string
	}{
		{
			name:     "no dependencies",
			checkers: nil,
			status:   http.StatusOK,
			checks:   map[string]string{"metrics": "ok"},
		},
		{
			name:     "all healthy",
			checkers: map[string]health.Checker{"database": ok, "redis": ok},
			status:   http.StatusOK,
			checks:   map[string]string{"metrics": "ok", "database": "ok", "redis": "ok"},
		},
		{
			name:     "one down",
			checkers: map[string]health.Checker{"database": ok, "export_bucket": down},
			status:   http.StatusServiceUnavailable,
			checks:   map[string]string{"metrics": "ok", "database": "ok", "export_bucket": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerWith(t, serverOptions{rateLimit: 1000, checkers: tt.checkers})
			rr := s.do(t, request{method: http.MethodGet, path: "/ready"})
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			got := decode[HealthResponse](t, rr)
			if len(got.Checks) != len(tt.checks) {
				t.Errorf("checks = %v, want %v", got.Checks, tt.checks)
			}
			for name, want := range tt.checks {
				if got.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, got.Checks[name], want)
				}
			}
		})
	}
}
