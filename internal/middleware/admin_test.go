package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/autocash/internal/auth"
)

const adminTestSecret = "admin-middleware-test-secret-32-chars!"

func TestRequireAdmin(t *testing.T) {
	svc := auth.NewJWTService(adminTestSecret)
	valid, err := svc.GenerateAdminToken("ops@autocash", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := auth.NewJWTService("a-completely-different-secret-value").GenerateAdminToken("ops", time.Hour)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantReason string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "missing"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "missing"},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized, "missing"},
		{"foreign token", "Bearer " + foreign, http.StatusUnauthorized, "invalid"},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			var actor string
			handler := RequireAdmin(svc, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				actor = GetActor(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantReason == "" {
				if actor != "ops@autocash" {
					t.Errorf("actor = %q, want ops@autocash", actor)
				}
				return
			}
			if !strings.Contains(rr.Body.String(), `"auth_failed"`) {
				t.Errorf("body = %s, want auth_failed envelope", rr.Body.String())
			}
			if got := testutil.ToFloat64(m.adminAuthFailures.WithLabelValues(tt.wantReason)); got != 1 {
				t.Errorf("admin_auth_failures_total{reason=%s} = %v, want 1", tt.wantReason, got)
			}
		})
	}
}

type stubValidator struct {
	err error
}

func (s stubValidator) ValidateAdminToken(string) (*auth.Claims, error) {
	return nil, s.err
}

func TestRequireAdmin_ErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{auth.ErrNotAdmin, http.StatusForbidden},
		{auth.ErrExpiredToken, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
		req.Header.Set("Authorization", "Bearer token")
		RequireAdmin(stubValidator{tt.err}, nil)(http.NotFoundHandler()).ServeHTTP(rr, req)
		if rr.Code != tt.wantStatus {
			t.Errorf("%v: status = %d, want %d", tt.err, rr.Code, tt.wantStatus)
		}
	}
}
