package api

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/jobs"
	"github.com/onnwee/autocash/internal/killswitch"
	"github.com/onnwee/autocash/internal/retention"
	"github.com/onnwee/autocash/internal/store"
)

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	s.do(t, request{method: http.MethodGet, path: "/go/amazon123"})
	s.grant(t, "analytics", true)

	rr := s.do(t, request{method: http.MethodGet, path: "/api/admin/status", admin: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	got := decode[StatusResponse](t, rr)
	want := StatusCounts{TrackingEvents: 1, AffiliateLinks: 2, Consents: 1, AuditLogs: 1}
	if got.Counts != want {
		t.Errorf("counts = %+v, want %+v", got.Counts, want)
	}
	if got.Last24h.Clicks != 1 {
		t.Errorf("last 24h clicks = %d, want 1", got.Last24h.Clicks)
	}
	if got.KillSwitch.Active {
		t.Error("kill switch reported active")
	}
}

func TestKillSwitch(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, request{method: http.MethodPost, path: "/api/admin/killswitch", admin: true, body: `{"active":true}`})
	expectError(t, rr, http.StatusBadRequest, ErrCodeValidation)
	rr = s.do(t, request{method: http.MethodPost, path: "/api/admin/killswitch", admin: true, body: `{"reason":"x"}`})
	expectError(t, rr, http.StatusBadRequest, ErrCodeValidation)

	rr = s.do(t, request{method: http.MethodPost, path: "/api/admin/killswitch", admin: true, body: KillSwitchRequest{Active: ptr(true), Reason: "fraud spike"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("set status = %d (body %s)", rr.Code, rr.Body.String())
	}
	state := decode[killswitch.State](t, rr)
	if !state.Active || state.ChangedBy != "ops@autocash" || state.Reason != "fraud spike" {
		t.Errorf("state = %+v", state)
	}

	rr = s.do(t, request{method: http.MethodGet, path: "/api/admin/killswitch", admin: true})
	if got := decode[killswitch.State](t, rr); !got.Active {
		t.Error("GET does not reflect the activated switch")
	}

	rr = s.do(t, request{method: http.MethodPost, path: "/api/admin/cleanup", admin: true})
	expectError(t, rr, http.StatusServiceUnavailable, ErrCodeServicePaused)

	rr = s.do(t, request{method: http.MethodGet, path: "/api/admin/audit?action=" + audit.ActionKillSwitchChanged, admin: true})
	logs := decode[AuditListResponse](t, rr)
	if logs.Count != 1 || logs.Logs[0].Details["changed_by"] != "ops@autocash" {
		t.Errorf("audit = %+v", logs)
	}

	rr = s.do(t, request{method: http.MethodPost, path: "/api/admin/killswitch", admin: true, body: KillSwitchRequest{Active: ptr(false)}})
	if got := decode[killswitch.State](t, rr); got.Active {
		t.Error("switch still active after deactivation")
	}
}

func TestCleanup(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, request{method: http.MethodPost, path: "/api/admin/cleanup", admin: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	res := decode[retention.Result](t, rr)
	if res.Cutoff.IsZero() || res.EventsDeleted != 0 {
		t.Errorf("result = %+v", res)
	}

	rr = s.do(t, request{method: http.MethodGet, path: "/api/admin/audit?action=" + audit.ActionRetentionPurge, admin: true})
	if got := decode[AuditListResponse](t, rr); got.Count != 1 {
		t.Errorf("retention audit entries = %d, want 1", got.Count)
	}
}

func TestListAudit_Filters(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "analytics", true)
	s.grant(t, "marketing", true)

	rr := s.do(t, request{method: http.MethodGet, path: "/api/admin/audit?limit=1", admin: true})
	if got := decode[AuditListResponse](t, rr); got.Count != 1 || got.Logs[0].Details["consent_type"] != "marketing" {
		t.Errorf("limit=1 = %+v, want newest entry", got)
	}

	tests := []string{
		"?from=yesterday",
		"?to=2026-13-01T00:00:00Z",
		"?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z",
		"?limit=0",
		"?limit=5000",
	}
	for _, q := range tests {
		t.Run(q, func(t *testing.T) {
			rr := s.do(t, request{method: http.MethodGet, path: "/api/admin/audit" + q, admin: true})
			expectError(t, rr, http.StatusBadRequest, ErrCodeValidation)
		})
	}
}

func TestExportAudit(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "analytics", true)

	rr := s.do(t, request{method: http.MethodGet, path: "/api/admin/audit/export?format=csv", admin: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 || rows[1][3] != audit.ActionConsentGrant {
		t.Errorf("rows = %v, want header plus the consent entry", rows)
	}

	rr = s.do(t, request{method: http.MethodGet, path: "/api/admin/audit?action=" + audit.ActionAuditExported, admin: true})
	if got := decode[AuditListResponse](t, rr); got.Count != 1 || got.Logs[0].Details["format"] != "csv" {
		t.Errorf("export audit = %+v", got)
	}

	rr = s.do(t, request{method: http.MethodGet, path: "/api/admin/audit/export?format=xml", admin: true})
	expectError(t, rr, http.StatusBadRequest, ErrCodeValidation)
}

func TestVerifyAudit(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "analytics", true)
	s.grant(t, "analytics", false)

	rr := s.do(t, request{method: http.MethodGet, path: "/api/admin/audit/verify", admin: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	got := decode[VerifyAuditResponse](t, rr)
	if !got.Valid || got.Entries != 2 || got.Error != "" {
		t.Errorf("verify = %+v", got)
	}

	rr = s.do(t, request{method: http.MethodGet, path: "/metrics"})
	want := `background_jobs_total{job_type="audit_chain_verify",status="success"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("metrics output missing %s", want)
	}
}

// recordingJobMetrics captures job metric calls.
type recordingJobMetrics struct {
	mu        sync.Mutex
	totals    map[string]int
	errors    map[string]int
	durations int
}

func newRecordingJobMetrics() *recordingJobMetrics {
	return &recordingJobMetrics{totals: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingJobMetrics) IncJobsTotal(jobType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[jobType+"/"+status]++
}

func (m *recordingJobMetrics) ObserveJobDuration(jobType string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingJobMetrics) IncJobErrors(jobType, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[jobType+"/"+errorType]++
}

func (m *recordingJobMetrics) IncJobsSkipped(jobType, reason string) {}

// auditViewStore alters what VerifyAudit reads from the audit chain.
type auditViewStore struct {
	store.Store
	viewErr error
	forge   bool
}

func (s auditViewStore) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.viewErr != nil {
		return s.viewErr
	}
	return s.Store.View(ctx, func(tx store.Tx) error {
		return fn(auditViewTx{Tx: tx, forge: s.forge})
	})
}

type auditViewTx struct {
	store.Tx
	forge bool
}

func (t auditViewTx) Audit() audit.Repository {
	return forgedAudit{Repository: t.Tx.Audit(), forge: t.forge}
}

type forgedAudit struct {
	audit.Repository
	forge bool
}

func (a forgedAudit) Chain(ctx context.Context) ([]*audit.AuditLog, error) {
	chain, err := a.Repository.Chain(ctx)
	if err == nil && a.forge && len(chain) > 0 {
		chain[0].Action = "forged_action"
	}
	return chain, err
}

func TestVerifyAudit_RecordsJobMetrics(t *testing.T) {
	tests := []struct {
		name       string
		viewErr    error
		forge      bool
		wantStatus int
		wantValid  bool
		wantTotal  string
		wantError  string
	}{
		{
			name:       "intact chain",
			wantStatus: http.StatusOK,
			wantValid:  true,
			wantTotal:  jobs.JobTypeAuditVerify + "/" + jobs.StatusSuccess,
		},
		{
			name:       "forged entry",
			forge:      true,
			wantStatus: http.StatusOK,
			wantTotal:  jobs.JobTypeAuditVerify + "/" + jobs.StatusFailure,
			wantError:  jobs.JobTypeAuditVerify + "/chain_broken",
		},
		{
			name:       "store unavailable",
			viewErr:    errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantTotal:  jobs.JobTypeAuditVerify + "/" + jobs.StatusFailure,
			wantError:  jobs.JobTypeAuditVerify + "/database_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.grant(t, "analytics", true)

			metrics := newRecordingJobMetrics()
			h := NewAdminHandlers(AdminConfig{
				Store:      auditViewStore{Store: s.store, viewErr: tt.viewErr, forge: tt.forge},
				JobMetrics: metrics,
			})
			rr := httptest.NewRecorder()
			h.VerifyAudit(rr, httptest.NewRequest(http.MethodGet, "/api/admin/audit/verify", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				got := decode[VerifyAuditResponse](t, rr)
				if got.Valid != tt.wantValid {
					t.Errorf("Valid = %v, want %v (%+v)", got.Valid, tt.wantValid, got)
				}
			}
			if metrics.totals[tt.wantTotal] != 1 || len(metrics.totals) != 1 {
				t.Errorf("totals = %v, want one %s", metrics.totals, tt.wantTotal)
			}
			if metrics.durations != 1 {
				t.Errorf("durations observed = %d, want 1", metrics.durations)
			}
			if tt.wantError == "" && len(metrics.errors) != 0 {
				t.Errorf("errors = %v, want none", metrics.errors)
			}
			if tt.wantError != "" && metrics.errors[tt.wantError] != 1 {
				t.Errorf("errors = %v, want one %s", metrics.errors, tt.wantError)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
