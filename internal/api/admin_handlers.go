package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/jobs"
	"github.com/onnwee/autocash/internal/killswitch"
	"github.com/onnwee/autocash/internal/middleware"
	"github.com/onnwee/autocash/internal/retention"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracking"
)

// Audit listing limits.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AdminHandlers serve operational endpoints. Every route is mounted behind
// RequireAdmin.
type AdminHandlers struct {
	store      store.Store
	killSwitch *killswitch.Controller
	retention  *retention.Job
	jobMetrics retention.JobMetrics
	started    time.Time
	now        func() time.Time
}

// AdminConfig configures AdminHandlers.
type AdminConfig struct {
	Store      store.Store
	KillSwitch *killswitch.Controller
	Retention  *retention.Job
	// JobMetrics, when set, records audit chain checks as
	// audit_chain_verify job runs.
	JobMetrics retention.JobMetrics
	StartedAt  time.Time
	Now        func() time.Time
}

// NewAdminHandlers creates admin handlers.
func NewAdminHandlers(cfg AdminConfig) *AdminHandlers {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	return &AdminHandlers{
		store:      cfg.Store,
		killSwitch: cfg.KillSwitch,
		retention:  cfg.Retention,
		jobMetrics: cfg.JobMetrics,
		started:    cfg.StartedAt,
		now:        cfg.Now,
	}
}

// StatusCounts are the stored row counts.
type StatusCounts struct {
	TrackingEvents  int64 `json:"tracking_events"`
	AffiliateLinks  int64 `json:"affiliate_links"`
	Consents        int64 `json:"consents"`
	AuditLogs       int64 `json:"audit_logs"`
	PendingRequests int64 `json:"pending_requests"`
}

// Activity summarises events in the last 24 hours.
type Activity struct {
	Views       int64 `json:"views"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
	Revenue     int64 `json:"revenue_cents"`
}

// StatusResponse is the body of GET /api/admin/status.
type StatusResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counts        StatusCounts     `json:"counts"`
	Last24h       Activity         `json:"last_24h"`
	KillSwitch    killswitch.State `json:"killswitch"`
}

// Status handles GET /api/admin/status.
func (h *AdminHandlers) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()

	var counts StatusCounts
	var totals tracking.Totals
	err := h.store.View(ctx, func(tx store.Tx) error {
		var err error
		if counts.TrackingEvents, err = tx.Events().Count(ctx); err != nil {
			return err
		}
		if counts.AffiliateLinks, err = tx.Links().Count(ctx); err != nil {
			return err
		}
		if counts.Consents, err = tx.Consents().Count(ctx); err != nil {
			return err
		}
		if counts.AuditLogs, err = tx.Audit().Count(ctx); err != nil {
			return err
		}
		if counts.PendingRequests, err = tx.Requests().CountRequests(ctx, consent.RequestPending); err != nil {
			return err
		}
		totals, err = tx.Events().Totals(ctx, tracking.Filter{From: now.Add(-24 * time.Hour), To: now})
		return err
	})
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("failed to collect status: %w", err))
		return
	}

	state, err := h.killSwitch.Switch().State(ctx)
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("failed to read kill switch: %w", err))
		return
	}

	writeJSON(w, r, http.StatusOK, StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		Counts:        counts,
		Last24h: Activity{
			Views:       totals.Views,
			Clicks:      totals.Clicks,
			Conversions: totals.Conversions,
			Revenue:     int64(totals.Revenue),
		},
		KillSwitch: state,
	})
}

// auditFilter reads action, user_hash, from, to and limit from the query.
func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:   strings.TrimSpace(q.Get("action")),
		UserHash: strings.TrimSpace(q.Get("user_hash")),
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = t
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, fmt.Errorf("to must not be before from")
	}

	limit, err := queryInt(r, "limit", defaultAuditLimit)
	if err != nil {
		return filter, err
	}
	if limit < 1 || limit > maxAuditLimit {
		return filter, fmt.Errorf("limit must be between 1 and %d", maxAuditLimit)
	}
	filter.Limit = limit
	return filter, nil
}

// AuditListResponse wraps an audit log listing, newest first.
type AuditListResponse struct {
	Logs  []audit.ExportedLog `json:"logs"`
	Count int                 `json:"count"`
}

// ListAudit handles GET /api/admin/audit.
func (h *AdminHandlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	ctx := r.Context()
	var logs []*audit.AuditLog
	err = h.store.View(ctx, func(tx store.Tx) error {
		var err error
		logs, err = tx.Audit().Query(ctx, filter)
		return err
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AuditListResponse{Logs: audit.ToExported(logs), Count: len(logs)})
}

// ExportAudit handles GET /api/admin/audit/export?format=json|csv. The export
// itself is recorded in the log in the same transaction.
func (h *AdminHandlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	filter, err := auditFilter(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}

	ctx := r.Context()
	var data []byte
	err = h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		data, err = audit.ExportLogs(ctx, tx.Audit(), audit.ExportOptions{Format: format, Filter: filter})
		if err != nil {
			return err
		}
		_, err = tx.Audit().Append(ctx, audit.Entry{
			Action: audit.ActionAuditExported,
			Details: map[string]any{
				"format":      string(format),
				"exported_by": middleware.GetActor(ctx),
				"action":      filter.Action,
				"user_hash":   filter.UserHash,
			},
		})
		return err
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	filename := fmt.Sprintf("audit-%s.%s", h.now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifyAuditResponse reports the result of a hash chain check.
type VerifyAuditResponse struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// VerifyAudit handles GET /api/admin/audit/verify.
func (h *AdminHandlers) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	var chain []*audit.AuditLog
	err := h.store.View(ctx, func(tx store.Tx) error {
		var err error
		chain, err = tx.Audit().Chain(ctx)
		return err
	})
	if err != nil {
		h.recordVerify(start, "database_error")
		writeServiceError(w, r, err)
		return
	}

	resp := VerifyAuditResponse{Valid: true, Entries: len(chain)}
	if err := audit.VerifyChain(chain); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		h.recordVerify(start, "chain_broken")
	} else {
		h.recordVerify(start, "")
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// recordVerify reports one chain check. An empty errorType is a success.
func (h *AdminHandlers) recordVerify(start time.Time, errorType string) {
	if h.jobMetrics == nil {
		return
	}
	h.jobMetrics.ObserveJobDuration(jobs.JobTypeAuditVerify, time.Since(start).Seconds())
	if errorType != "" {
		h.jobMetrics.IncJobErrors(jobs.JobTypeAuditVerify, errorType)
		h.jobMetrics.IncJobsTotal(jobs.JobTypeAuditVerify, jobs.StatusFailure)
		return
	}
	h.jobMetrics.IncJobsTotal(jobs.JobTypeAuditVerify, jobs.StatusSuccess)
}

// KillSwitchRequest is the body of POST /api/admin/killswitch.
type KillSwitchRequest struct {
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

// GetKillSwitch handles GET /api/admin/killswitch.
func (h *AdminHandlers) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	state, err := h.killSwitch.Switch().State(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// SetKillSwitch handles POST /api/admin/killswitch.
func (h *AdminHandlers) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		badRequest(w, r, "active is required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if *req.Active && reason == "" {
		badRequest(w, r, "reason is required when activating the kill switch")
		return
	}

	state, err := h.killSwitch.Set(r.Context(), *req.Active, reason, middleware.GetActor(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// Cleanup handles POST /api/admin/cleanup by running one retention sweep.
func (h *AdminHandlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	// The sweep outlives a dropped connection so its audit entry is written.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.retention.Sweep(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
