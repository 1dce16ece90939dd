package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/dsar"
	"github.com/onnwee/autocash/internal/privacy"
)

// PrivacyHandlers serve consent management and data subject rights.
type PrivacyHandlers struct {
	ledger *dsar.Ledger

	// exposeTokens returns DSAR verification tokens in the create response.
	// Outside development the token only travels by email.
	exposeTokens bool
}

// NewPrivacyHandlers creates privacy handlers.
func NewPrivacyHandlers(ledger *dsar.Ledger, exposeTokens bool) *PrivacyHandlers {
	return &PrivacyHandlers{ledger: ledger, exposeTokens: exposeTokens}
}

// ConsentRequest is the body of POST /api/privacy/consent.
type ConsentRequest struct {
	Email       string `json:"email"`
	ConsentType string `json:"consent_type"`
	Granted     bool   `json:"granted"`
}

// ConsentView is a consent record as returned by the API. Only hashes leave
// the service.
type ConsentView struct {
	ID          string     `json:"id"`
	ConsentType string     `json:"consent_type"`
	Status      string     `json:"status"`
	Granted     bool       `json:"granted"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func consentView(rec *consent.Record, now time.Time) ConsentView {
	return ConsentView{
		ID:          rec.ID,
		ConsentType: string(rec.Type),
		Status:      string(rec.Status),
		Granted:     rec.Granted(now),
		GrantedAt:   rec.GrantedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}

// SetConsent handles POST /api/privacy/consent.
func (h *PrivacyHandlers) SetConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := h.ledger.SetConsent(r.Context(), dsar.ConsentInput{
		Email:     req.Email,
		Type:      req.ConsentType,
		Granted:   req.Granted,
		IP:        privacy.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, consentView(rec, time.Now()))
}

// ConsentListResponse is the consent history of one email, newest first.
type ConsentListResponse struct {
	Consents []ConsentView `json:"consents"`
	Total    int           `json:"total"`
}

// ListConsents handles GET /api/privacy/consent?email=.
func (h *PrivacyHandlers) ListConsents(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListConsents(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	now := time.Now()
	views := make([]ConsentView, 0, len(records))
	for _, rec := range records {
		views = append(views, consentView(rec, now))
	}
	writeJSON(w, r, http.StatusOK, ConsentListResponse{Consents: views, Total: len(views)})
}

// CurrentConsentsResponse holds the effective state of every consent type.
type CurrentConsentsResponse struct {
	Consents []dsar.ConsentState `json:"consents"`
}

// CurrentConsents handles GET /api/privacy/consent/current?email=.
func (h *PrivacyHandlers) CurrentConsents(w http.ResponseWriter, r *http.Request) {
	states, err := h.ledger.CurrentConsents(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, CurrentConsentsResponse{Consents: states})
}

// ExportRequest is the body of POST /api/privacy/export.
type ExportRequest struct {
	Email string `json:"email"`
}

// Export handles POST /api/privacy/export and returns the bundle inline.
func (h *PrivacyHandlers) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bundle, err := h.ledger.ExportUserData(r.Context(), req.Email, privacy.ClientIP(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, http.StatusOK, bundle)
}

// DeleteRequest is the body of POST /api/privacy/delete.
type DeleteRequest struct {
	Email        string `json:"email"`
	Confirmation string `json:"confirmation"`
}

// Delete handles POST /api/privacy/delete. The confirmation must be exactly
// dsar.ConfirmationPhrase.
func (h *PrivacyHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := h.ledger.DeleteUserData(r.Context(), req.Email, req.Confirmation, privacy.ClientIP(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, receipt)
}

// DataRequestBody is the body of POST /api/privacy/requests.
type DataRequestBody struct {
	Email       string `json:"email"`
	RequestType string `json:"request_type"`
}

// VerifyRequestBody is the body of POST /api/privacy/requests/verify.
type VerifyRequestBody struct {
	Token string `json:"token"`
}

// DataRequestView is a DSAR request as returned by the API.
type DataRequestView struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	RequestType       string     `json:"request_type"`
	Status            string     `json:"status"`
	VerificationToken string     `json:"verification_token,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ExportURL         string     `json:"export_url,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

func requestView(req *consent.Request) DataRequestView {
	return DataRequestView{
		ID:            req.ID,
		Email:         req.MaskedEmail,
		RequestType:   string(req.Type),
		Status:        string(req.Status),
		VerifiedAt:    req.VerifiedAt,
		ProcessedAt:   req.ProcessedAt,
		ExportURL:     req.ExportURL,
		FailureReason: req.FailureReason,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     req.CreatedAt,
	}
}

// CreateRequest handles POST /api/privacy/requests. The request stays pending
// until its token is verified.
func (h *PrivacyHandlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body DataRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := h.ledger.CreateRequest(r.Context(), dsar.RequestInput{
		Email: body.Email,
		Type:  body.RequestType,
		IP:    privacy.ClientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	view := requestView(req)
	if h.exposeTokens {
		view.VerificationToken = req.VerificationToken
	}
	writeJSON(w, r, http.StatusAccepted, view)
}

// VerifyRequest handles POST /api/privacy/requests/verify.
func (h *PrivacyHandlers) VerifyRequest(w http.ResponseWriter, r *http.Request) {
	var body VerifyRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		badRequest(w, r, "token is required")
		return
	}
	req, err := h.ledger.VerifyRequest(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, requestView(req))
}

// DataRequestListResponse wraps a request listing.
type DataRequestListResponse struct {
	Requests []DataRequestView `json:"requests"`
	Total    int               `json:"total"`
}

// ListRequests handles GET /api/privacy/requests?email= (admin).
func (h *PrivacyHandlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.ledger.ListRequests(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	views := make([]DataRequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, requestView(req))
	}
	writeJSON(w, r, http.StatusOK, DataRequestListResponse{Requests: views, Total: len(views)})
}

// GetRequest handles GET /api/privacy/requests/{id} (admin).
func (h *PrivacyHandlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.ledger.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, requestView(req))
}

// ProcessRequest handles POST /api/privacy/requests/{id}/process (admin).
// A request that fails while being carried out is returned with status
// failed rather than as an error.
func (h *PrivacyHandlers) ProcessRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.ledger.ProcessRequest(r.Context(), r.PathValue("id"))
	if err != nil && (req == nil || req.Status != consent.RequestFailed) {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, requestView(req))
}
