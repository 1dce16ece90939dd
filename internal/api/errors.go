// Package api provides the HTTP handlers of the autocash API server and the
// router that wires them to the middleware chain.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/article"
	"github.com/onnwee/autocash/internal/attribution"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/dsar"
	"github.com/onnwee/autocash/internal/ingest"
	"github.com/onnwee/autocash/internal/middleware"
	"github.com/onnwee/autocash/internal/money"
	"github.com/onnwee/autocash/internal/retention"
	"github.com/onnwee/autocash/internal/store"
)

// Error codes returned in the error envelope.
const (
	ErrCodeValidation           = "validation_error"
	ErrCodeNotFound             = "not_found"
	ErrCodeConfirmationMismatch = "confirmation_mismatch"
	ErrCodeInvalidConsentType   = "invalid_consent_type"
	ErrCodeConflict             = "conflict"
	ErrCodeServicePaused        = "service_paused"
	ErrCodeInternal             = "internal_error"
	ErrCodeAuthFailed           = "auth_failed"
	ErrCodeRateLimited          = "rate_limited"
	ErrCodeForbidden            = "forbidden"
	ErrCodeUnavailable          = "service_unavailable"
)

// ErrorResponse is the body of every error: {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope and records code for the request log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status used for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeConfirmationMismatch, ErrCodeInvalidConsentType:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeServicePaused, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classify maps a service error onto an error code. The message is safe to
// show to the caller; unknown errors get a generic one.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, dsar.ErrConfirmationMismatch):
		return ErrCodeConfirmationMismatch, `Confirmation must be exactly "` + dsar.ConfirmationPhrase + `"`
	case errors.Is(err, dsar.ErrInvalidConsentType):
		return ErrCodeInvalidConsentType, "consent_type must be analytics, marketing or necessary"
	case errors.Is(err, ingest.ErrValidation),
		errors.Is(err, attribution.ErrInvalidLink),
		errors.Is(err, attribution.ErrInvalidPeriod),
		errors.Is(err, attribution.ErrInvalidOrder),
		errors.Is(err, dsar.ErrInvalidEmail),
		errors.Is(err, dsar.ErrInvalidRequestType):
		return ErrCodeValidation, err.Error()
	case errors.Is(err, money.ErrOverflow):
		return ErrCodeValidation, "revenue total for this link is out of range"
	case errors.Is(err, affiliate.ErrLinkNotFound), errors.Is(err, affiliate.ErrLinkInactive):
		return ErrCodeNotFound, "Affiliate link not found"
	case errors.Is(err, article.ErrArticleNotFound):
		return ErrCodeNotFound, "Article not found"
	case errors.Is(err, consent.ErrRequestNotFound):
		return ErrCodeNotFound, "Data request not found"
	case errors.Is(err, affiliate.ErrLinkExists):
		return ErrCodeConflict, "An affiliate link with this ID already exists"
	case errors.Is(err, dsar.ErrRequestExpired),
		errors.Is(err, dsar.ErrRequestNotVerified),
		errors.Is(err, dsar.ErrRequestClosed):
		return ErrCodeConflict, err.Error()
	case errors.Is(err, store.ErrConcurrencyConflict):
		return ErrCodeConflict, "The request conflicted with a concurrent update, retry it"
	case errors.Is(err, retention.ErrPaused):
		return ErrCodeServicePaused, "Automated operations are paused"
	case errors.Is(err, dsar.ErrExportsUnavailable):
		return ErrCodeUnavailable, "Data exports are not available"
	default:
		return ErrCodeInternal, "Internal server error"
	}
}

// writeServiceError maps err to the envelope. Internal errors are logged
// with their cause; the caller only sees a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code, message := classify(err)
	if code == ErrCodeInternal {
		slog.ErrorContext(ctx, "request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	WriteError(w, ctx, StatusCodeMapping(code), code, message)
}
