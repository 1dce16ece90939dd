package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/autocash/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks a response served from a stored key.
const IdempotentReplayHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds the request body read for fingerprinting.
const maxIdempotentBody = 1 << 20

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter passes the response through while keeping a copy.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotency enforces the Idempotency-Key header on POST requests to the
// wrapped handler. The first request with a key reserves it; a retry with the
// same key and payload replays the stored 2xx response instead of running the
// handler again. A key reused for a different payload, or one whose first
// request is still in flight, is rejected with 409. Non-2xx responses release
// the key so the client may retry.
func Idempotency(repo idempotency.Repository, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if err := idempotency.ValidateKey(key); err != nil {
				msg := "Idempotency-Key header is required for this request"
				switch {
				case key == "":
				case errors.Is(err, idempotency.ErrKeyTooLong):
					msg = "Idempotency-Key exceeds maximum length of 64 characters"
				default:
					msg = "Idempotency-Key must be printable ASCII without spaces"
				}
				writeError(w, r, http.StatusBadRequest, errCodeValidation, msg)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil || len(body) > maxIdempotentBody {
				writeError(w, r, http.StatusBadRequest, errCodeValidation, "Request body is unreadable or too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)
			requestHash := idempotency.HashRequest(r.Method, r.URL.Path, body)

			err = repo.Reserve(ctx, &idempotency.Record{
				Key:         key,
				Method:      r.Method,
				Route:       r.URL.Path,
				RequestHash: requestHash,
			})
			switch {
			case errors.Is(err, idempotency.ErrKeyExists):
				replay(w, r, repo, key, requestHash, metrics, logger)
				return
			case err != nil:
				// Without a working key store the request would be applied
				// without protection against a retry; refuse instead.
				logger.ErrorContext(ctx, "failed to reserve idempotency key", "error", err)
				writeError(w, r, http.StatusServiceUnavailable, errCodeServicePaused, "Idempotency store unavailable, retry later")
				return
			}

			capture := newIdempotencyResponseWriter(w)
			next.ServeHTTP(capture, r)

			// The request context may already be cancelled; the bookkeeping must still land.
			bookCtx := context.WithoutCancel(ctx)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := repo.Complete(bookCtx, key, capture.statusCode, capture.body.String()); err != nil {
					logger.ErrorContext(ctx, "failed to store idempotent response", "error", err)
				}
				return
			}
			if err := repo.Release(bookCtx, key); err != nil {
				logger.ErrorContext(ctx, "failed to release idempotency key", "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, repo idempotency.Repository, key, requestHash string, metrics *Metrics, logger *slog.Logger) {
	existing, err := repo.Get(r.Context(), key)
	if err != nil {
		// Released or expired between Reserve and Get; the client can simply retry.
		writeError(w, r, http.StatusConflict, errCodeConflict, "Request with this Idempotency-Key is being processed, retry later")
		return
	}
	if existing.RequestHash != requestHash {
		writeError(w, r, http.StatusConflict, errCodeConflict, "Idempotency-Key was already used for a different request")
		return
	}
	if existing.Status != idempotency.StatusCompleted {
		writeError(w, r, http.StatusConflict, errCodeConflict, "Request with this Idempotency-Key is being processed, retry later")
		return
	}

	metrics.IncIdempotentReplays()
	logger.InfoContext(r.Context(), "replaying idempotent response", "status", existing.ResponseStatusCode)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(existing.ResponseStatusCode)
	_, _ = io.WriteString(w, existing.ResponseBody)
}
