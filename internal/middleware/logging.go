package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// requestInfoKey is the context key for the per-request info slot.
type requestInfoKey struct{}

// requestInfo lets handlers deep in the chain report the error code and the
// authenticated admin subject back to the logging middleware, which only
// holds the outer request context.
type requestInfo struct {
	mu        sync.Mutex
	errorCode string
	actor     string
}

func infoFrom(ctx context.Context) (*requestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info, ok
}

// withRequestInfo attaches an empty info slot to ctx unless one exists.
func withRequestInfo(ctx context.Context) context.Context {
	if _, ok := infoFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, requestInfoKey{}, &requestInfo{})
}

// SetActor records the authenticated admin subject for the current request.
func SetActor(ctx context.Context, subject string) context.Context {
	ctx = withRequestInfo(ctx)
	info, _ := infoFrom(ctx)
	info.mu.Lock()
	info.actor = subject
	info.mu.Unlock()
	return ctx
}

// GetActor retrieves the admin subject from context. Returns empty string if not present.
func GetActor(ctx context.Context) string {
	if info, ok := infoFrom(ctx); ok {
		info.mu.Lock()
		defer info.mu.Unlock()
		return info.actor
	}
	return ""
}

// SetErrorCode records the error code for the current request.
// Handlers call it when writing an error response.
func SetErrorCode(ctx context.Context, code string) context.Context {
	ctx = withRequestInfo(ctx)
	info, _ := infoFrom(ctx)
	info.mu.Lock()
	info.errorCode = code
	info.mu.Unlock()
	return ctx
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if info, ok := infoFrom(ctx); ok {
		info.mu.Lock()
		defer info.mu.Unlock()
		return info.errorCode
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// newResponseWriter creates a new responseWriter with default 200 status.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production it returns a JSON handler, otherwise a text handler at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" || env == "prod" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields:
// method, path, status, latency_ms, size, request_id, trace_id when a span is
// active, actor on admin routes and error_code for 4xx/5xx responses. Client addresses, user agents and
// query strings are never logged.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r = r.WithContext(withRequestInfo(r.Context()))

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}

			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if traceID := GetTraceID(r); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}
			if actor := GetActor(r.Context()); actor != "" {
				attrs = append(attrs, slog.String("actor", actor))
			}
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(r.Context()); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			switch {
			case rw.statusCode >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
			case rw.statusCode >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed", attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
