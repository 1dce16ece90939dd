package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are label values used verbatim.
var staticRoutes = map[string]bool{
	"/":                               true,
	"/health":                         true,
	"/ready":                          true,
	"/metrics":                        true,
	"/api/tracking/event":             true,
	"/api/monetization/epc":           true,
	"/api/monetization/links":         true,
	"/api/monetization/conversions":   true,
	"/api/monetization/stats/period":  true,
	"/api/monetization/stats/top":     true,
	"/api/monetization/stats/sources": true,
	"/api/monetization/stats/summary": true,
	"/api/privacy/consent":            true,
	"/api/privacy/consent/current":    true,
	"/api/privacy/export":             true,
	"/api/privacy/delete":             true,
	"/api/privacy/requests":           true,
	"/api/privacy/requests/verify":    true,
	"/api/admin/status":               true,
	"/api/admin/audit":                true,
	"/api/admin/audit/export":         true,
	"/api/admin/audit/verify":         true,
	"/api/admin/killswitch":           true,
	"/api/admin/cleanup":              true,
}

// dynamicRoutes map a path prefix to its templated form. The remainder after
// the prefix must be a single segment, optionally followed by an allowed suffix.
var dynamicRoutes = []struct {
	prefix   string
	template string
	suffixes []string
}{
	{"/go/", "/go/{link_id}", nil},
	{"/api/monetization/links/", "/api/monetization/links/{link_id}", nil},
	{"/api/monetization/stats/articles/", "/api/monetization/stats/articles/{slug}", nil},
	{"/api/privacy/requests/", "/api/privacy/requests/{id}", []string{"process"}},
}

// unmatchedRoute is the label for paths no route serves, so scanners cannot
// inflate metric cardinality.
const unmatchedRoute = "unmatched"

// normalizePath converts request paths to route templates to prevent
// cardinality explosion in metrics, e.g. /go/amazon123 becomes /go/{link_id}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	for _, route := range dynamicRoutes {
		rest, ok := strings.CutPrefix(path, route.prefix)
		if !ok {
			continue
		}
		id, suffix, hasSuffix := strings.Cut(rest, "/")
		if id == "" {
			return unmatchedRoute
		}
		if !hasSuffix {
			return route.template
		}
		for _, allowed := range route.suffixes {
			if suffix == allowed {
				return route.template + "/" + suffix
			}
		}
		return unmatchedRoute
	}

	return unmatchedRoute
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) and /metrics itself are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
