package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/autocash/internal/idempotency"
	"github.com/onnwee/autocash/internal/middleware"
)

// ServiceName identifies the server in traces and the root response.
const ServiceName = "autocash-api"

// RouterConfig holds the handlers and middleware dependencies of the server.
type RouterConfig struct {
	Health       *HealthHandlers
	Tracking     *TrackingHandlers
	Monetization *MonetizationHandlers
	Privacy      *PrivacyHandlers
	Admin        *AdminHandlers

	AdminAuth   middleware.AdminTokenValidator
	KillSwitch  middleware.KillSwitchState // nil disables pausing
	Idempotency idempotency.Repository

	RateLimitStore middleware.RateLimitStore
	RateLimit      middleware.RateLimitConfig
	RateLimitKey   middleware.KeyFunc

	CORSOrigins []string
	Metrics     *middleware.Metrics
	Gatherer    prometheus.Gatherer // served at /metrics when set
	Logger      *slog.Logger
	Version     string
}

// NewRouter registers every route and wraps the mux in the middleware chain
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> RateLimiter.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	requireAdmin := middleware.RequireAdmin(cfg.AdminAuth, cfg.Metrics)
	pausable := func(h http.Handler) http.Handler { return h }
	if cfg.KillSwitch != nil {
		pausable = middleware.KillSwitchGuard(cfg.KillSwitch, cfg.Metrics, cfg.Logger)
	}
	idempotent := middleware.Idempotency(cfg.Idempotency, cfg.Metrics, cfg.Logger)
	privacyLimit := func(h http.Handler) http.Handler { return h }
	if cfg.RateLimitStore != nil && cfg.RateLimitKey != nil {
		// Separate buckets from the global limit, which counts the same requests.
		key := func(r *http.Request) string { return "privacy:" + cfg.RateLimitKey(r) }
		privacyLimit = middleware.RateLimiter(cfg.RateLimitStore, middleware.PrivacyLimit(), key, cfg.Metrics)
	}

	admin := func(h http.HandlerFunc) http.Handler { return requireAdmin(h) }

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Tracking
	mux.Handle("POST /api/tracking/event", pausable(http.HandlerFunc(cfg.Tracking.TrackEvent)))
	mux.HandleFunc("GET /go/{link_id}", cfg.Tracking.Redirect)

	// Monetization
	m := cfg.Monetization
	mux.HandleFunc("GET /api/monetization/links", m.ListLinks)
	mux.Handle("POST /api/monetization/links", admin(m.CreateLink))
	mux.HandleFunc("GET /api/monetization/links/{link_id}", m.GetLink)
	mux.Handle("PATCH /api/monetization/links/{link_id}", admin(m.UpdateLink))
	mux.Handle("POST /api/monetization/conversions",
		requireAdmin(pausable(idempotent(http.HandlerFunc(m.ReportConversion)))))
	mux.HandleFunc("GET /api/monetization/stats/period", m.RevenueByPeriod)
	mux.HandleFunc("GET /api/monetization/stats/top", m.TopLinks)
	mux.HandleFunc("GET /api/monetization/stats/sources", m.RevenueBySource)
	mux.HandleFunc("GET /api/monetization/stats/articles/{slug}", m.ArticleStats)
	mux.HandleFunc("GET /api/monetization/stats/summary", m.Summary)
	mux.HandleFunc("GET /api/monetization/epc", m.EPC)

	// Privacy
	p := cfg.Privacy
	mux.HandleFunc("POST /api/privacy/consent", p.SetConsent)
	mux.HandleFunc("GET /api/privacy/consent", p.ListConsents)
	mux.HandleFunc("GET /api/privacy/consent/current", p.CurrentConsents)
	mux.Handle("POST /api/privacy/export", privacyLimit(http.HandlerFunc(p.Export)))
	mux.Handle("POST /api/privacy/delete", privacyLimit(http.HandlerFunc(p.Delete)))
	mux.Handle("POST /api/privacy/requests", privacyLimit(http.HandlerFunc(p.CreateRequest)))
	mux.HandleFunc("POST /api/privacy/requests/verify", p.VerifyRequest)
	mux.Handle("GET /api/privacy/requests", admin(p.ListRequests))
	mux.Handle("GET /api/privacy/requests/{id}", admin(p.GetRequest))
	mux.Handle("POST /api/privacy/requests/{id}/process", admin(p.ProcessRequest))

	// Admin
	a := cfg.Admin
	mux.Handle("GET /api/admin/status", admin(a.Status))
	mux.Handle("GET /api/admin/audit", admin(a.ListAudit))
	mux.Handle("GET /api/admin/audit/export", admin(a.ExportAudit))
	mux.Handle("GET /api/admin/audit/verify", admin(a.VerifyAudit))
	mux.Handle("GET /api/admin/killswitch", admin(a.GetKillSwitch))
	mux.Handle("POST /api/admin/killswitch", admin(a.SetKillSwitch))
	mux.Handle("POST /api/admin/cleanup", admin(a.Cleanup))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || r.Method != http.MethodGet {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"service": ServiceName, "version": cfg.Version})
	})

	var handler http.Handler = mux
	if cfg.RateLimitStore != nil && cfg.RateLimitKey != nil {
		handler = middleware.RateLimiter(cfg.RateLimitStore, cfg.RateLimit, cfg.RateLimitKey, cfg.Metrics)(handler)
	}
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Tracing(ServiceName)(handler)
	return middleware.RequestID(handler)
}
