package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/autocash/internal/killswitch"
)

// KillSwitchState reports the current kill switch state.
type KillSwitchState interface {
	State(ctx context.Context) (killswitch.State, error)
}

// KillSwitchGuard pauses the wrapped write endpoints with 503 service_paused
// while the kill switch is active. A failed lookup lets the request through
// with a warning so a Redis outage does not take ingestion down.
func KillSwitchGuard(sw KillSwitchState, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, err := sw.State(r.Context())
			if err != nil {
				metrics.IncKillSwitchErrors()
				logger.WarnContext(r.Context(), "kill switch lookup failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if state.Active {
				metrics.IncKillSwitchBlocked(normalizePath(r.URL.Path))
				w.Header().Set("Retry-After", "300")
				writeError(w, r, http.StatusServiceUnavailable, errCodeServicePaused, "Automated operations are paused")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
