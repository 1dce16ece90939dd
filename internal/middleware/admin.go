package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/autocash/internal/auth"
)

// AdminTokenValidator validates admin bearer tokens.
type AdminTokenValidator interface {
	ValidateAdminToken(token string) (*auth.Claims, error)
}

// RequireAdmin rejects requests without a valid admin bearer token with 401
// (403 for a valid token lacking the admin role). The token subject is
// recorded as the request actor.
func RequireAdmin(validator AdminTokenValidator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				metrics.IncAdminAuthFailures("missing")
				w.Header().Set("WWW-Authenticate", `Bearer realm="autocash-admin"`)
				writeError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Admin bearer token required")
				return
			}

			claims, err := validator.ValidateAdminToken(strings.TrimSpace(token))
			switch {
			case errors.Is(err, auth.ErrNotAdmin):
				metrics.IncAdminAuthFailures("forbidden")
				writeError(w, r, http.StatusForbidden, errCodeForbidden, "Token lacks the admin role")
				return
			case errors.Is(err, auth.ErrExpiredToken):
				metrics.IncAdminAuthFailures("expired")
				writeError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Admin token has expired")
				return
			case err != nil:
				metrics.IncAdminAuthFailures("invalid")
				writeError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Invalid admin token")
				return
			}

			ctx := SetActor(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
