package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware enforces the admin bearer token on mutating endpoints.
// With no token configured the gate is open; the deployment is expected
// to sit behind its own perimeter in that case.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			a.audit.logFailure(AuditAuthRejected, r, "bad admin token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lifecycleGate refuses the destructive CA lifecycle endpoints unless
// they were explicitly enabled at startup.
func (a *API) lifecycleGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.lifecycleEnabled {
			writeError(w, http.StatusForbidden, "CA lifecycle endpoints are disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}
