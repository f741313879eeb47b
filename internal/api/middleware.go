package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth guards the /v1 export routes with the shared backend key. The
// callers are other services (the upload backend creating jobs, dashboards
// polling status), so a single key in X-API-Key — or Authorization: Bearer
// as a fallback — is the whole auth story; per-user tokens would slot in
// here without touching the handlers.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// X-API-Key first, the service-to-service convention here
			key := r.Header.Get("X-API-Key")

			// Authorization: Bearer fallback for clients that can't set
			// custom headers
			if key == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					key = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			if key == "" {
				respondJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>",
				})
				return
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondJSON(w, http.StatusForbidden, map[string]string{
					"error": "Invalid API key",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
