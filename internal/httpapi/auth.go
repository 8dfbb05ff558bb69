package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// StaffAuthMiddleware requires the shared staff token on every operator
// endpoint. Boards, health and metrics stay public. An empty token disables
// the check.
func StaffAuthMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" || isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r.Header.Get("Authorization"))
		if presented == "" {
			presented = strings.TrimSpace(r.Header.Get("X-Staff-Token"))
		}
		if presented == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing staff token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid staff token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	case r.URL.Path == "/api/display":
		return r.Method == http.MethodGet
	case strings.HasPrefix(r.URL.Path, "/api/queues/"):
		return r.Method == http.MethodGet
	default:
		return false
	}
}
