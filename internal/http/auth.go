package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

// tokenAuth middleware enforces the bearer token when one is configured.
// Browsers cannot set headers on a WebSocket handshake, so ?token= is accepted too.
func (s *Server) tokenAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			handler(w, r)
			return
		}

		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("http: rate limited", "ip", clientIP)
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
			return
		}

		token := requestToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="serialmon"`)
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("http: auth failed - bad token", "ip", clientIP)
			w.Header().Set("WWW-Authenticate", `Bearer realm="serialmon"`)
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		handler(w, r)
	}
}

// requestToken reads the bearer token from the Authorization header or the query
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (if behind reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
