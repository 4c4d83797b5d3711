package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
)

// extractBearerToken reads the Authorization header. Browsers cannot set
// headers on a WebSocket handshake, so the access_token query parameter is
// accepted as well.
func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !constantTimeEqual(extractBearerToken(r), s.cfg.AuthToken) {
			s.logger.Warn("auth failure",
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.String("remote_ip", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and echoes allowed origins. Patterns use
// path.Match syntax, e.g. chrome-extension://*.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !s.originAllowed(origin) {
			if r.Method == http.MethodOptions && origin != "" {
				writeError(w, http.StatusForbidden, "forbidden", "origin not allowed", getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, pattern := range s.cfg.AllowedOrigins {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// originHosts turns the allowed origins into the host patterns the
// WebSocket handshake checks.
func (s *Server) originHosts() []string {
	out := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, pattern := range s.cfg.AllowedOrigins {
		if pattern == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(pattern); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
