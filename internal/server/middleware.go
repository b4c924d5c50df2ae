package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/t-brandt/kapsel/protocol"
)

// authMiddleware checks the per-session API key header. An empty
// configured key disables auth; /health is always open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || s.cfg.SessionAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(protocol.SessionAPIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SessionAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid session api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
