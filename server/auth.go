package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// adminOnly wraps an operator handler with Bearer token authentication.
// When AdminToken is empty it is a no-op.
func (s *Server) adminOnly(next http.HandlerFunc) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
