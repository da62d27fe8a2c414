package httpapi

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pictrace/pictrace/shield"
)

// requireAdmin enforces basic auth against the configured admin
// credentials. The password is checked against a bcrypt hash.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.adminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.adminHash), []byte(pass)) != nil {
			shield.GetLogger(r.Context()).Warn("admin auth rejected")
			w.Header().Set("WWW-Authenticate", `Basic realm="pictrace admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breaker":   s.svc.Breaker().Stats(),
		"in_flight": s.svc.InFlight(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.svc.Breaker().Reset()
	shield.GetLogger(r.Context()).Info("breaker reset by admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"breaker": s.svc.Breaker().Stats(),
	})
}
