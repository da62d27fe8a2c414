// Package httpapi exposes the search service over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pictrace/pictrace/search"
	"github.com/pictrace/pictrace/shield"
	"github.com/pictrace/pictrace/turnstile"
)

// Server holds the HTTP surface over a search service.
type Server struct {
	svc       *search.Service
	log       *slog.Logger
	turnstile *turnstile.Client
	adminUser string
	adminHash string
}

// Option adjusts a Server.
type Option func(*Server)

// WithTurnstile gates public search submissions behind challenge
// verification.
func WithTurnstile(c *turnstile.Client) Option {
	return func(s *Server) { s.turnstile = c }
}

// WithAdmin enables the admin endpoints. hash is a bcrypt password hash.
func WithAdmin(user, hash string) Option {
	return func(s *Server) {
		s.adminUser = user
		s.adminHash = hash
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds a Server over the given service.
func New(svc *search.Service, opts ...Option) *Server {
	s := &Server{svc: svc, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the full route tree with the shield middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.turnstile != nil {
				r.Use(shield.TurnstileGate(s.turnstile))
			}
			r.Post("/search", s.handleSearch)
		})
		r.Get("/search/tasks/{id}", s.handleTaskStatus)

		if s.adminUser != "" && s.adminHash != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/status", s.handleAdminStatus)
				r.Post("/breaker/reset", s.handleBreakerReset)
			})
		}
	})

	return r
}
