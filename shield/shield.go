// Package shield provides the HTTP middleware stack for the pictrace
// API: security headers, request body limits, request IDs with
// per-request loggers, client IP extraction, and an optional Turnstile
// challenge gate.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack, ordered:
// SecurityHeaders → MaxJSONBody → RequestID → ClientIP.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(64 * 1024),
		RequestID,
		ClientIP,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
