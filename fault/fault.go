// Package fault defines the closed set of error variants used across
// pictrace. Each variant carries a stable machine-readable code, the HTTP
// status it maps to, and a public context safe to serialize into client
// responses. Anything sensitive (provider payloads, wrapped causes) stays
// in struct fields that never cross the process boundary.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a fault class in API responses and logs.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeRateLimit         Code = "rate_limited"
	CodeProviderClient    Code = "provider_client_error"
	CodeProviderTransient Code = "provider_unavailable"
	CodeCircuitOpen       Code = "circuit_open"
	CodeNetwork           Code = "network_error"
	CodeCache             Code = "cache_error"
)

// Fault is the common surface of all pictrace error variants. Callers
// match on the concrete type with errors.As; this interface exists for
// the HTTP boundary, which only needs code, status and public context.
type Fault interface {
	error
	FaultCode() Code
	HTTPStatus() int
	// PublicContext returns the fields that are safe to serialize into a
	// client-visible response. Keys are response-schema names.
	PublicContext() map[string]any
}

// Validation reports malformed or unsafe caller input. It carries only
// the failing field name, never the offending value.
type Validation struct {
	Field  string
	Reason string // generic description, must not embed the input
}

func (e *Validation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
func (e *Validation) FaultCode() Code { return CodeValidation }
func (e *Validation) HTTPStatus() int { return 400 }
func (e *Validation) PublicContext() map[string]any {
	return map[string]any{"field": e.Field}
}

// RateLimit reports an exhausted request quota.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimit) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per day", e.Limit)
}
func (e *RateLimit) FaultCode() Code { return CodeRateLimit }
func (e *RateLimit) HTTPStatus() int { return 429 }
func (e *RateLimit) PublicContext() map[string]any {
	return map[string]any{
		"limit":     e.Limit,
		"remaining": e.Remaining,
		"reset_at":  e.ResetAt.UTC().Format(time.RFC3339),
	}
}

// ProviderClient reports a non-retryable 4xx from the search provider.
// Auth failures keep their original 401/403 status; every other status
// is bucketed to the nearest hundred. ProviderCode and RawBody are
// internal-only.
type ProviderClient struct {
	StatusCode   int    // provider's own HTTP status
	ProviderCode string // provider-specific error code, internal-only
	RawBody      string // truncated provider payload, internal-only
}

func (e *ProviderClient) Error() string {
	return fmt.Sprintf("provider rejected request (status %d)", e.StatusCode)
}
func (e *ProviderClient) FaultCode() Code { return CodeProviderClient }
func (e *ProviderClient) HTTPStatus() int {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return e.StatusCode
	}
	bucketed := e.StatusCode / 100 * 100
	if bucketed < 400 || bucketed > 500 {
		return 502
	}
	return bucketed
}
func (e *ProviderClient) PublicContext() map[string]any { return nil }

// ProviderTransient reports a provider failure that survived the retry
// budget (5xx, 429, repeated timeouts).
type ProviderTransient struct {
	StatusCode int
	Attempts   int
	Cause      error
}

func (e *ProviderTransient) Error() string {
	return fmt.Sprintf("provider unavailable after %d attempts (status %d)", e.Attempts, e.StatusCode)
}
func (e *ProviderTransient) Unwrap() error   { return e.Cause }
func (e *ProviderTransient) FaultCode() Code { return CodeProviderTransient }
func (e *ProviderTransient) HTTPStatus() int { return 502 }
func (e *ProviderTransient) PublicContext() map[string]any { return nil }

// CircuitOpen reports a call rejected by an open circuit breaker.
type CircuitOpen struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open: %s (retry in %s)", e.Service, e.RetryAfter)
}
func (e *CircuitOpen) FaultCode() Code { return CodeCircuitOpen }
func (e *CircuitOpen) HTTPStatus() int { return 503 }
func (e *CircuitOpen) PublicContext() map[string]any {
	secs := int(e.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return map[string]any{"retry_after": secs}
}

// Network reports a transport-level failure on an outbound call.
type Network struct {
	Op      string // "submit", "fetch", "verify"
	Timeout bool
	Cause   error
}

func (e *Network) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out", e.Op)
	}
	return fmt.Sprintf("%s failed: network error", e.Op)
}
func (e *Network) Unwrap() error   { return e.Cause }
func (e *Network) FaultCode() Code { return CodeNetwork }
func (e *Network) HTTPStatus() int {
	if e.Timeout {
		return 504
	}
	return 502
}
func (e *Network) PublicContext() map[string]any {
	return map[string]any{"timeout": e.Timeout}
}

// Cache reports a failed cache operation. The request path treats these
// as a miss; they surface only in logs.
type Cache struct {
	Op    string // "get", "put", "map_task", "resolve_task"
	Cause error
}

func (e *Cache) Error() string  { return fmt.Sprintf("cache %s failed", e.Op) }
func (e *Cache) Unwrap() error  { return e.Cause }
func (e *Cache) FaultCode() Code { return CodeCache }
func (e *Cache) HTTPStatus() int { return 500 }
func (e *Cache) PublicContext() map[string]any {
	return map[string]any{"operation": e.Op}
}

// As extracts the Fault from err, if any.
func As(err error) (Fault, bool) {
	var f Fault
	ok := errors.As(err, &f)
	return f, ok
}
