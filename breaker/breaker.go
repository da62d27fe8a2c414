// Package breaker implements a circuit breaker protecting the search
// provider from cascading failure. State is process-local and
// non-durable: every process starts closed, and a fleet of instances
// each tracks provider health independently. Thread-safe; all
// transitions happen under a mutex, and the open→half-open transition
// is evaluated lazily on call, not by a background timer.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pictrace/pictrace/fault"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through, failures counted
	StateOpen                  // calls rejected immediately
	StateHalfOpen              // a bounded number of trial calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker tracks the health of one protected dependency.
type Breaker struct {
	mu      sync.Mutex
	service string
	state   State

	// Per-window counters, reset on each transition into closed or
	// half-open.
	failures  int
	successes int

	// Cumulative counters, never reset.
	totalCalls    uint64
	totalFailures uint64

	halfOpenInFlight int
	lastFailure      time.Time
	lastSuccess      time.Time

	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the
// breaker open. Default: 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithResetTimeout sets how long the breaker stays open before allowing
// half-open trial calls. Default: 30s.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithHalfOpenMax sets both the number of successes needed to close
// from half-open and the cap on concurrent trial calls. Default: 3.
func WithHalfOpenMax(n int) Option {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// New creates a breaker for the named dependency with defaults:
// 5 failures to open, 30s reset timeout, 3 half-open trial calls.
func New(service string, opts ...Option) *Breaker {
	b := &Breaker{
		service:      service,
		state:        StateClosed,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  3,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Execute runs fn behind the breaker b. If the breaker rejects the
// call, fn is not invoked and a fault.CircuitOpen carrying a retry-after
// estimate is returned.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.allow(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// isFailure reports whether err indicates an unhealthy dependency.
// Client-side rejections carry a response from a perfectly healthy
// provider and must not push the circuit toward open.
func isFailure(err error) bool {
	if err == nil {
		return false
	}
	var pc *fault.ProviderClient
	return !errors.As(err, &pc)
}

// allow admits or rejects a call, transitioning open→half-open lazily
// when the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return &fault.CircuitOpen{Service: b.service, RetryAfter: b.retryAfterLocked()}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMax {
			// Excess trial calls would stampede a recovering dependency.
			return &fault.CircuitOpen{Service: b.service, RetryAfter: b.retryAfterLocked()}
		}
		b.halfOpenInFlight++
	}
	b.totalCalls++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if isFailure(err) {
		b.totalFailures++
		b.lastFailure = b.now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.threshold {
				b.state = StateOpen
			}
		case StateHalfOpen:
			// Any failure while half-open reopens the circuit.
			b.state = StateOpen
			b.successes = 0
		}
		return
	}

	b.lastSuccess = b.now()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.toClosed()
		}
	}
}

// maybeHalfOpen moves an open breaker to half-open once the reset
// timeout has elapsed since the last failure. Must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) retryAfterLocked() time.Duration {
	remaining := b.resetTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
}

// State returns the current state, applying the lazy open→half-open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Reset forces the breaker back to closed. Cumulative counters are
// preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

// Stats is a snapshot of the breaker's counters.
type Stats struct {
	Service       string    `json:"service"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`       // current window
	Successes     int       `json:"successes"`      // current window
	TotalCalls    uint64    `json:"total_calls"`    // admitted calls, cumulative
	TotalFailures uint64    `json:"total_failures"` // cumulative
	LastFailure   time.Time `json:"last_failure,omitzero"`
	LastSuccess   time.Time `json:"last_success,omitzero"`
}

// Stats returns a snapshot of the breaker state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Stats{
		Service:       b.service,
		State:         b.state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
	}
}
