// Package ratelimit enforces per-caller daily request quotas on top of
// the kv store. Counters are keyed by (bucket, caller, UTC day) and
// expire on their own after 24h, so crossing the day boundary always
// starts fresh.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pictrace/pictrace/kv"
)

const counterTTL = 24 * time.Hour

// Result reports the outcome of a quota check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is a rolling window from this request (now + 24h), not
	// the start of the next calendar day.
	ResetAt time.Time
}

// Limiter checks and increments daily counters. The store's
// read-then-write is not atomic; Check re-reads after writing and
// retries a bounded number of times to narrow (not close) the race
// window under concurrent requests from the same caller.
type Limiter struct {
	verifyAttempts int
	verifyDelay    time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets a custom clock (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// WithSleep sets a custom inter-verify delay function (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

// New creates a Limiter with the default verify policy: 3 attempts,
// 50ms apart.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		verifyAttempts: 3,
		verifyDelay:    50 * time.Millisecond,
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check increments the caller's counter for today and reports whether
// the request is within limit. The counter increments even for a denied
// call, so probing the limit is never free. Store failures propagate.
func (l *Limiter) Check(ctx context.Context, store kv.Store, callerID string, limit int, bucket string) (Result, error) {
	now := l.now().UTC()
	key := fmt.Sprintf("rl:%s:%s:%s", bucket, callerID, now.Format("2006-01-02"))

	count, err := l.readCount(ctx, store, key)
	if err != nil {
		return Result{}, err
	}
	next := count + 1

	if err := store.Put(ctx, key, []byte(strconv.Itoa(next)), counterTTL); err != nil {
		return Result{}, fmt.Errorf("ratelimit: write counter: %w", err)
	}

	// Re-read to detect a lost update from a concurrent request. On
	// disagreement, take the larger value and write it back.
	for attempt := 0; attempt < l.verifyAttempts; attempt++ {
		got, err := l.readCount(ctx, store, key)
		if err != nil {
			return Result{}, err
		}
		if got >= next {
			next = got
			break
		}
		slog.Debug("ratelimit: counter verify mismatch",
			"key", key, "wrote", next, "read", got, "attempt", attempt+1)
		if err := store.Put(ctx, key, []byte(strconv.Itoa(next)), counterTTL); err != nil {
			return Result{}, fmt.Errorf("ratelimit: rewrite counter: %w", err)
		}
		if attempt < l.verifyAttempts-1 {
			if err := l.sleep(ctx, l.verifyDelay); err != nil {
				return Result{}, err
			}
		}
	}

	remaining := limit - next
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   next <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(counterTTL),
	}, nil
}

func (l *Limiter) readCount(ctx context.Context, store kv.Store, key string) (int, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: read counter: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		// A corrupt counter resets the day rather than failing requests.
		slog.Warn("ratelimit: corrupt counter, resetting", "key", key)
		return 0, nil
	}
	return n, nil
}
