// Package dedup collapses concurrent identical requests into one
// execution. For any number of callers sharing a key, the wrapped
// function runs at most once concurrently; a successful result is
// additionally shared with callers arriving within a short cooldown,
// while a failure is forgotten immediately so the next call can retry.
//
// The group is process-local, in-memory state. A fleet of instances
// each has its own independent group; the guarantee is exact only
// within one instance's lifetime.
package dedup

import (
	"context"
	"sync"
	"time"
)

type entry[T any] struct {
	done        chan struct{} // closed when the execution settles
	val         T
	err         error
	started     time.Time
	completedAt time.Time // zero while pending
	failed      bool
}

// Group deduplicates calls by key. The zero value is not usable; use New.
type Group[T any] struct {
	mu            sync.Mutex
	entries       map[string]*entry[T]
	cooldown      time.Duration
	maxPendingAge time.Duration
	now           func() time.Time
}

// Option configures a Group.
type Option[T any] func(*Group[T])

// WithCooldown sets how long a successful result stays joinable after
// completion. Default: 2s.
func WithCooldown[T any](d time.Duration) Option[T] {
	return func(g *Group[T]) { g.cooldown = d }
}

// WithMaxPendingAge sets the age at which a still-pending execution is
// considered hung and a new one may start. Default: 30s.
func WithMaxPendingAge[T any](d time.Duration) Option[T] {
	return func(g *Group[T]) { g.maxPendingAge = d }
}

// WithClock sets a custom clock (for testing).
func WithClock[T any](fn func() time.Time) Option[T] {
	return func(g *Group[T]) { g.now = fn }
}

// New creates a Group with the default cooldown (2s) and pending age
// limit (30s).
func New[T any](opts ...Option[T]) *Group[T] {
	g := &Group[T]{
		entries:       make(map[string]*entry[T]),
		cooldown:      2 * time.Second,
		maxPendingAge: 30 * time.Second,
		now:           time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Do executes fn for key, or joins an execution already in flight (or
// in cooldown) for the same key. Joining callers wait for the shared
// result; a caller whose ctx is cancelled while waiting returns
// ctx.Err() without cancelling the execution or other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	if e, ok := g.entries[key]; ok && g.joinable(e) {
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-e.done:
			return e.val, e.err
		}
	}

	e := &entry[T]{done: make(chan struct{}), started: g.now()}
	g.entries[key] = e
	g.mu.Unlock()

	val, err := fn(ctx)

	g.mu.Lock()
	e.val, e.err = val, err
	e.completedAt = g.now()
	e.failed = err != nil
	// A failed execution is removed at once so a retry is never
	// deduplicated against it. Only remove if a stale takeover has not
	// already replaced the slot.
	if err != nil && g.entries[key] == e {
		delete(g.entries, key)
	}
	close(e.done)
	g.mu.Unlock()

	return val, err
}

// joinable reports whether a new caller should share e instead of
// starting its own execution. Must be called with mu held.
func (g *Group[T]) joinable(e *entry[T]) bool {
	now := g.now()
	if e.completedAt.IsZero() {
		// Pending: joinable unless it has been hanging too long.
		return now.Sub(e.started) < g.maxPendingAge
	}
	return !e.failed && now.Sub(e.completedAt) < g.cooldown
}

// Len returns the number of tracked keys (pending and cooldown).
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// StartSweeper starts a background goroutine that removes entries past
// their cooldown, entries pending longer than the age limit, and any
// failed leftovers. Stops when done is closed.
func (g *Group[T]) StartSweeper(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				g.sweep()
			}
		}
	}()
}

func (g *Group[T]) sweep() {
	now := g.now()
	g.mu.Lock()
	for k, e := range g.entries {
		switch {
		case e.failed:
			delete(g.entries, k)
		case e.completedAt.IsZero():
			if now.Sub(e.started) >= g.maxPendingAge {
				delete(g.entries, k)
			}
		case now.Sub(e.completedAt) >= g.cooldown:
			delete(g.entries, k)
		}
	}
	g.mu.Unlock()
}
