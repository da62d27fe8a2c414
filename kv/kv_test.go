package kv

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// fakeClock is a mutable clock shared between a test and a store.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// backends returns every Store implementation the contract suite runs
// against. Redis is only exercised when REDIS_ADDR is set.
func backends(t *testing.T) map[string]func(t *testing.T, clk *fakeClock) Store {
	t.Helper()
	m := map[string]func(t *testing.T, clk *fakeClock) Store{
		"memory": func(t *testing.T, clk *fakeClock) Store {
			s := NewMemory()
			s.now = clk.Now
			return s
		},
		"sqlite": func(t *testing.T, clk *fakeClock) Store {
			s, err := OpenSQLite(":memory:", WithClock(clk.Now))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		m["redis"] = func(t *testing.T, clk *fakeClock) Store {
			s, err := NewRedis(context.Background(), addr, "", 15)
			if err != nil {
				t.Fatalf("connect redis: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return m
}

func TestStore_RoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, newFakeClock())

			if v, err := s.Get(ctx, "absent"); err != nil || v != nil {
				t.Fatalf("absent key: got %v, %v", v, err)
			}
			if err := s.Put(ctx, "k", []byte("v1"), 0); err != nil {
				t.Fatalf("put: %v", err)
			}
			v, err := s.Get(ctx, "k")
			if err != nil || string(v) != "v1" {
				t.Fatalf("get: got %q, %v", v, err)
			}

			// Overwrite.
			if err := s.Put(ctx, "k", []byte("v2"), 0); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if v, _ := s.Get(ctx, "k"); string(v) != "v2" {
				t.Fatalf("after overwrite: got %q", v)
			}

			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if v, _ := s.Get(ctx, "k"); v != nil {
				t.Fatalf("after delete: got %q", v)
			}
			// Deleting again is fine.
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatalf("double delete: %v", err)
			}
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	for name, open := range backends(t) {
		if name == "redis" {
			continue // redis expiry uses server time, not the fake clock
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newFakeClock()
			s := open(t, clk)

			if err := s.Put(ctx, "ttl", []byte("x"), time.Hour); err != nil {
				t.Fatalf("put: %v", err)
			}
			if v, _ := s.Get(ctx, "ttl"); string(v) != "x" {
				t.Fatalf("before expiry: got %q", v)
			}

			clk.Advance(time.Hour + time.Second)
			if v, err := s.Get(ctx, "ttl"); err != nil || v != nil {
				t.Fatalf("after expiry: got %q, %v", v, err)
			}
		})
	}
}

func TestMemory_SweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s := NewMemory()
	s.now = clk.Now

	s.Put(ctx, "a", []byte("1"), time.Minute)
	s.Put(ctx, "b", []byte("2"), time.Hour)
	clk.Advance(30 * time.Minute)
	s.sweep()

	if s.Len() != 1 {
		t.Fatalf("after sweep: %d entries, want 1", s.Len())
	}
	if v, _ := s.Get(ctx, "b"); string(v) != "2" {
		t.Fatal("unexpired entry lost by sweep")
	}
}

func TestSQLite_SweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, err := OpenSQLite(":memory:", WithClock(clk.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.Put(ctx, "a", []byte("1"), time.Minute)
	s.Put(ctx, "b", []byte("2"), time.Hour)
	s.Put(ctx, "c", []byte("3"), 0) // no expiry

	clk.Advance(30 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if v, _ := s.Get(ctx, "c"); string(v) != "3" {
		t.Fatal("non-expiring entry lost by sweep")
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Put(ctx, "k", []byte("abc"), 0)

	v, _ := s.Get(ctx, "k")
	v[0] = 'X'

	v2, _ := s.Get(ctx, "k")
	if string(v2) != "abc" {
		t.Fatalf("stored value mutated through returned slice: %q", v2)
	}
}
