package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store. Used in tests and single-instance
// deployments where the cache does not need to survive restarts.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.items, key)
		return nil, nil
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of live entries (expired entries included
// until swept or read).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// StartSweeper starts a background goroutine that evicts expired
// entries every interval. Stops when done is closed.
func (m *Memory) StartSweeper(done <-chan struct{}, interval time.Duration) {
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.sweep()
			}
		}
	}()
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	for k, e := range m.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
