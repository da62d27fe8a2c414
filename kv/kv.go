// Package kv provides the key-value store used for rate-limit counters,
// cached search results and task mappings. All values carry a TTL; a
// missing or expired key reads as (nil, nil), never an error. The store
// offers no transactions; callers own any atomicity assumptions.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with per-entry expiry.
type Store interface {
	// Get returns the value for key, or (nil, nil) if the key is absent
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
