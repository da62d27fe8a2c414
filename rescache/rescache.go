// Package rescache maps an image's identity to previously computed
// search results, and maps provider task IDs back to their cache slot.
// Keys are content-addressed when the caller supplies an image content
// hash, and URL-addressed otherwise; the two namespaces never collide.
//
// Cache corruption (malformed JSON, wrong payload shape) reads as a
// miss, never an error: a broken cache must only ever force a fresh
// provider call, not fail the request.
package rescache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pictrace/pictrace/fault"
	"github.com/pictrace/pictrace/kv"
	"github.com/pictrace/pictrace/provider"
)

const (
	// DefaultResultTTL is how long computed results stay cached.
	DefaultResultTTL = 48 * time.Hour
	// DefaultTaskTTL is how long a task→key mapping survives.
	DefaultTaskTTL = time.Hour

	taskPrefix = "task:"
)

// Key identifies a cache slot: "hash:<sha256>" for content-addressed
// entries, "url:<sha256-of-url>" otherwise.
type Key string

// CachedResult is the stored value. Written once per successful
// provider round trip with at least one result; never mutated in place.
type CachedResult struct {
	TaskID   string                  `json:"task_id,omitempty"`
	Results  []provider.SearchResult `json:"results"`
	CheckURL string                  `json:"check_url,omitempty"`
	CachedAt time.Time               `json:"cached_at"`
}

// BuildKey derives the cache key for an image. A 64-char lowercase hex
// contentHash produces a content-addressed key, stable across different
// URLs pointing at identical bytes; anything else falls back to hashing
// the URL string. The prefixes keep the two derivations from colliding.
func BuildKey(imageURL, contentHash string) Key {
	if isContentHash(contentHash) {
		return Key("hash:" + contentHash)
	}
	sum := sha256.Sum256([]byte(imageURL))
	return Key("url:" + hex.EncodeToString(sum[:]))
}

func isContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !ok {
			return false
		}
	}
	return true
}

// Get loads the cached result for key. Returns (nil, nil) on a miss,
// including malformed or wrongly shaped payloads. Store failures are
// returned as a cache fault for the caller to log and degrade.
func Get(ctx context.Context, store kv.Store, key Key) (*CachedResult, error) {
	raw, err := store.Get(ctx, string(key))
	if err != nil {
		return nil, &fault.Cache{Op: "get", Cause: err}
	}
	if raw == nil {
		return nil, nil
	}

	// The results field must exist and be a list; anything else is
	// corruption and reads as a miss.
	var shape struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, nil
	}
	if len(shape.Results) == 0 || shape.Results[0] != '[' {
		return nil, nil
	}

	var out CachedResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil
	}
	return &out, nil
}

// Put stores value under key with the given TTL. Results are
// deduplicated by page URL, preserving first-seen order.
func Put(ctx context.Context, store kv.Store, key Key, value *CachedResult, ttl time.Duration) error {
	seen := make(map[string]bool, len(value.Results))
	deduped := make([]provider.SearchResult, 0, len(value.Results))
	for _, r := range value.Results {
		if seen[r.PageURL] {
			continue
		}
		seen[r.PageURL] = true
		deduped = append(deduped, r)
	}
	stored := *value
	stored.Results = deduped

	raw, err := json.Marshal(&stored)
	if err != nil {
		return &fault.Cache{Op: "put", Cause: err}
	}
	if err := store.Put(ctx, string(key), raw, ttl); err != nil {
		return &fault.Cache{Op: "put", Cause: err}
	}
	return nil
}

// MapTask records taskID → key so a later poll can find the cache slot.
func MapTask(ctx context.Context, store kv.Store, taskID string, key Key, ttl time.Duration) error {
	if err := store.Put(ctx, taskPrefix+taskID, []byte(key), ttl); err != nil {
		return &fault.Cache{Op: "map_task", Cause: err}
	}
	return nil
}

// ResolveTask returns the cache key recorded for taskID, or "" if the
// mapping is absent or expired.
func ResolveTask(ctx context.Context, store kv.Store, taskID string) (Key, error) {
	raw, err := store.Get(ctx, taskPrefix+taskID)
	if err != nil {
		return "", &fault.Cache{Op: "resolve_task", Cause: err}
	}
	return Key(raw), nil
}
