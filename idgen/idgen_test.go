package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_UniqueAndSortable(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()
	if a == b {
		t.Fatal("two generated UUIDs are equal")
	}
	if len(a) != 36 {
		t.Fatalf("unexpected UUID length %d", len(a))
	}
	// v7 IDs generated in sequence sort in generation order.
	if a > b {
		t.Errorf("UUIDv7 not time-ordered: %s > %s", a, b)
	}
}

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Fatalf("length: got %d, want 12", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
	if gen() == gen() {
		t.Fatal("collisions in consecutive NanoIDs")
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("req_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "req_") || len(id) != 12 {
		t.Fatalf("got %q", id)
	}
}
