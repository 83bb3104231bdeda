// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs of the requested version.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	for _, version := range []Version{V4, V7} {
		gen := New(version)
		id1, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		id2, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if id1 == id2 {
			t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
		}
		parsed, err := goUUID.Parse(id1)
		if err != nil {
			t.Fatalf("id1 not valid UUID: %v", err)
		}
		if int(parsed.Version()) != int(version) {
			t.Fatalf("expected version %d, got %d", version, parsed.Version())
		}
	}
}

func TestGeneratorUnknownVersionFallsBack(t *testing.T) {
	t.Parallel()

	id, err := New(Version(3)).NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	parsed, err := goUUID.Parse(id)
	if err != nil {
		t.Fatalf("not valid UUID: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected v4 fallback, got %d", parsed.Version())
	}
}
