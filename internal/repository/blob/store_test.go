package blob

import (
	"bytes"
	"testing"
)

func TestStore_PutGet(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	data := []byte("thumbnail bytes")
	if err := s.Put("thumbnails/42.png", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("thumbnails/42.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := s.Get("nope/missing.bin"); err == nil {
		t.Error("expected error for missing blob")
	}
}
