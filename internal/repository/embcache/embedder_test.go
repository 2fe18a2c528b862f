package embcache

import (
	"bytes"
	"testing"
)

func TestVectorCacheBytes_RoundTrip(t *testing.T) {
	in := []float32{0.5, -2.25, 0, 1e-6}

	data := vectorToCacheBytes(in)
	out, err := bytesToVector(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("element %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func TestBytesToVector_InvalidLength(t *testing.T) {
	if _, err := bytesToVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for non-multiple-of-4 data")
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	if cacheKey("hello") != cacheKey("hello") {
		t.Error("same text must yield the same cache key")
	}
	if cacheKey("hello") == cacheKey("world") {
		t.Error("different texts must yield different cache keys")
	}
	if !bytes.HasPrefix([]byte(cacheKey("x")), []byte(cacheKeyPrefix)) {
		t.Error("cache key must carry the namespace prefix")
	}
}
