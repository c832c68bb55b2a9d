package chunstore

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/zeebo/blake3"
)

func hashOf(data []byte) string {
	h := blake3.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

type fakeIndex struct {
	has map[string]bool
}

func newFakeIndex() *fakeIndex { return &fakeIndex{has: map[string]bool{}} }

func (f *fakeIndex) HasChunk(hash string) bool { return f.has[hash] }
func (f *fakeIndex) PutChunk(hash string, length int) error {
	f.has[hash] = true
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	data := []byte("chunk payload")
	hash := hashOf(data)

	if err := s.Put(hash, data); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round-tripped chunk data mismatch")
	}
}

func TestGet_MissingChunk(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := s.Get(hashOf([]byte("nope"))); err != ErrChunkNotFound {
		t.Errorf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestPut_IdempotentViaIndex(t *testing.T) {
	idx := newFakeIndex()
	s, err := New(t.TempDir(), idx)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	data := []byte("first write")
	hash := hashOf(data)
	if err := s.Put(hash, data); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if !idx.HasChunk(hash) {
		t.Fatal("index should record the chunk after Put")
	}

	// A second Put with different bytes under the same hash must be a no-op:
	// the index already claims the hash is present.
	if err := s.Put(hash, []byte("different bytes, same hash per test")); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("second Put() should not have overwritten the existing chunk")
	}
}

func TestHas(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	data := []byte("present")
	hash := hashOf(data)
	if s.Has(hash) {
		t.Fatal("Has() should be false before Put")
	}
	if err := s.Put(hash, data); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if !s.Has(hash) {
		t.Error("Has() should be true after Put")
	}
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	data := []byte("to remove")
	hash := hashOf(data)
	if err := s.Put(hash, data); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Remove(hash); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := s.Get(hash); err != ErrChunkNotFound {
		t.Errorf("expected ErrChunkNotFound after Remove, got %v", err)
	}
	// Removing an already-absent chunk is not an error.
	if err := s.Remove(hash); err != nil {
		t.Errorf("Remove() of absent chunk should be a no-op, got %v", err)
	}
}
