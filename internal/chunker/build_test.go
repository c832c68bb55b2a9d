package chunker

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/chiralnode/core/internal/crypto"
	"github.com/zeebo/blake3"
)

// fakeStore is a map-backed chunkPersister for tests that don't need a
// real internal/chunstore.Store on disk.
type fakeStore struct {
	chunks map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{chunks: make(map[string][]byte)} }

func (f *fakeStore) Put(hashB64 string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.chunks[hashB64] = cp
	return nil
}

func TestBuildEncryptedManifest_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "hello.bin")
	plaintext := []byte("hello-world")
	if err := os.WriteFile(testFile, plaintext, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	recipient, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate recipient keypair: %v", err)
	}

	store := newFakeStore()
	manifest, err := BuildEncryptedManifest(testFile, store, recipient.PublicKey, ChunkOptions{ChunkSize: 4})
	if err != nil {
		t.Fatalf("BuildEncryptedManifest: %v", err)
	}

	if manifest.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks for an 11-byte file at chunk size 4, got %d", manifest.ChunkCount)
	}
	wantLengths := []int{4, 4, 3}
	for i, want := range wantLengths {
		if manifest.Chunks[i].Length != want {
			t.Errorf("chunk %d: expected plaintext length %d, got %d", i, want, manifest.Chunks[i].Length)
		}
		if manifest.Chunks[i].EncryptedLength != want+chunkNonceSize+chunkTagSize {
			t.Errorf("chunk %d: expected encrypted length %d, got %d", i, want+chunkNonceSize+chunkTagSize, manifest.Chunks[i].EncryptedLength)
		}
	}

	if manifest.EncryptedKeyBundle == nil {
		t.Fatal("expected a non-nil EncryptedKeyBundle")
	}

	// Recover the data key and decrypt every persisted chunk, verifying
	// each decrypts back to the exact plaintext slice it was built from
	// (P1/P3 from spec's testable-properties list).
	dataKey, err := crypto.UnwrapDataKey(manifest.EncryptedKeyBundle, recipient.PrivateKey)
	if err != nil {
		t.Fatalf("UnwrapDataKey: %v", err)
	}

	offset := 0
	for i, desc := range manifest.Chunks {
		onDisk, ok := store.chunks[desc.Hash]
		if !ok {
			t.Fatalf("chunk %d (%s) not found in store", i, desc.Hash)
		}
		nonce := onDisk[:chunkNonceSize]
		ciphertext := onDisk[chunkNonceSize:]
		decrypted, err := crypto.Open(dataKey[:], nonce, nil, ciphertext)
		if err != nil {
			t.Fatalf("decrypt chunk %d: %v", i, err)
		}
		want := plaintext[offset : offset+desc.Length]
		if string(decrypted) != string(want) {
			t.Errorf("chunk %d: decrypted %q, want %q", i, decrypted, want)
		}
		h := blake3.Sum256(decrypted)
		if base64.StdEncoding.EncodeToString(h[:]) != desc.Hash {
			t.Errorf("chunk %d: decrypted bytes do not hash to the descriptor's hash (P1 violated)", i)
		}
		offset += desc.Length
	}

	root, err := ComputeMerkleRoot(chunkHashesOf(manifest))
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if root != manifest.MerkleRoot {
		t.Errorf("recomputed merkle root %q != manifest root %q (P2 violated)", root, manifest.MerkleRoot)
	}
}

func TestBuildEncryptedManifest_WrongRecipientFails(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "f.bin")
	if err := os.WriteFile(testFile, []byte("some data"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	recipient, _ := crypto.GenerateX25519()
	impostor, _ := crypto.GenerateX25519()

	store := newFakeStore()
	manifest, err := BuildEncryptedManifest(testFile, store, recipient.PublicKey, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("BuildEncryptedManifest: %v", err)
	}

	if _, err := crypto.UnwrapDataKey(manifest.EncryptedKeyBundle, impostor.PrivateKey); err == nil {
		t.Fatal("expected UnwrapDataKey to fail for the wrong recipient")
	}
}

func TestBuildEncryptedManifest_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "empty.bin")
	if err := os.WriteFile(testFile, nil, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	recipient, _ := crypto.GenerateX25519()
	store := newFakeStore()
	manifest, err := BuildEncryptedManifest(testFile, store, recipient.PublicKey, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("BuildEncryptedManifest: %v", err)
	}
	if manifest.ChunkCount != 0 || manifest.Chunks != nil {
		t.Errorf("expected zero chunks for an empty file, got count=%d chunks=%v", manifest.ChunkCount, manifest.Chunks)
	}
	if manifest.EncryptedKeyBundle == nil {
		t.Error("expected an EncryptedKeyBundle even for an empty file")
	}
	if len(store.chunks) != 0 {
		t.Errorf("expected no chunks persisted for an empty file, got %d", len(store.chunks))
	}
}

func chunkHashesOf(m *Manifest) []string {
	hashes := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		hashes[i] = c.Hash
	}
	return hashes
}
