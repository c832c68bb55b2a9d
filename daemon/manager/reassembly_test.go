package manager

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/chunker"
	"github.com/zeebo/blake3"
)

func TestWriteChunk_SparseWrite(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "job-1"

	chunkSize := int64(4)
	if err := WriteChunk(tmpDir, jobID, 0, chunkSize, []byte("abcd")); err != nil {
		t.Fatalf("WriteChunk(0): %v", err)
	}
	if err := WriteChunk(tmpDir, jobID, 2, chunkSize, []byte("ijkl")); err != nil {
		t.Fatalf("WriteChunk(2): %v", err)
	}

	data, err := os.ReadFile(tmpFilePath(tmpDir, jobID))
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(data) != 12 {
		t.Fatalf("expected 12 bytes (sparse hole included), got %d", len(data))
	}
	if string(data[0:4]) != "abcd" {
		t.Errorf("chunk 0 not written correctly: %q", data[0:4])
	}
	if string(data[8:12]) != "ijkl" {
		t.Errorf("chunk 2 not written correctly: %q", data[8:12])
	}
}

func TestSaveAndLoadBitmapSidecar(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "job-2"

	bitmap := NewChunkBitmap(jobID, 8)
	bitmap.SetChunk(1)
	bitmap.SetChunk(3)
	bitmap.SetChunk(5)

	if err := SaveSidecar(tmpDir, jobID, bitmap); err != nil {
		t.Fatalf("SaveSidecar: %v", err)
	}

	loaded, err := LoadBitmapSidecar(tmpDir, jobID)
	if err != nil {
		t.Fatalf("LoadBitmapSidecar: %v", err)
	}

	for i := int64(0); i < 8; i++ {
		if bitmap.HasChunk(i) != loaded.HasChunk(i) {
			t.Errorf("chunk %d mismatch after sidecar round-trip", i)
		}
	}
}

func TestLoadBitmapSidecar_NotFound(t *testing.T) {
	tmpDir := t.TempDir()
	_, err := LoadBitmapSidecar(tmpDir, "missing-job")
	if err != ErrBitmapNotFound {
		t.Fatalf("expected ErrBitmapNotFound, got %v", err)
	}
}

func TestVerifyAndFinalize_Success(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "job-3"

	chunks := [][]byte{[]byte("hello, "), []byte("world!!")}
	manifest := buildTestManifest(chunks)

	for i, c := range chunks {
		if err := WriteChunk(tmpDir, jobID, int64(i), int64(manifest.ChunkSize), c); err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
	}

	finalPath := filepath.Join(tmpDir, "out", "result.bin")
	if err := VerifyAndFinalize(tmpDir, jobID, manifest, finalPath); err != nil {
		t.Fatalf("VerifyAndFinalize: %v", err)
	}

	if _, err := os.Stat(finalPath); err != nil {
		t.Fatalf("expected finalized file at %s: %v", finalPath, err)
	}
	if _, err := os.Stat(tmpFilePath(tmpDir, jobID)); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err: %v", err)
	}
}

func TestVerifyAndFinalize_HashMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "job-4"

	chunks := [][]byte{[]byte("hello, "), []byte("world!!")}
	manifest := buildTestManifest(chunks)
	manifest.MerkleRoot = "not-the-real-root"

	for i, c := range chunks {
		if err := WriteChunk(tmpDir, jobID, int64(i), int64(manifest.ChunkSize), c); err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
	}

	finalPath := filepath.Join(tmpDir, "result.bin")
	err := VerifyAndFinalize(tmpDir, jobID, manifest, finalPath)
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if !chiralerr.IsPermanent(err) {
		t.Errorf("expected a permanent (non-retryable) classification for hash mismatch, got %v", err)
	}
	if _, statErr := os.Stat(tmpFilePath(tmpDir, jobID)); statErr != nil {
		t.Error("temp file should be preserved after a failed verification")
	}
}

func TestCleanupTransferTemp(t *testing.T) {
	tmpDir := t.TempDir()
	jobID := "job-5"

	if err := WriteChunk(tmpDir, jobID, 0, 4, []byte("data")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	bitmap := NewChunkBitmap(jobID, 1)
	bitmap.SetChunk(0)
	if err := SaveSidecar(tmpDir, jobID, bitmap); err != nil {
		t.Fatalf("SaveSidecar: %v", err)
	}

	if err := CleanupTransferTemp(tmpDir, jobID); err != nil {
		t.Fatalf("CleanupTransferTemp: %v", err)
	}

	if _, err := os.Stat(tmpFilePath(tmpDir, jobID)); !os.IsNotExist(err) {
		t.Error("expected temp file removed")
	}
	if _, err := os.Stat(bitmapSidecarPath(tmpDir, jobID)); !os.IsNotExist(err) {
		t.Error("expected bitmap sidecar removed")
	}
}

func TestCleanupTransferTemp_MissingFilesIsNotAnError(t *testing.T) {
	tmpDir := t.TempDir()
	if err := CleanupTransferTemp(tmpDir, "never-existed"); err != nil {
		t.Fatalf("expected no error cleaning up a job with no files, got %v", err)
	}
}

// buildTestManifest assembles a Manifest whose MerkleRoot matches the given
// chunk bytes, the same way internal/chunker.ComputeManifest would.
func buildTestManifest(chunks [][]byte) *chunker.Manifest {
	descs := make([]chunker.ChunkDescriptor, len(chunks))
	hashes := make([]string, len(chunks))
	maxLen := 0
	for i, c := range chunks {
		h := blake3.Sum256(c)
		enc := base64.StdEncoding.EncodeToString(h[:])
		descs[i] = chunker.ChunkDescriptor{Index: i, Hash: enc, Length: len(c)}
		hashes[i] = enc
		if len(c) > maxLen {
			maxLen = len(c)
		}
	}
	root, _ := chunker.ComputeMerkleRoot(hashes)
	return &chunker.Manifest{
		ChunkSize:  maxLen,
		ChunkCount: len(chunks),
		Chunks:     descs,
		MerkleRoot: root,
		CreatedAt:  time.Now(),
	}
}
