package manager

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/chunker"
	"github.com/zeebo/blake3"
)

// BitmapSidecar is the on-disk JSON companion to a job's .tmp file,
// <tmp_dir>/<job_id>.bitmap, documenting which chunks have landed so a
// restarted daemon can resume without re-querying the SQLite index.
type BitmapSidecar struct {
	JobID           string  `json:"job_id"`
	TotalChunks     int64   `json:"total_chunks"`
	ReceivedChunks  []int64 `json:"received_chunks"`
	SavedAt         string  `json:"saved_at"`
}

func tmpFilePath(tmpDir, jobID string) string {
	return filepath.Join(tmpDir, jobID+".tmp")
}

func bitmapSidecarPath(tmpDir, jobID string) string {
	return filepath.Join(tmpDir, jobID+".bitmap")
}

// SaveSidecar writes bitmap's current state to <tmp_dir>/<job_id>.bitmap as
// JSON, overwriting any prior sidecar for the same job.
func SaveSidecar(tmpDir, jobID string, bitmap *ChunkBitmap) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return chiralerr.IO(fmt.Errorf("create temp dir: %w", err))
	}

	sc := BitmapSidecar{
		JobID:          jobID,
		TotalChunks:    bitmap.totalChunks,
		ReceivedChunks: bitmap.GetReceived(),
		SavedAt:        time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(&sc)
	if err != nil {
		return fmt.Errorf("marshal bitmap sidecar: %w", err)
	}

	path := bitmapSidecarPath(tmpDir, jobID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return chiralerr.IO(fmt.Errorf("write bitmap sidecar: %w", err))
	}
	return nil
}

// LoadBitmapSidecar reads <tmp_dir>/<job_id>.bitmap and reconstructs a
// ChunkBitmap from its received_chunks list. It returns ErrBitmapNotFound
// if no sidecar exists for jobID, matching BitmapStore.LoadBitmap's
// not-found signaling so callers can treat the two sources uniformly.
func LoadBitmapSidecar(tmpDir, jobID string) (*ChunkBitmap, error) {
	path := bitmapSidecarPath(tmpDir, jobID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrBitmapNotFound
	} else if err != nil {
		return nil, chiralerr.IO(fmt.Errorf("read bitmap sidecar: %w", err))
	}

	var sc BitmapSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse bitmap sidecar: %w", err)
	}

	bitmap := NewChunkBitmap(jobID, sc.TotalChunks)
	for _, idx := range sc.ReceivedChunks {
		if err := bitmap.SetChunk(idx); err != nil {
			return nil, fmt.Errorf("restore chunk %d from sidecar: %w", idx, err)
		}
	}
	return bitmap, nil
}

// WriteChunk performs a sparse write of data into <tmp_dir>/<job_id>.tmp at
// chunkIndex*chunkSize, creating the file if needed. It mirrors
// write_chunk_temp's open/seek/write/flush/fsync sequence so a crash between
// chunks leaves previously-written bytes durable on disk.
func WriteChunk(tmpDir, jobID string, chunkIndex int64, chunkSize int64, data []byte) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return chiralerr.IO(fmt.Errorf("create temp dir: %w", err))
	}

	path := tmpFilePath(tmpDir, jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return chiralerr.PermissionDenied(err)
		}
		return chiralerr.IO(fmt.Errorf("open temp file: %w", err))
	}
	defer f.Close()

	offset := chunkIndex * chunkSize
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return chiralerr.IO(fmt.Errorf("seek to offset %d: %w", offset, err))
	}

	if _, err := f.Write(data); err != nil {
		if isDiskFull(err) {
			return chiralerr.DiskFull(err)
		}
		return chiralerr.IO(fmt.Errorf("write chunk %d: %w", chunkIndex, err))
	}

	if err := f.Sync(); err != nil {
		return chiralerr.IO(fmt.Errorf("fsync chunk %d: %w", chunkIndex, err))
	}

	return nil
}

// VerifyAndFinalize recomputes the assembled file's Merkle root chunk by
// chunk from <tmp_dir>/<job_id>.tmp, compares it against expectedRoot, and
// atomically renames the temp file to finalPath on success. The temp file
// is left in place on verification failure so a caller can inspect or
// retry without re-downloading everything.
func VerifyAndFinalize(tmpDir, jobID string, manifest *chunker.Manifest, finalPath string) error {
	tmpPath := tmpFilePath(tmpDir, jobID)

	if _, err := os.Stat(tmpPath); err != nil {
		if os.IsNotExist(err) {
			return chiralerr.IO(fmt.Errorf("temp file not found for job %s", jobID))
		}
		return chiralerr.IO(fmt.Errorf("stat temp file: %w", err))
	}

	computedRoot, err := computeAssembledMerkleRoot(tmpPath, manifest)
	if err != nil {
		return chiralerr.IO(fmt.Errorf("compute merkle root: %w", err))
	}

	if computedRoot != manifest.MerkleRoot {
		return chiralerr.HashMismatch(fmt.Errorf("merkle root mismatch: expected %s, got %s", manifest.MerkleRoot, computedRoot))
	}

	if parent := filepath.Dir(finalPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return chiralerr.IO(fmt.Errorf("create destination directory: %w", err))
		}
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if os.IsPermission(err) {
			return chiralerr.PermissionDenied(err)
		}
		return chiralerr.IO(fmt.Errorf("move to final location: %w", err))
	}

	return nil
}

// computeAssembledMerkleRoot hashes the temp file's bytes in manifest chunk
// order, mirroring chunk_receiver.go's computeFileMerkleRoot so the two
// verification paths (streamed-in-flight vs. finalize-at-rest) agree.
func computeAssembledMerkleRoot(path string, manifest *chunker.Manifest) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hashes := make([]string, 0, manifest.ChunkCount)
	for i := 0; i < int(manifest.ChunkCount); i++ {
		desc := manifest.Chunks[i]
		buf := make([]byte, desc.Length)
		if _, err := f.Seek(int64(i)*int64(manifest.ChunkSize), io.SeekStart); err != nil {
			return "", err
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return "", fmt.Errorf("read chunk %d: %w", i, err)
		}
		h := blake3.Sum256(buf)
		hashes = append(hashes, base64.StdEncoding.EncodeToString(h[:]))
	}

	return chunker.ComputeMerkleRoot(hashes)
}

// CleanupTransferTemp removes a job's .tmp and .bitmap files, accumulating
// rather than short-circuiting on the first error so callers always get a
// complete picture of what (if anything) couldn't be removed.
func CleanupTransferTemp(tmpDir, jobID string) error {
	var errs []error

	if err := os.Remove(tmpFilePath(tmpDir, jobID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove temp file: %w", err))
	}
	if err := os.Remove(bitmapSidecarPath(tmpDir, jobID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove bitmap sidecar: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return chiralerr.IO(fmt.Errorf("%s", msg))
}

// isDiskFull reports whether err is (or wraps) ENOSPC, the errno Write
// returns when the filesystem backing the temp directory is full.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
