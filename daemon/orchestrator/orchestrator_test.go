package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chiralnode/core/daemon/dht"
	"github.com/chiralnode/core/daemon/source"
	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/chunker"
	"github.com/chiralnode/core/internal/ratelimit"
)

func unlimitedGovernor() *ratelimit.Governor {
	return ratelimit.NewGovernor(1<<30, 1<<30)
}

func buildManifest(t *testing.T, dir string, content []byte, chunkSize int) *chunker.Manifest {
	t.Helper()
	srcPath := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	manifest, err := chunker.ComputeManifest(srcPath, chunker.ChunkOptions{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	return manifest
}

func TestDownload_SingleSource_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog 0123456789 chiral")
	manifest := buildManifest(t, dir, content, 8)

	directory := dht.NewTestDHT("self")
	if err := directory.PublishFile(context.Background(), manifest, dht.QuorumOne); err != nil {
		t.Fatalf("PublishFile: %v", err)
	}

	rec := source.NewHTTPSource(source.HTTPInfo{URL: "http://good.example/file"})
	dialer := newFakeDialer()
	dialer.add(&fakeSource{record: rec, content: content})

	orch := New(directory, dialer, unlimitedGovernor(), filepath.Join(dir, "jobs"), Config{})
	outPath := filepath.Join(dir, "out.bin")

	job, err := orch.Download(context.Background(), "job-1", manifest.MerkleRoot, outPath, DownloadOptions{
		DeclaredMirrors: []source.SourceRecord{rec},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if job.GetState() != JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (first err: %v)", job.GetState(), job.FirstErr)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("output mismatch: got %q, want %q", got, content)
	}
}

// TestDownload_CorruptSourceTolerance exercises P4: one source always
// returns the wrong bytes for a single chunk (every other chunk and
// source behaves correctly); the orchestrator must degrade that source
// for the bad chunk and complete the file via the other source instead
// of ever accepting the corrupted bytes.
func TestDownload_CorruptSourceTolerance(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("ABCDEFGH"), 4) // 32 bytes, 4 chunks @ 8 bytes
	manifest := buildManifest(t, dir, content, 8)

	directory := dht.NewTestDHT("self")
	if err := directory.PublishFile(context.Background(), manifest, dht.QuorumOne); err != nil {
		t.Fatalf("PublishFile: %v", err)
	}

	badRec := source.NewHTTPSource(source.HTTPInfo{URL: "http://corrupt.example/file"})
	goodRec := source.NewHTTPSource(source.HTTPInfo{URL: "http://good.example/file"})

	badIdx := int64(1)
	bad := &fakeSource{record: badRec, content: content, fetchFn: func(ctx context.Context, chunkIndex, offset, length int64) ([]byte, error) {
		if chunkIndex == badIdx {
			corrupted := make([]byte, length)
			copy(corrupted, bytes.Repeat([]byte{0xFF}, int(length)))
			return corrupted, nil
		}
		out := make([]byte, length)
		copy(out, content[offset:offset+length])
		return out, nil
	}}
	good := &fakeSource{record: goodRec, content: content}

	dialer := newFakeDialer()
	dialer.add(bad)
	dialer.add(good)

	orch := New(directory, dialer, unlimitedGovernor(), filepath.Join(dir, "jobs"), Config{})
	outPath := filepath.Join(dir, "out.bin")

	job, err := orch.Download(context.Background(), "job-corrupt", manifest.MerkleRoot, outPath, DownloadOptions{
		DeclaredMirrors: []source.SourceRecord{badRec, goodRec},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if job.GetState() != JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (first err: %v)", job.GetState(), job.FirstErr)
	}
	if !job.isDegraded(badRec.Identifier()) {
		t.Error("the corrupt source should have been marked Degraded for this job")
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("output mismatch: got %q, want %q", got, content)
	}
}

// TestDownload_EtagChangeDropsSourceAndRefetches exercises the Incoherent
// path: a source's first fetch of chunk 0 succeeds, then its second fetch
// (chunk 1) reports EtagChanged. Chunk 0's data, already attributed to
// that source, must be discarded and refetched from the surviving source.
func TestDownload_EtagChangeDropsSourceAndRefetches(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("QRSTUVWX"), 2) // 16 bytes, 2 chunks @ 8 bytes
	manifest := buildManifest(t, dir, content, 8)

	directory := dht.NewTestDHT("self")
	if err := directory.PublishFile(context.Background(), manifest, dht.QuorumOne); err != nil {
		t.Fatalf("PublishFile: %v", err)
	}

	flakyRec := source.NewHTTPSource(source.HTTPInfo{URL: "http://flaky.example/file"})
	stableRec := source.NewHTTPSource(source.HTTPInfo{URL: "http://stable.example/file"})

	var fetchCount int
	flaky := &fakeSource{record: flakyRec, content: content, fetchFn: func(ctx context.Context, chunkIndex, offset, length int64) ([]byte, error) {
		fetchCount++
		if fetchCount == 1 {
			out := make([]byte, length)
			copy(out, content[offset:offset+length])
			return out, nil
		}
		return nil, chiralerr.EtagChanged(errors.New("resource changed"))
	}}
	stable := &fakeSource{record: stableRec, content: content}

	dialer := newFakeDialer()
	dialer.add(flaky)
	dialer.add(stable)

	orch := New(directory, dialer, unlimitedGovernor(), filepath.Join(dir, "jobs"), Config{MaxGlobal: 1, MaxPerSource: 1})
	outPath := filepath.Join(dir, "out.bin")

	job, err := orch.Download(context.Background(), "job-etag", manifest.MerkleRoot, outPath, DownloadOptions{
		DeclaredMirrors: []source.SourceRecord{flakyRec, stableRec},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if job.GetState() != JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (first err: %v)", job.GetState(), job.FirstErr)
	}
	if !job.isIncoherent(flakyRec.Identifier()) {
		t.Error("the flaky source should have been marked incoherent")
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("output mismatch: got %q, want %q", got, content)
	}
}

func TestDownload_MissingManifest_Fails(t *testing.T) {
	dir := t.TempDir()
	directory := dht.NewTestDHT("self")
	dialer := newFakeDialer()
	orch := New(directory, dialer, unlimitedGovernor(), filepath.Join(dir, "jobs"), Config{})

	job, err := orch.Download(context.Background(), "job-missing", "does-not-exist", filepath.Join(dir, "out.bin"), DownloadOptions{})
	if err == nil {
		t.Fatal("expected an error when the manifest cannot be resolved")
	}
	if job.GetState() != JobFailed {
		t.Fatalf("expected FAILED, got %s", job.GetState())
	}
}

func TestDownload_NoSources_Fails(t *testing.T) {
	dir := t.TempDir()
	content := []byte("abcdefgh")
	manifest := buildManifest(t, dir, content, 8)

	directory := dht.NewTestDHT("self")
	if err := directory.PublishFile(context.Background(), manifest, dht.QuorumOne); err != nil {
		t.Fatalf("PublishFile: %v", err)
	}

	orch := New(directory, newFakeDialer(), unlimitedGovernor(), filepath.Join(dir, "jobs"), Config{})
	job, err := orch.Download(context.Background(), "job-no-sources", manifest.MerkleRoot, filepath.Join(dir, "out.bin"), DownloadOptions{})
	if err == nil {
		t.Fatal("expected an error when no sources are advertised")
	}
	if job.GetState() != JobFailed {
		t.Fatalf("expected FAILED, got %s", job.GetState())
	}
}
