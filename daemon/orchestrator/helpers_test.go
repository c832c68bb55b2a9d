package orchestrator

import (
	"context"
	"fmt"

	"github.com/chiralnode/core/daemon/source"
	"github.com/chiralnode/core/internal/chunker"
)

// testManifest builds a minimal manifest shell sized for job-state-machine
// tests that never touch chunk content, only ChunkCount/ChunkSize.
func testManifest(chunkCount, chunkSize int) *chunker.Manifest {
	chunks := make([]chunker.ChunkDescriptor, chunkCount)
	for i := range chunks {
		chunks[i] = chunker.ChunkDescriptor{Index: i, Length: chunkSize}
	}
	return &chunker.Manifest{
		ChunkSize:  chunkSize,
		ChunkCount: chunkCount,
		Chunks:     chunks,
	}
}

// fakeSource is a minimal ChunkSource test double whose Fetch either
// slices a fixed content buffer or defers to fetchFn when set, letting
// individual tests inject failures, corruption, or ETag changes on
// specific chunks.
type fakeSource struct {
	record     source.SourceRecord
	content    []byte
	prepareErr error
	fetchFn    func(ctx context.Context, chunkIndex, offset, length int64) ([]byte, error)
	released   bool
}

func (f *fakeSource) Prepare(ctx context.Context) error { return f.prepareErr }

func (f *fakeSource) Fetch(ctx context.Context, chunkIndex, offset, length int64) ([]byte, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, chunkIndex, offset, length)
	}
	if offset < 0 || offset+length > int64(len(f.content)) {
		return nil, fmt.Errorf("fakeSource: range [%d,%d) out of bounds for %d-byte content", offset, offset+length, len(f.content))
	}
	out := make([]byte, length)
	copy(out, f.content[offset:offset+length])
	return out, nil
}

func (f *fakeSource) Release(ctx context.Context) error { f.released = true; return nil }

func (f *fakeSource) Advertise() source.SourceRecord { return f.record }

// fakeDialer resolves SourceRecords to pre-built fakeSource drivers keyed
// by Identifier(), standing in for the daemon's real QUIC/HTTP/FTP
// dialing layer in tests.
type fakeDialer struct {
	byID map[string]source.ChunkSource
}

func newFakeDialer() *fakeDialer { return &fakeDialer{byID: make(map[string]source.ChunkSource)} }

func (d *fakeDialer) add(s source.ChunkSource) {
	d.byID[s.Advertise().Identifier()] = s
}

func (d *fakeDialer) Dial(ctx context.Context, record source.SourceRecord) (source.ChunkSource, error) {
	s, ok := d.byID[record.Identifier()]
	if !ok {
		return nil, fmt.Errorf("fakeDialer: no driver registered for %s", record.Identifier())
	}
	return s, nil
}
