package source

import (
	"context"
	"fmt"

	"github.com/chiralnode/core/internal/chiralerr"
)

// Ed2kClient is the minimal byte-transfer seam an Ed2kSource drives. The
// ed2k wire protocol itself (server handshake, file request opcodes) is
// out of scope; callers supply a client that already speaks it, and
// Ed2kSource passes absolute byte ranges straight through to it with no
// system-chunk/ed2k-chunk coordinate translation.
type Ed2kClient interface {
	Connect(ctx context.Context, serverURL string) error
	FetchRange(ctx context.Context, fileHash string, offset int64, length int64) ([]byte, error)
	Close(ctx context.Context) error
}

// Ed2kSource fetches byte ranges from an ed2k server. Because
// Ed2kChunkSize (9,728,000) is not an integer multiple of the system's
// chunk size, a single system chunk's byte span can straddle two ed2k
// chunks; Ed2kSource does not care, since Fetch is given an absolute
// byte offset and length by the caller (the orchestrator asks for one
// system chunk's range at a time).
type Ed2kSource struct {
	info   Ed2kInfo
	client Ed2kClient
}

// NewEd2kChunkSource builds an Ed2kSource driver around a caller-supplied
// Ed2kClient implementation.
func NewEd2kChunkSource(info Ed2kInfo, client Ed2kClient) *Ed2kSource {
	return &Ed2kSource{info: info, client: client}
}

// Prepare connects the underlying Ed2kClient to the configured server.
func (e *Ed2kSource) Prepare(ctx context.Context) error {
	if e.client == nil {
		return chiralerr.TemporaryUnavailable(fmt.Errorf("ed2k source: no client configured"))
	}
	if err := e.client.Connect(ctx, e.info.ServerURL); err != nil {
		return chiralerr.TemporaryUnavailable(fmt.Errorf("connect to ed2k server %s: %w", e.info.ServerURL, err))
	}
	return nil
}

// Fetch requests [offset, offset+length) of the ed2k file identified by
// FileHash. chunkIndex is accepted for interface symmetry with the other
// drivers but is not meaningful in ed2k's own chunking scheme — offset and
// length are the system chunk's byte range as the orchestrator computed it.
func (e *Ed2kSource) Fetch(ctx context.Context, chunkIndex int64, offset int64, length int64) ([]byte, error) {
	data, err := e.client.FetchRange(ctx, e.info.FileHash, offset, length)
	if err != nil {
		return nil, chiralerr.TemporaryUnavailable(fmt.Errorf("ed2k fetch offset=%d len=%d: %w", offset, length, err))
	}
	return data, nil
}

// Release disconnects the underlying Ed2kClient.
func (e *Ed2kSource) Release(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	return e.client.Close(ctx)
}

// Advertise returns the SourceRecord this driver was constructed from.
func (e *Ed2kSource) Advertise() SourceRecord {
	return NewEd2kSource(e.info)
}
