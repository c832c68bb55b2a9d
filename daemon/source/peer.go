package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chiralnode/core/daemon/transport"
	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/crypto"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// PeerRequestMagic marks a pull request frame on a peer chunk stream,
// distinguishing it from the push-framed chunk messages
// daemon/transport/chunk_{sender,receiver}.go exchange during a send.
// Orchestrator-driven downloads are pull-based (the orchestrator decides
// which chunk it wants next, from which source), so PeerSource opens its
// own bidirectional stream per fetch rather than reusing the sender's
// fire-and-forget push path.
const (
	PeerRequestMagic      = 0x43485251 // "CHRQ"
	PeerRequestHeaderSize = 40         // magic(4)+version(1)+reserved(3)+session(16)+index(4)+offset(8)+length(4)
)

var ErrPeerStreamClosed = errors.New("peer source: stream closed before response")

// PeerSource fetches chunks from a peer over an already-established QUIC
// connection, pulling one chunk per request rather than the push model
// chunk_sender.go uses for outbound transfers.
type PeerSource struct {
	info        PeerInfo
	conn        *quic.Conn
	sessionKeys *crypto.SessionKeys
	sessionID   uuid.UUID
}

// NewPeerChunkSource builds a PeerSource driver over a connection and
// session keys established by an earlier C10 handshake.
func NewPeerChunkSource(info PeerInfo, conn *quic.Conn, sessionKeys *crypto.SessionKeys, sessionID uuid.UUID) *PeerSource {
	return &PeerSource{info: info, conn: conn, sessionKeys: sessionKeys, sessionID: sessionID}
}

// Prepare verifies the underlying QUIC connection is still usable. The
// handshake that produced sessionKeys already ran (C10), so there is
// nothing further to negotiate here.
func (p *PeerSource) Prepare(ctx context.Context) error {
	if p.conn == nil {
		return chiralerr.TemporaryUnavailable(fmt.Errorf("peer source %s: no connection", p.info.PeerID))
	}
	select {
	case <-p.conn.Context().Done():
		return chiralerr.ConnectionReset(p.conn.Context().Err())
	default:
		return nil
	}
}

// Fetch opens a bidirectional stream, sends a pull request for
// [offset, offset+length) of chunkIndex, and returns the decrypted
// payload from the peer's response.
func (p *PeerSource) Fetch(ctx context.Context, chunkIndex int64, offset int64, length int64) ([]byte, error) {
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, chiralerr.TemporaryUnavailable(fmt.Errorf("open stream: %w", err))
	}
	defer stream.Close()

	req := make([]byte, PeerRequestHeaderSize)
	binary.BigEndian.PutUint32(req[0:4], PeerRequestMagic)
	req[4] = transport.ChunkVersion
	copy(req[8:24], p.sessionID[:])
	binary.BigEndian.PutUint32(req[24:28], uint32(chunkIndex))
	binary.BigEndian.PutUint64(req[28:36], uint64(offset))
	binary.BigEndian.PutUint32(req[36:40], uint32(length))

	if _, err := stream.Write(req); err != nil {
		return nil, chiralerr.ConnectionReset(fmt.Errorf("send request: %w", err))
	}

	header := make([]byte, transport.ChunkHeaderSize)
	if _, err := io.ReadFull(stream, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, chiralerr.TemporaryUnavailable(ErrPeerStreamClosed)
		}
		return nil, chiralerr.Timeout(fmt.Errorf("read response header: %w", err))
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != transport.ChunkMagic {
		return nil, chiralerr.MalformedMessage(fmt.Errorf("bad response magic 0x%x", magic))
	}
	payloadLen := binary.BigEndian.Uint32(header[28:32])

	ciphertext := make([]byte, payloadLen)
	if _, err := io.ReadFull(stream, ciphertext); err != nil {
		return nil, chiralerr.Timeout(fmt.Errorf("read response payload: %w", err))
	}

	nonce := crypto.DeriveChunkNonce(p.sessionKeys.IVBase, uint32(chunkIndex))
	aad := make([]byte, 16+8)
	copy(aad[0:16], p.sessionID[:])
	binary.BigEndian.PutUint64(aad[16:24], uint64(chunkIndex))

	plaintext, err := crypto.Open(p.sessionKeys.PayloadKey[:], nonce[:], aad, ciphertext)
	if err != nil {
		return nil, chiralerr.AuthFailure(fmt.Errorf("decrypt chunk %d: %w", chunkIndex, err))
	}
	return plaintext, nil
}

// Release closes nothing owned by PeerSource directly: the QUIC connection
// is shared across every chunk fetched from this peer and is torn down by
// whatever established it (the session manager), not by an individual
// source instance.
func (p *PeerSource) Release(ctx context.Context) error {
	return nil
}

// Advertise returns the SourceRecord this driver was constructed from.
func (p *PeerSource) Advertise() SourceRecord {
	return NewPeerSource(p.info)
}
