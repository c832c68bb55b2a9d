package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/chiralnode/core/daemon/source"
	"github.com/chiralnode/core/daemon/transport"
	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/crypto"
	"github.com/chiralnode/core/internal/crypto/handshake"
	"github.com/google/uuid"
)

type merkleRootKey struct{}

// withMerkleRoot attaches the job's merkle root to ctx so QUICPeerDialer can
// derive the deterministic session ID its handshake and pull requests key
// off of, without widening the SourceDialer interface for every other
// source kind that has no use for it.
func withMerkleRoot(ctx context.Context, merkleRoot string) context.Context {
	return context.WithValue(ctx, merkleRootKey{}, merkleRoot)
}

func merkleRootFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(merkleRootKey{}).(string)
	return v, ok
}

// QUICPeerDialer is the production SourceDialer: HTTP/FTP/ed2k records are
// turned directly into their drivers (those transports authenticate, if at
// all, at their own layer), while peer records are dialed over QUIC and put
// through the C10 key-exchange handshake before a PeerSource is handed
// back to the orchestrator.
type QUICPeerDialer struct {
	identity   *crypto.Ed25519KeyPair
	tlsConfig  *tls.Config
	ed2kDialer func(info source.Ed2kInfo) source.Ed2kClient
}

// NewQUICPeerDialer builds a dialer using identity as this node's
// handshake-signing keypair and tlsConfig for outbound QUIC dials.
// ed2kDialer may be nil; ed2k records then fail to dial with a
// TemporaryUnavailable error rather than panicking.
func NewQUICPeerDialer(identity *crypto.Ed25519KeyPair, tlsConfig *tls.Config, ed2kDialer func(info source.Ed2kInfo) source.Ed2kClient) *QUICPeerDialer {
	return &QUICPeerDialer{identity: identity, tlsConfig: tlsConfig, ed2kDialer: ed2kDialer}
}

// Dial implements SourceDialer.
func (d *QUICPeerDialer) Dial(ctx context.Context, record source.SourceRecord) (source.ChunkSource, error) {
	switch record.Kind {
	case source.KindHTTP:
		return source.NewHTTPChunkSource(*record.HTTP), nil
	case source.KindFTP:
		return source.NewFTPChunkSource(*record.FTP), nil
	case source.KindEd2k:
		if d.ed2kDialer == nil {
			return nil, chiralerr.TemporaryUnavailable(fmt.Errorf("ed2k source %s: no Ed2kClient configured", record.Ed2k.ServerURL))
		}
		return source.NewEd2kChunkSource(*record.Ed2k, d.ed2kDialer(*record.Ed2k)), nil
	case source.KindPeer:
		return d.dialPeer(ctx, record)
	default:
		return nil, chiralerr.ClientError(fmt.Errorf("dialer: unknown source kind %q", record.Kind))
	}
}

// dialPeer opens a QUIC connection to the peer's advertised multiaddr and
// runs a client-side C10 handshake before handing a PeerSource back to the
// orchestrator. The handshake's session ID is derived from the job's merkle
// root: pull-based fetches have no control-stream manifest exchange to
// agree a session ID over (unlike the push path daemon/main.go drives), so
// the merkle root — already known identically to both sides, since it is
// how the content was looked up in the first place — stands in as the
// shared session identifier.
func (d *QUICPeerDialer) dialPeer(ctx context.Context, record source.SourceRecord) (source.ChunkSource, error) {
	info := *record.Peer
	if info.Multiaddr == "" {
		return nil, chiralerr.ClientError(fmt.Errorf("peer %s: no dialable address advertised", info.PeerID))
	}
	merkleRoot, ok := merkleRootFrom(ctx)
	if !ok {
		return nil, chiralerr.ClientError(fmt.Errorf("peer %s: no merkle root in dial context", info.PeerID))
	}
	sessionID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(merkleRoot))

	qconn, err := transport.DialQUIC(ctx, info.Multiaddr, d.tlsConfig)
	if err != nil {
		return nil, chiralerr.TemporaryUnavailable(fmt.Errorf("dial peer %s at %s: %w", info.PeerID, info.Multiaddr, err))
	}

	hsStream, err := qconn.OpenHandshakeStream(ctx)
	if err != nil {
		qconn.Close()
		return nil, chiralerr.TemporaryUnavailable(fmt.Errorf("open handshake stream to %s: %w", info.PeerID, err))
	}
	hsKeys, err := handshake.ClientHandshake(hsStream, sessionID.String(), d.identity.PrivateKey, d.identity.PublicKey, nil)
	hsStream.Close()
	if err != nil {
		qconn.Close()
		return nil, chiralerr.AuthFailure(fmt.Errorf("handshake with %s failed: %w", info.PeerID, err))
	}

	sessionKeys := &crypto.SessionKeys{PayloadKey: hsKeys.PayloadKey, IVBase: hsKeys.IVBase}
	return source.NewPeerChunkSource(info, qconn.GetConnection(), sessionKeys, sessionID), nil
}
