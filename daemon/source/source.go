// Package source implements the ChunkSource abstraction: a uniform
// interface over the heterogeneous places a chunk can be fetched from
// (a peer, an HTTP mirror, an FTP mirror, an ed2k server), plus the
// priority ordering the orchestrator uses to pick among them.
package source

import (
	"context"
	"strings"
)

// ChunkSource is the uniform interface the orchestrator drives every
// source kind through. Prepare establishes whatever connection or session
// the underlying transport needs; Fetch pulls one byte range (one chunk, or
// a contiguous run of chunks when the orchestrator coalesces HTTP
// fetches); Release tears the connection
// down; Advertise returns the SourceRecord this driver was built from, for
// logging and priority re-scoring.
type ChunkSource interface {
	Prepare(ctx context.Context) error
	Fetch(ctx context.Context, chunkIndex int64, offset int64, length int64) ([]byte, error)
	Release(ctx context.Context) error
	Advertise() SourceRecord
}

// Kind discriminates the SourceRecord variants.
type Kind string

const (
	KindPeer Kind = "peer"
	KindHTTP Kind = "http"
	KindFTP  Kind = "ftp"
	KindEd2k Kind = "ed2k"
)

// PeerInfo describes a peer-to-peer source reachable over the node's own
// transport (QUIC, per daemon/transport).
type PeerInfo struct {
	PeerID             string
	Multiaddr          string
	Reputation         *uint8 // 0-100, nil when unknown
	SupportsEncryption bool
	Protocol           string
}

// HTTPInfo describes an HTTP/HTTPS mirror.
type HTTPInfo struct {
	URL        string
	AuthHeader string
	VerifySSL  bool
	Headers    map[string]string
	TimeoutSec int
}

// FTPInfo describes an FTP/FTPS mirror.
type FTPInfo struct {
	URL               string
	Username          string
	EncryptedPassword string
	PassiveMode       bool
	UseFTPS           bool
	TimeoutSec        int
}

// Ed2kInfo describes an ed2k server-backed source. Ed2k chunks are
// 9,728,000 bytes; the system's chunk size is 262,144 bytes, so one ed2k
// chunk spans 37.109375 system chunks, not an exact integer, and a system
// chunk can straddle two ed2k chunks. The orchestrator requests each
// system chunk's own byte range from an ed2k source; an ed2k chunk is not
// fetched once and shared among the system chunks it covers.
type Ed2kInfo struct {
	ServerURL string
	FileHash  string // ed2k root hash
	TimeoutSec int
}

const Ed2kChunkSize = 9_728_000

// SystemChunksPerEd2kChunk returns the unrounded ratio of Ed2kChunkSize to
// the given system chunk size (37.109375 for 262,144-byte chunks).
func SystemChunksPerEd2kChunk(systemChunkSize int) float64 {
	return float64(Ed2kChunkSize) / float64(systemChunkSize)
}

// SourceRecord is a tagged union over the four source kinds. Exactly one of
// Peer/HTTP/FTP/Ed2k is set, matching Kind.
type SourceRecord struct {
	Kind Kind
	Peer *PeerInfo
	HTTP *HTTPInfo
	FTP  *FTPInfo
	Ed2k *Ed2kInfo
}

// NewPeerSource builds a SourceRecord wrapping a PeerInfo.
func NewPeerSource(info PeerInfo) SourceRecord { return SourceRecord{Kind: KindPeer, Peer: &info} }

// NewHTTPSource builds a SourceRecord wrapping an HTTPInfo.
func NewHTTPSource(info HTTPInfo) SourceRecord { return SourceRecord{Kind: KindHTTP, HTTP: &info} }

// NewFTPSource builds a SourceRecord wrapping an FTPInfo.
func NewFTPSource(info FTPInfo) SourceRecord { return SourceRecord{Kind: KindFTP, FTP: &info} }

// NewEd2kSource builds a SourceRecord wrapping an Ed2kInfo.
func NewEd2kSource(info Ed2kInfo) SourceRecord { return SourceRecord{Kind: KindEd2k, Ed2k: &info} }

// PriorityScore ranks sources for selection; higher is preferred. Formula
// ported directly from the original download_source.rs: peer sources score
// 100 plus reputation (defaulting to 50 when unknown), HTTP scores a flat
// 50, FTP a flat 25. Ed2k is the system's lowest-priority default at 10,
// consistent with spec.md's documented peer > http > ftp > ed2k ordering.
func (s SourceRecord) PriorityScore() uint32 {
	switch s.Kind {
	case KindPeer:
		rep := uint32(50)
		if s.Peer.Reputation != nil {
			rep = uint32(*s.Peer.Reputation)
		}
		return 100 + rep
	case KindHTTP:
		return 50
	case KindFTP:
		return 25
	case KindEd2k:
		return 10
	default:
		return 0
	}
}

// SupportsEncryption reports whether the underlying transport already
// provides transport-level encryption, independent of the file's own
// payload encryption.
func (s SourceRecord) SupportsEncryption() bool {
	switch s.Kind {
	case KindPeer:
		return s.Peer.SupportsEncryption
	case KindHTTP:
		return strings.HasPrefix(s.HTTP.URL, "https://")
	case KindFTP:
		return s.FTP.UseFTPS
	case KindEd2k:
		return false
	default:
		return false
	}
}

// DisplayName returns a short human-readable label for logging and UI.
func (s SourceRecord) DisplayName() string {
	switch s.Kind {
	case KindPeer:
		id := s.Peer.PeerID
		n := 8
		if len(id) < n {
			n = len(id)
		}
		return "P2P peer: " + id[:n]
	case KindHTTP:
		if domain, ok := extractDomain(s.HTTP.URL); ok {
			return "HTTP: " + domain
		}
		return "HTTP: " + s.HTTP.URL
	case KindFTP:
		if domain, ok := extractDomain(s.FTP.URL); ok {
			return "FTP: " + domain
		}
		return "FTP: " + s.FTP.URL
	case KindEd2k:
		return "ed2k: " + s.Ed2k.ServerURL
	default:
		return "unknown source"
	}
}

// Identifier returns the source's stable identity (peer ID or URL), used to
// key degraded-source tracking.
func (s SourceRecord) Identifier() string {
	switch s.Kind {
	case KindPeer:
		return s.Peer.PeerID
	case KindHTTP:
		return s.HTTP.URL
	case KindFTP:
		return s.FTP.URL
	case KindEd2k:
		return s.Ed2k.ServerURL
	default:
		return ""
	}
}

// extractDomain pulls the host (without port) out of a URL without a full
// URL parse, matching the original implementation's simple splitting.
func extractDomain(url string) (string, bool) {
	parts := strings.SplitN(url, "://", 2)
	if len(parts) != 2 {
		return "", false
	}
	rest := strings.SplitN(parts[1], "/", 2)[0]
	host := strings.SplitN(rest, ":", 2)[0]
	if host == "" {
		return "", false
	}
	return host, true
}
