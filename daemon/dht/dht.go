// Package dht implements the DHT directory abstraction: associating a
// file's merkle root with its manifest and the set of peers currently
// seeding it. Two implementations share the Directory interface —
// TestDHT, an in-memory test double with no routing, and KadDHT, the
// production implementation over go-libp2p-kad-dht — matching spec.md
// §9's instruction that the simple map-based service is a test double
// only, never a production path.
package dht

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chiralnode/core/internal/chunker"
)

// Quorum is the replication policy a caller requests for a write. The
// orchestrator always uses QuorumOne for provider announcements (cheap,
// frequent, self-healing) and QuorumMajority for manifests (published
// once, must survive individual node churn).
type Quorum int

const (
	QuorumOne Quorum = iota
	QuorumMajority
)

// Directory is the generic DHT capability C5 exposes to the rest of the
// node: publish/lookup a manifest, announce/find seeders for it, plus the
// raw get/put every other record type is built from.
type Directory interface {
	PublishFile(ctx context.Context, manifest *chunker.Manifest, quorum Quorum) error
	LookupFile(ctx context.Context, merkleRoot string) (*chunker.Manifest, error)
	AnnounceSeeder(ctx context.Context, merkleRoot string, peerID string) error
	FindSeeders(ctx context.Context, merkleRoot string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, quorum Quorum) error
}

var (
	// ErrNotFound is returned by LookupFile/FindSeeders/Get when no record
	// exists for the key at the nodes queried. Per spec.md §4.5 reads are
	// eventually consistent, so this does not mean the record never
	// existed — only that it wasn't found on this query.
	ErrNotFound = errors.New("dht: record not found")

	// ErrMerkleRootMismatch means a stored manifest's own MerkleRoot field
	// doesn't match the key it was filed under, so it fails the
	// self-check spec.md §4.5 requires before a conflict resolution can
	// trust the record at all.
	ErrMerkleRootMismatch = errors.New("dht: manifest merkle root does not match record key")
)

// providerKey derives the DHT key for a merkle root's provider set:
// H("provider" || merkle_root), matching SPEC_FULL.md §4.5's wire format.
func providerKey(merkleRoot string) string {
	h := sha256.Sum256([]byte("provider" + merkleRoot))
	return fmt.Sprintf("%x", h)
}

// manifestRecord is the wire envelope a manifest is stored as. It carries
// only the full Manifest; Put decodes both the stored and the incoming
// record whole before handing them to resolveConflict.
type manifestRecord struct {
	Manifest *chunker.Manifest `json:"manifest"`
}

func encodeManifestRecord(m *chunker.Manifest) ([]byte, error) {
	return json.Marshal(&manifestRecord{Manifest: m})
}

func decodeManifestRecord(data []byte) (*chunker.Manifest, error) {
	var rec manifestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode manifest record: %w", err)
	}
	return rec.Manifest, nil
}

// resolveConflict picks the winner between two manifest records claiming
// the same key: the one with the larger CreatedAt wins, as long as its own
// MerkleRoot matches the key it was filed under (the self-check spec.md
// §4.5 requires before trusting a record at all). A record that fails the
// self-check loses unconditionally.
func resolveConflict(key string, a, b *chunker.Manifest) (*chunker.Manifest, error) {
	aOK := a != nil && a.MerkleRoot == key
	bOK := b != nil && b.MerkleRoot == key

	switch {
	case !aOK && !bOK:
		return nil, ErrMerkleRootMismatch
	case aOK && !bOK:
		return a, nil
	case !aOK && bOK:
		return b, nil
	case a.CreatedAt.After(b.CreatedAt):
		return a, nil
	default:
		return b, nil
	}
}
