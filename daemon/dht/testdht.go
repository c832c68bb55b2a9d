package dht

import (
	"context"
	"sync"

	"github.com/chiralnode/core/internal/chunker"
)

// TestDHT is an in-memory, no-routing Directory: a single process's map
// standing in for the network-wide replicated table. Grounded on
// PTHyperdrive-Hoshizora-RSW/go-node's simpleDHT — the same flat
// key->value(set) shape, generalized from string providers to raw bytes
// so it can serve Get/Put as well as the file-specific operations.
// Quorum is accepted but meaningless here: there is exactly one
// replica, this process.
type TestDHT struct {
	selfID string

	mu        sync.RWMutex
	records   map[string][]byte
	providers map[string]map[string]struct{} // merkleRoot -> set(peerID)
}

// NewTestDHT creates an empty in-memory DHT directory identifying itself
// as selfID.
func NewTestDHT(selfID string) *TestDHT {
	return &TestDHT{
		selfID:    selfID,
		records:   make(map[string][]byte),
		providers: make(map[string]map[string]struct{}),
	}
}

// SelfID returns this node's identifier, matching simpleDHT's SelfID().
func (d *TestDHT) SelfID() string { return d.selfID }

func (d *TestDHT) PublishFile(ctx context.Context, manifest *chunker.Manifest, quorum Quorum) error {
	data, err := encodeManifestRecord(manifest)
	if err != nil {
		return err
	}
	return d.Put(ctx, manifest.MerkleRoot, data, quorum)
}

func (d *TestDHT) LookupFile(ctx context.Context, merkleRoot string) (*chunker.Manifest, error) {
	data, err := d.Get(ctx, merkleRoot)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifestRecord(data)
	if err != nil {
		return nil, err
	}
	if m.MerkleRoot != merkleRoot {
		return nil, ErrMerkleRootMismatch
	}
	return m, nil
}

func (d *TestDHT) AnnounceSeeder(ctx context.Context, merkleRoot string, peerID string) error {
	key := providerKey(merkleRoot)
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.providers[key]
	if set == nil {
		set = make(map[string]struct{})
		d.providers[key] = set
	}
	set[peerID] = struct{}{}
	return nil
}

func (d *TestDHT) FindSeeders(ctx context.Context, merkleRoot string) ([]string, error) {
	key := providerKey(merkleRoot)
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.providers[key]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

func (d *TestDHT) Get(ctx context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *TestDHT) Put(ctx context.Context, key string, value []byte, quorum Quorum) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.records[key]; ok {
		existingManifest, eErr := decodeManifestRecord(existing)
		incomingManifest, iErr := decodeManifestRecord(value)
		if eErr == nil && iErr == nil {
			winner, err := resolveConflict(key, existingManifest, incomingManifest)
			if err != nil {
				return err
			}
			data, err := encodeManifestRecord(winner)
			if err != nil {
				return err
			}
			d.records[key] = data
			return nil
		}
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	d.records[key] = cp
	return nil
}
