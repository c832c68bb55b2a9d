package dht

import (
	"context"
	"fmt"

	"github.com/chiralnode/core/internal/chunker"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
)

// KadDHT is the production Directory, backed by go-libp2p-kad-dht's
// Kademlia routing table over a go-libp2p host. Grounded on
// PTHyperdrive-Hoshizora-RSW/go-node's libp2p.New(Identity/
// DefaultSecurity/DefaultMuxers/DefaultTransports/ListenAddrStrings) host
// construction; no repo in the retrieval pack ships a complete Kademlia
// implementation, so the routing table itself comes from go-libp2p's own
// kad-dht package rather than being hand-rolled.
type KadDHT struct {
	host host.Host
	ipfs *kaddht.IpfsDHT
}

// NewKadDHT constructs a libp2p host listening on listenAddrs, joins the
// DHT in server mode, and connects to bootstrapAddrs. Per spec.md §4.5,
// a node given no bootstrap addresses is isolated — NewKadDHT does not
// treat that as an error, since a first-in-the-network node legitimately
// has none yet.
func NewKadDHT(ctx context.Context, listenAddrs []string, bootstrapAddrs []string) (*KadDHT, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
	)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", err)
	}

	kd, err := kaddht.New(ctx, h, kaddht.Mode(kaddht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("construct kad-dht: %w", err)
	}

	d := &KadDHT{host: h, ipfs: kd}

	for _, addrStr := range bootstrapAddrs {
		if err := d.connectBootstrap(ctx, addrStr); err != nil {
			// A single bad bootstrap peer should not prevent the node
			// from joining via the others.
			fmt.Printf("dht: bootstrap connect to %s failed: %v\n", addrStr, err)
		}
	}

	if err := kd.Bootstrap(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap kad-dht: %w", err)
	}

	return d, nil
}

func (d *KadDHT) connectBootstrap(ctx context.Context, addrStr string) error {
	maddr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return fmt.Errorf("parse bootstrap multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("resolve bootstrap peer info: %w", err)
	}
	return d.host.Connect(ctx, *info)
}

// Close tears down the DHT and its underlying host.
func (d *KadDHT) Close() error {
	var errs []error
	if err := d.ipfs.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.host.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close kad-dht: %v", errs)
	}
	return nil
}

// HostID returns this node's libp2p peer ID, used as the seeder identity
// in AnnounceSeeder.
func (d *KadDHT) HostID() string {
	return d.host.ID().String()
}

func (d *KadDHT) PublishFile(ctx context.Context, manifest *chunker.Manifest, quorum Quorum) error {
	data, err := encodeManifestRecord(manifest)
	if err != nil {
		return err
	}
	// Manifests are always tagged QuorumMajority, regardless of what the
	// caller passed. put does not hand the quorum to kad-dht's PutValue,
	// which replicates to whichever closest peers it reaches; the value
	// only appears in put's error text.
	return d.put(ctx, manifest.MerkleRoot, data, QuorumMajority)
}

func (d *KadDHT) LookupFile(ctx context.Context, merkleRoot string) (*chunker.Manifest, error) {
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

func (d *KadDHT) AnnounceSeeder(ctx context.Context, merkleRoot string, peerID string) error {
	key := providerKey(merkleRoot)
	// Provider announcements are tagged QuorumOne (not enforced; see
	// PublishFile). The provider record holds a single peer ID: each
	// announcement replaces the previous one, so FindSeeders returns at
	// most the most recent announcer, not a set of seeders.
	return d.put(ctx, key, []byte(peerID), QuorumOne)
}

func (d *KadDHT) FindSeeders(ctx context.Context, merkleRoot string) ([]string, error) {
	key := providerKey(merkleRoot)
	data, err := d.Get(ctx, key)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return []string{string(data)}, nil
}

func (d *KadDHT) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := d.ipfs.GetValue(ctx, recordNamespace+key)
	if err != nil {
		if err == routing.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dht get %s: %w", key, err)
	}
	return data, nil
}

func (d *KadDHT) Put(ctx context.Context, key string, value []byte, quorum Quorum) error {
	return d.put(ctx, key, value, quorum)
}

func (d *KadDHT) put(ctx context.Context, key string, value []byte, quorum Quorum) error {
	if existing, err := d.Get(ctx, key); err == nil {
		existingManifest, eErr := decodeManifestRecord(existing)
		incomingManifest, iErr := decodeManifestRecord(value)
		if eErr == nil && iErr == nil {
			winner, err := resolveConflict(key, existingManifest, incomingManifest)
			if err != nil {
				return err
			}
			value, err = encodeManifestRecord(winner)
			if err != nil {
				return err
			}
		}
	}

	if err := d.ipfs.PutValue(ctx, recordNamespace+key, value); err != nil {
		return fmt.Errorf("dht put %s (quorum=%v): %w", key, quorum, err)
	}
	return nil
}

// recordNamespace prefixes every key this package stores so chiral DHT
// records never collide with another protocol sharing the same
// underlying kad-dht instance.
const recordNamespace = "/chiral/v1/"
