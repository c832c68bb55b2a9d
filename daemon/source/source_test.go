package source

import "testing"

func reputationOf(v uint8) *uint8 { return &v }

func TestPeerSource_PriorityAndEncryption(t *testing.T) {
	s := NewPeerSource(PeerInfo{
		PeerID:             "12D3KooWExample",
		Multiaddr:          "/ip4/127.0.0.1/tcp/4001",
		Reputation:         reputationOf(85),
		SupportsEncryption: true,
		Protocol:           "webrtc",
	})

	if s.Kind != KindPeer {
		t.Errorf("expected KindPeer, got %s", s.Kind)
	}
	if !s.SupportsEncryption() {
		t.Error("expected peer source to support encryption")
	}
	if s.PriorityScore() <= 100 {
		t.Errorf("expected priority score above 100 with reputation, got %d", s.PriorityScore())
	}
	if got, want := s.PriorityScore(), uint32(185); got != want {
		t.Errorf("PriorityScore() = %d, want %d", got, want)
	}
}

func TestPeerSource_UnknownReputationDefaultsTo50(t *testing.T) {
	s := NewPeerSource(PeerInfo{PeerID: "12D3KooWABC123"})
	if got, want := s.PriorityScore(), uint32(150); got != want {
		t.Errorf("PriorityScore() = %d, want %d", got, want)
	}
}

func TestHTTPSource_PriorityAndEncryption(t *testing.T) {
	s := NewHTTPSource(HTTPInfo{URL: "https://example.com/file.zip", VerifySSL: true, TimeoutSec: 30})

	if s.Kind != KindHTTP {
		t.Errorf("expected KindHTTP, got %s", s.Kind)
	}
	if !s.SupportsEncryption() {
		t.Error("https:// URL should support encryption")
	}
	if got, want := s.PriorityScore(), uint32(50); got != want {
		t.Errorf("PriorityScore() = %d, want %d", got, want)
	}
}

func TestFTPSource_PriorityAndEncryption(t *testing.T) {
	s := NewFTPSource(FTPInfo{
		URL:         "ftp://ftp.example.com/pub/file.tar.gz",
		Username:    "anonymous",
		PassiveMode: true,
		UseFTPS:     false,
		TimeoutSec:  60,
	})

	if s.Kind != KindFTP {
		t.Errorf("expected KindFTP, got %s", s.Kind)
	}
	if s.SupportsEncryption() {
		t.Error("plain ftp:// should not support encryption")
	}
	if got, want := s.PriorityScore(), uint32(25); got != want {
		t.Errorf("PriorityScore() = %d, want %d", got, want)
	}
	if got, want := s.DisplayName(), "FTP: ftp.example.com"; got != want {
		t.Errorf("DisplayName() = %q, want %q", got, want)
	}
}

func TestEd2kSource_Priority(t *testing.T) {
	s := NewEd2kSource(Ed2kInfo{ServerURL: "ed2k://server.example.com:4661", FileHash: "abc123"})
	if got, want := s.PriorityScore(), uint32(10); got != want {
		t.Errorf("PriorityScore() = %d, want %d", got, want)
	}
}

func TestPriorityOrdering_PeerBeatsHTTPBeatsFTPBeatsEd2k(t *testing.T) {
	peer := NewPeerSource(PeerInfo{PeerID: "p1"})
	http := NewHTTPSource(HTTPInfo{URL: "https://example.com/f"})
	ftp := NewFTPSource(FTPInfo{URL: "ftp://example.com/f"})
	ed2k := NewEd2kSource(Ed2kInfo{ServerURL: "ed2k://example.com"})

	if !(peer.PriorityScore() > http.PriorityScore() &&
		http.PriorityScore() > ftp.PriorityScore() &&
		ftp.PriorityScore() > ed2k.PriorityScore()) {
		t.Error("expected strict priority ordering peer > http > ftp > ed2k")
	}
}

func TestExtractDomain(t *testing.T) {
	cases := []struct {
		url    string
		domain string
		ok     bool
	}{
		{"https://example.com/path/to/file", "example.com", true},
		{"ftp://ftp.example.org:21/file", "ftp.example.org", true},
		{"invalid", "", false},
	}
	for _, c := range cases {
		domain, ok := extractDomain(c.url)
		if ok != c.ok || domain != c.domain {
			t.Errorf("extractDomain(%q) = (%q, %v), want (%q, %v)", c.url, domain, ok, c.domain, c.ok)
		}
	}
}

func TestDisplayName(t *testing.T) {
	p2p := NewPeerSource(PeerInfo{PeerID: "12D3KooWABC123"})
	if got, want := p2p.DisplayName(), "P2P peer: 12D3KooW"; got != want {
		t.Errorf("DisplayName() = %q, want %q", got, want)
	}

	http := NewHTTPSource(HTTPInfo{URL: "https://cdn.example.com/files/data.zip"})
	if got, want := http.DisplayName(), "HTTP: cdn.example.com"; got != want {
		t.Errorf("DisplayName() = %q, want %q", got, want)
	}
}

func TestEd2kChunkMapping_IsNotExact(t *testing.T) {
	const systemChunkSize = 262144
	ratio := SystemChunksPerEd2kChunk(systemChunkSize)
	if ratio == float64(int(ratio)) {
		t.Fatalf("expected a non-integer ed2k-to-system chunk ratio, got exactly %v", ratio)
	}
	// 9,728,000 / 262,144 = 37.109375
	if ratio < 37.1 || ratio > 37.2 {
		t.Errorf("SystemChunksPerEd2kChunk() = %v, want ~37.109", ratio)
	}
}
