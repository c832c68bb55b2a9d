package transport

import "github.com/chiralnode/core/internal/chunker"

// PriorityClass defines stream/task priority classes
// P0: highest (e.g., telemetry), P1: headers/keyframes, P2: bulk

type PriorityClass uint8

const (
	PriorityP0 PriorityClass = iota
	PriorityP1
	PriorityP2
)

// AckStrategy defines ACK timing/behavior hints
// These are hints for scheduling and pacing; QUIC-go itself manages ACKs.
// We keep these for future extensibility and observability.

type AckStrategy string

const (
	AckImmediate    AckStrategy = "immediate"
	AckDelayed10ms  AckStrategy = "delayed-10ms"
	AckDelayed25ms  AckStrategy = "delayed-25ms"
	AckMixed        AckStrategy = "mixed" // class-based
)

// ClassConfig describes per-class behavior

type ClassConfig struct {
	Ack        AckStrategy
	Streams    int // target parallel streams for this class
	ChunkBytes int // preferred chunk size
}

// DomainTransportProfile captures per-domain class configs

type DomainTransportProfile struct {
	P0, P1, P2 ClassConfig
}

// DefaultTransportProfile returns the single transport profile every
// manifest uses: every class gets manifest-sized chunks; P0 gets one stream
// and immediate acks (control and the first few preview chunks), P1/P2
// widen the stream count (4 and 6) for bulk transfer. There is no per-domain branching here — this
// replaces the teacher's media/medical/engineering/telemetry/disaster/rural
// profile table, which had no counterpart in a uniform file-distribution
// model.
func DefaultTransportProfile(manifest *chunker.Manifest) DomainTransportProfile {
	return DomainTransportProfile{
		P0: ClassConfig{Ack: AckImmediate, Streams: 1, ChunkBytes: manifest.ChunkSize},
		P1: ClassConfig{Ack: AckDelayed10ms, Streams: 4, ChunkBytes: manifest.ChunkSize},
		P2: ClassConfig{Ack: AckDelayed25ms, Streams: 6, ChunkBytes: manifest.ChunkSize},
	}
}
