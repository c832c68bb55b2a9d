package transport

import (
	"net"
	"testing"
	"time"
)

// newPipePair returns both ends of an in-memory net.Pipe, standing in for
// a real QUIC stream — ControlStream only needs io.ReadWriteCloser, which
// net.Conn already satisfies.
func newPipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestControlStream_AckRoundTrip_Unauthenticated(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewControlStream(clientConn)
	server := NewControlStream(serverConn)

	ack := &AckMessage{ChunkRanges: "0-3,5", TotalReceived: 4, SessionID: "sess-1"}
	done := make(chan error, 1)
	go func() { done <- client.SendAck(ack) }()

	got, err := server.ReceiveAck()
	if err != nil {
		t.Fatalf("ReceiveAck: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendAck: %v", err)
	}
	if got.ChunkRanges != ack.ChunkRanges || got.SessionID != ack.SessionID {
		t.Fatalf("round-tripped ack mismatch: got %+v, want %+v", got, ack)
	}
}

func TestControlStream_Authenticated_RoundTrip(t *testing.T) {
	clientConn, serverConn := newPipePair()
	key := []byte("a shared control-plane session key")
	client := NewAuthenticatedControlStream(clientConn, key, DefaultClockSkewWindow)
	server := NewAuthenticatedControlStream(serverConn, key, DefaultClockSkewWindow)

	status := &StatusMessage{CurrentState: 3, ProgressPercent: 42.5, Message: "downloading"}
	done := make(chan error, 1)
	go func() { done <- client.SendStatus(status) }()

	got, err := server.ReceiveStatus()
	if err != nil {
		t.Fatalf("ReceiveStatus: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendStatus: %v", err)
	}
	if got.Message != status.Message {
		t.Fatalf("round-tripped status mismatch: got %+v, want %+v", got, status)
	}
}

func TestControlStream_WrongKeyRejectsAndTerminatesStream(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewAuthenticatedControlStream(clientConn, []byte("client-key"), DefaultClockSkewWindow)
	server := NewAuthenticatedControlStream(serverConn, []byte("server-has-a-different-key"), DefaultClockSkewWindow)

	done := make(chan error, 1)
	go func() { done <- client.SendAck(&AckMessage{SessionID: "sess-1"}) }()

	if _, err := server.ReceiveAck(); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
	<-done

	if _, err := server.ReceiveAny(); err != ErrStreamTampered {
		t.Fatalf("expected the stream to stay rejected after one MAC failure, got %v", err)
	}
}

func TestControlStream_SequenceMismatchRejected(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewControlStream(clientConn)
	server := NewControlStream(serverConn)
	server.recvSeq = 5 // pretend the server already consumed frames up to seq 5

	done := make(chan error, 1)
	go func() { done <- client.SendAck(&AckMessage{SessionID: "sess-1"}) }()

	if _, err := server.ReceiveAck(); err == nil {
		t.Fatal("expected a sequence mismatch error")
	}
	<-done
}

func TestControlStream_StaleTimestampRejected(t *testing.T) {
	clientConn, serverConn := newPipePair()
	client := NewControlStreamWithSkew(clientConn, time.Millisecond)
	server := NewControlStreamWithSkew(serverConn, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- client.SendAck(&AckMessage{SessionID: "sess-1"}) }()
	time.Sleep(20 * time.Millisecond)

	if _, err := server.ReceiveAck(); err == nil {
		t.Fatal("expected a stale-timestamp rejection")
	}
	<-done
}
