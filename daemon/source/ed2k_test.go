package source

import (
	"context"
	"errors"
	"testing"
)

type fakeEd2kClient struct {
	connected bool
	data      []byte
	failFetch bool
}

func (f *fakeEd2kClient) Connect(ctx context.Context, serverURL string) error {
	f.connected = true
	return nil
}

func (f *fakeEd2kClient) FetchRange(ctx context.Context, fileHash string, offset int64, length int64) ([]byte, error) {
	if f.failFetch {
		return nil, errors.New("simulated fetch failure")
	}
	end := offset + length
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return f.data[offset:end], nil
}

func (f *fakeEd2kClient) Close(ctx context.Context) error {
	f.connected = false
	return nil
}

func TestEd2kChunkSource_PrepareFetchRelease(t *testing.T) {
	client := &fakeEd2kClient{data: []byte("abcdefghij")}
	src := NewEd2kChunkSource(Ed2kInfo{ServerURL: "ed2k://server1", FileHash: "deadbeef"}, client)
	ctx := context.Background()

	if err := src.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !client.connected {
		t.Fatal("expected client to be connected after Prepare")
	}

	data, err := src.Fetch(ctx, 0, 3, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "defg" {
		t.Errorf("Fetch() = %q, want %q", data, "defg")
	}

	if err := src.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if client.connected {
		t.Error("expected client to be disconnected after Release")
	}
}

func TestEd2kChunkSource_FetchError(t *testing.T) {
	client := &fakeEd2kClient{failFetch: true}
	src := NewEd2kChunkSource(Ed2kInfo{ServerURL: "ed2k://server1"}, client)
	if _, err := src.Fetch(context.Background(), 0, 0, 4); err == nil {
		t.Fatal("expected Fetch to surface the client's error")
	}
}

// SystemChunksPerEd2kChunk's ratio for 262,144-byte system chunks is
// 37.109375: not an integer, with 37 whole system chunks per ed2k chunk, so
// the 38th system chunk straddles the ed2k chunk boundary.
func TestSystemChunksPerEd2kChunk_NotExactlyInteger(t *testing.T) {
	const systemChunkSize = 262144
	ratio := SystemChunksPerEd2kChunk(systemChunkSize)
	if ratio == float64(int(ratio)) {
		t.Fatalf("expected a non-integer ratio (documented edge case), got exactly %v", ratio)
	}
	if int(ratio) != 37 {
		t.Errorf("expected 37 full system chunks per ed2k chunk, got %d", int(ratio))
	}
}
