package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chiralnode/core/internal/chiralerr"
)

func TestHTTPChunkSource_FetchRange(t *testing.T) {
	const body = "0123456789abcdef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Header.Get("Range") == "" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body[4:8]))
	}))
	defer srv.Close()

	src := NewHTTPChunkSource(HTTPInfo{URL: srv.URL})
	ctx := context.Background()

	if err := src.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	data, err := src.Fetch(ctx, 0, 4, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != body[4:8] {
		t.Errorf("Fetch() = %q, want %q", data, body[4:8])
	}
}

func TestHTTPChunkSource_EtagChanged(t *testing.T) {
	etag := `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	src := NewHTTPChunkSource(HTTPInfo{URL: srv.URL})
	ctx := context.Background()
	if err := src.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_, err := src.Fetch(ctx, 0, 0, 4)
	if err == nil {
		t.Fatal("expected an error when the server reports a precondition failure")
	}
	if !chiralerr.IsPermanent(err) {
		t.Errorf("expected EtagChanged to classify as permanent, got %v", err)
	}
}

func TestHTTPChunkSource_RangeUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		// server ignores Range and returns the whole body with 200
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("whatever"))
	}))
	defer srv.Close()

	src := NewHTTPChunkSource(HTTPInfo{URL: srv.URL})
	ctx := context.Background()
	if err := src.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_, err := src.Fetch(ctx, 0, 0, 4)
	if err == nil {
		t.Fatal("expected UnsupportedRange error")
	}
}

func TestHTTPChunkSource_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPChunkSource(HTTPInfo{URL: srv.URL})
	err := src.Prepare(context.Background())
	if err == nil {
		t.Fatal("expected NotFound error from Prepare")
	}
}
