package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chiralnode/core/daemon/dht"
	"github.com/chiralnode/core/daemon/orchestrator"
	"github.com/chiralnode/core/daemon/source"
	"github.com/chiralnode/core/internal/crypto"
	"github.com/chiralnode/core/internal/quicutil"
	"github.com/chiralnode/core/internal/ratelimit"
	"github.com/google/uuid"
)

func main() {
	merkleRoot := flag.String("merkle-root", "", "Merkle root of the file to download (required)")
	output := flag.String("output", "", "Path to write the downloaded file to (required)")
	jobID := flag.String("job-id", "", "Job ID, for resuming a prior download; a fresh UUID is generated if omitted")
	tmpRoot := flag.String("tmp-root", "/tmp/chiral_downloads", "Directory job temp files and bitmap sidecars are written under")
	retryDB := flag.String("retry-db", "/tmp/chiral_retry.db", "Path to the durable cross-restart retry-persistence queue")
	dhtListen := flag.String("dht-listen", "/ip4/0.0.0.0/tcp/0", "Comma-separated libp2p listen multiaddrs")
	dhtBootstrap := flag.String("dht-bootstrap", "", "Comma-separated libp2p bootstrap peer multiaddrs")
	mirrorsFile := flag.String("mirrors-file", "", "Optional JSON file of declared source.SourceRecord mirrors (HTTP/FTP/ed2k)")
	uploadRate := flag.Float64("upload-rate", 10<<20, "Upload bandwidth budget in bytes/sec")
	downloadRate := flag.Float64("download-rate", 50<<20, "Download bandwidth budget in bytes/sec")
	flag.Parse()

	if *merkleRoot == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "Usage: download --merkle-root <hash> --output <path> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *jobID == "" {
		*jobID = uuid.NewString()
	}

	ctx := context.Background()

	// This node's handshake-signing identity. A production deployment would
	// persist this rather than regenerate it per invocation; see
	// daemon/main.go's identical note.
	identity, err := crypto.GenerateEd25519()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating identity keypair: %v\n", err)
		os.Exit(2)
	}

	directory, err := dht.NewKadDHT(ctx, splitNonEmpty(*dhtListen), splitNonEmpty(*dhtBootstrap))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error joining DHT: %v\n", err)
		os.Exit(2)
	}

	governor := ratelimit.NewGovernor(*uploadRate, *downloadRate)
	dialer := orchestrator.NewQUICPeerDialer(identity, quicutil.MakeClientTLSConfig(), nil)

	retryQueue, err := orchestrator.OpenRetryQueue(*retryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening retry queue: %v\n", err)
		os.Exit(2)
	}
	defer retryQueue.Close()

	orch := orchestrator.New(directory, dialer, governor, *tmpRoot, orchestrator.Config{})
	orch.SetRetryQueue(retryQueue)

	opts := orchestrator.DownloadOptions{}
	if *mirrorsFile != "" {
		mirrors, err := loadMirrors(*mirrorsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading mirrors file: %v\n", err)
			os.Exit(2)
		}
		opts.DeclaredMirrors = mirrors
	}

	fmt.Fprintf(os.Stderr, "Downloading %s -> %s (job %s)\n", *merkleRoot, *output, *jobID)
	job, err := orch.Download(ctx, *jobID, *merkleRoot, *output, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Download failed: %v (state=%s)\n", err, job.GetState())
		os.Exit(3)
	}
	fmt.Fprintf(os.Stderr, "Download complete: %s\n", *output)
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadMirrors reads a JSON array of source.SourceRecord from path, the
// out-of-band mirror list DownloadOptions.DeclaredMirrors documents as
// coming from a catalog or a prior PublishFile call rather than the
// manifest itself.
func loadMirrors(path string) ([]source.SourceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []source.SourceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
