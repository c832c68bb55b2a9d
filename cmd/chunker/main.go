package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chiralnode/core/internal/chunker"
	"github.com/chiralnode/core/internal/chunstore"
)

func main() {
	// Define flags
	chunkSize := flag.Int("chunk-size", 1048576, "Chunk size in bytes (default: 1 MiB)")
	output := flag.String("output", "", "Output manifest to file (default: stdout)")
	pretty := flag.Bool("pretty", true, "Pretty-print JSON output")
	storeDir := flag.String("store-dir", "", "Directory the encrypted chunks are persisted under (required)")
	recipientPub := flag.String("recipient-pub", "", "Base64-encoded X25519 public key the manifest's data key is wrapped for (required)")
	flag.Parse()

	// Check for file argument
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunker [options] <file_path>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	filePath := flag.Arg(0)

	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: File not found: %s\n", filePath)
		os.Exit(2)
	}

	if *storeDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --store-dir is required")
		os.Exit(2)
	}
	if *recipientPub == "" {
		fmt.Fprintln(os.Stderr, "Error: --recipient-pub is required")
		os.Exit(2)
	}
	recipientRaw, err := base64.StdEncoding.DecodeString(*recipientPub)
	if err != nil || len(recipientRaw) != 32 {
		fmt.Fprintln(os.Stderr, "Error: --recipient-pub must be a base64-encoded 32-byte X25519 public key")
		os.Exit(2)
	}
	var recipientKey [32]byte
	copy(recipientKey[:], recipientRaw)

	fmt.Fprintf(os.Stderr, "Processing file: %s\n", filePath)

	store, err := chunstore.New(*storeDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening chunk store: %v\n", err)
		os.Exit(1)
	}

	options := chunker.ChunkOptions{
		ChunkSize: *chunkSize,
	}

	// BuildEncryptedManifest streams C1 hashing, C2 per-chunk AEAD
	// encryption and data-key wrapping, and C3 persistence in one pass, so
	// the manifest this CLI emits is directly consumable by a downloader
	// holding the matching X25519 private key.
	manifest, err := chunker.BuildEncryptedManifest(filePath, store, recipientKey, options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "File size: %d bytes\n", manifest.FileSize)
	fmt.Fprintf(os.Stderr, "Chunk size: %d bytes\n", manifest.ChunkSize)
	fmt.Fprintf(os.Stderr, "Chunks: %d\n", manifest.ChunkCount)
	fmt.Fprintf(os.Stderr, "Merkle root: %s\n\n", manifest.MerkleRoot)

	// Serialize to JSON
	var jsonData []byte
	if *pretty {
		jsonData, err = json.MarshalIndent(manifest, "", "  ")
	} else {
		jsonData, err = json.Marshal(manifest)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serializing manifest: %v\n", err)
		os.Exit(1)
	}

	// Output
	if *output != "" {
		err = os.WriteFile(*output, jsonData, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Manifest written to: %s\n", *output)
	} else {
		fmt.Println(string(jsonData))
	}
}
