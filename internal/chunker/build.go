package chunker

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chiralnode/core/internal/crypto"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// chunkPersister is the minimal write surface BuildEncryptedManifest needs
// from a chunk store. internal/chunstore.Store satisfies this without an
// adapter; tests can supply a map-backed fake.
type chunkPersister interface {
	Put(hashB64 string, data []byte) error
}

// chunkNonceSize and chunkTagSize mirror the AES-256-GCM layout internal/crypto/aead.go
// already uses for its nonce and authentication tag, so EncryptedLength's
// arithmetic stays in one place.
const (
	chunkNonceSize = 12
	chunkTagSize   = 16
)

// BuildEncryptedManifest drives C1 (hashing), C2 (per-chunk AEAD + data-key
// wrapping) and C3 (persistence) streamingly over filePath: it reads one
// chunk-sized window at a time, hashes the plaintext, encrypts it under a
// freshly generated per-file data key with a fresh nonce, persists
// nonce||ciphertext into store, and only after the whole file has been
// consumed does it build the Merkle root and wrap the data key for
// recipientPublic. Memory use is O(chunk size + tree size): the plaintext
// file is never buffered whole, matching spec.md's manifest-builder
// contract.
func BuildEncryptedManifest(filePath string, store chunkPersister, recipientPublic [32]byte, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	dataKey, err := crypto.GenerateDataKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	sessionID := uuid.New().String()
	fileName := filepath.Base(filePath)

	if fileInfo.Size() == 0 {
		bundle, err := crypto.WrapDataKey(recipientPublic, dataKey)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap data key: %w", err)
		}
		merkleRoot, _ := ComputeMerkleRoot(nil)
		return &Manifest{
			SessionID:          sessionID,
			FileName:           fileName,
			FileSize:           0,
			ChunkSize:          options.ChunkSize,
			ChunkCount:         0,
			HashAlgo:           "BLAKE3",
			Chunks:             nil,
			MerkleRoot:         merkleRoot,
			CreatedAt:          time.Now(),
			EncryptedKeyBundle: bundle,
		}, nil
	}

	var (
		chunks      []ChunkDescriptor
		chunkHashes []string
	)
	buffer := make([]byte, options.ChunkSize)

	for i := 0; ; i++ {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, readErr)
		}
		if n == 0 {
			break
		}
		plaintext := buffer[:n]

		hash := blake3.Sum256(plaintext)
		hashB64 := base64.StdEncoding.EncodeToString(hash[:])

		var nonce [chunkNonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce for chunk %d: %w", i, err)
		}
		ciphertext, err := crypto.Seal(dataKey[:], nonce[:], nil, plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk %d: %w", i, err)
		}

		onDisk := make([]byte, 0, len(nonce)+len(ciphertext))
		onDisk = append(onDisk, nonce[:]...)
		onDisk = append(onDisk, ciphertext...)

		if err := store.Put(hashB64, onDisk); err != nil {
			return nil, fmt.Errorf("failed to persist chunk %d: %w", i, err)
		}

		chunks = append(chunks, ChunkDescriptor{
			Index:           i,
			Hash:            hashB64,
			Length:          n,
			EncryptedLength: len(onDisk),
		})
		chunkHashes = append(chunkHashes, hashB64)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n < len(buffer) {
			break
		}
	}

	merkleRoot, err := ComputeMerkleRoot(chunkHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merkle root: %w", err)
	}

	bundle, err := crypto.WrapDataKey(recipientPublic, dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return &Manifest{
		SessionID:          sessionID,
		FileName:           fileName,
		FileSize:           fileInfo.Size(),
		ChunkSize:          options.ChunkSize,
		ChunkCount:         len(chunks),
		HashAlgo:           "BLAKE3",
		Chunks:             chunks,
		MerkleRoot:         merkleRoot,
		CreatedAt:          time.Now(),
		EncryptedKeyBundle: bundle,
	}, nil
}
