package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyWrapInfoString is the HKDF domain-separation string for wrapping a
// file's data key for a single recipient. It is distinct from
// sessionInfoString: wrapping a transferable data key and deriving a wire
// session's payload/control keys are different operations that happen to
// share an HKDF-over-X25519 shape.
const keyWrapInfoString = "chiral-v1-key-wrap"

// EncryptedKeyBundle is a hybrid-encrypted file data key addressed to a
// single recipient's X25519 identity. The sender generates a fresh
// ephemeral X25519 keypair per bundle, so the wrap key is never reused
// across recipients or files.
type EncryptedKeyBundle struct {
	EphemeralPublicKey [32]byte `json:"ephemeral_public_key"`
	Nonce              [12]byte `json:"nonce"`
	Ciphertext         []byte   `json:"ciphertext"` // wrapped data key + AEAD tag
}

// GenerateDataKey produces a fresh 32-byte per-file symmetric key from a
// cryptographically strong RNG. Callers wrap it per recipient with
// WrapDataKey and use it directly (never written in cleartext) to encrypt
// every chunk of one file.
func GenerateDataKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// WrapDataKey encrypts a 32-byte file data key for recipientPublic using an
// ephemeral X25519 keypair generated for this call. The returned bundle
// carries everything the recipient needs to recover the data key with
// UnwrapDataKey and their own private key.
func WrapDataKey(recipientPublic [32]byte, dataKey [32]byte) (*EncryptedKeyBundle, error) {
	ephemeral, err := GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	shared, err := X25519Exchange(&ephemeral.PrivateKey, &recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("ECDH key exchange failed: %w", err)
	}

	wrapKey, err := deriveWrapKey(shared[:], ephemeral.PublicKey[:])
	if err != nil {
		return nil, err
	}

	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := Seal(wrapKey, nonce[:], ephemeral.PublicKey[:], dataKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return &EncryptedKeyBundle{
		EphemeralPublicKey: ephemeral.PublicKey,
		Nonce:              nonce,
		Ciphertext:         ciphertext,
	}, nil
}

// UnwrapDataKey recovers the 32-byte file data key from bundle using the
// recipient's X25519 private key.
func UnwrapDataKey(bundle *EncryptedKeyBundle, recipientPrivate [32]byte) ([32]byte, error) {
	var dataKey [32]byte

	shared, err := X25519Exchange(&recipientPrivate, &bundle.EphemeralPublicKey)
	if err != nil {
		return dataKey, fmt.Errorf("ECDH key exchange failed: %w", err)
	}

	wrapKey, err := deriveWrapKey(shared[:], bundle.EphemeralPublicKey[:])
	if err != nil {
		return dataKey, err
	}

	plaintext, err := Open(wrapKey, bundle.Nonce[:], bundle.EphemeralPublicKey[:], bundle.Ciphertext)
	if err != nil {
		return dataKey, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	if len(plaintext) != 32 {
		return dataKey, fmt.Errorf("unwrapped data key has unexpected length %d", len(plaintext))
	}

	copy(dataKey[:], plaintext)
	return dataKey, nil
}

// deriveWrapKey runs HKDF-SHA256 over the ECDH shared secret, salted with
// the sender's ephemeral public key, to produce a 32-byte AES-256 key.
func deriveWrapKey(sharedSecret []byte, ephemeralPublic []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, sharedSecret, ephemeralPublic, []byte(keyWrapInfoString))
	wrapKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, wrapKey); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return wrapKey, nil
}
