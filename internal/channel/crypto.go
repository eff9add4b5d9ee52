package channel

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// keyContext is the BLAKE3 derive-key context string. Changing it
// invalidates every key derived from a configured shared secret.
const keyContext = "peerchat 2026-01 chat message key v1"

var errShortCiphertext = errors.New("ciphertext shorter than nonce and tag")

// DeriveKey derives the per-pair message key from the configured shared
// secret. pairID is the canonical session id, so each pair of endpoints
// gets a distinct key from the same secret.
func DeriveKey(sharedKey, pairID string) []byte {
	material := make([]byte, 0, len(sharedKey)+1+len(pairID))
	material = append(material, sharedKey...)
	material = append(material, 0)
	material = append(material, pairID...)

	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(keyContext, material, key)
	return key
}

// sealer encrypts message bodies with XChaCha20-Poly1305. The wire form is
// nonce || ciphertext || tag.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("message key is %d bytes, want %d", len(key), chacha20poly1305.KeySize)
	}
	return &sealer{key: key}, nil
}

func (s *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	copy(out, nonce[:])
	return aead.Seal(out, nonce[:], plaintext, aad), nil
}

func (s *sealer) open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errShortCiphertext
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], aad)
}
