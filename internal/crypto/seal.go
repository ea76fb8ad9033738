// Package crypto seals fingerprint templates before they reach storage.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKeyLength is returned when the provided key length is invalid.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrCiphertextTooShort is returned when sealed data is truncated.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Sealer encrypts templates with XChaCha20-Poly1305. The nonce is prepended
// to the ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKeyLength, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromHex builds a sealer from a hex-encoded key. An empty string
// yields a fresh random key, suitable only for development: templates sealed
// with it are unreadable after restart.
func NewSealerFromHex(keyHex string) (*Sealer, error) {
	if keyHex == "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		return NewSealer(key)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ct, nil)
}
