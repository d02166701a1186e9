// Package secret keeps small secrets (stored passwords) sealed in memory.
package secret

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box seals values with XChaCha20-Poly1305 under a key that never leaves the
// process. Sealed values do not survive a restart.
type Box struct {
	key []byte
}

// NewBox creates a Box with a fresh random key.
func NewBox() (*Box, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Box{key: key}, nil
}

// MustNewBox is NewBox for process setup. It panics if the system random
// source fails.
func MustNewBox() *Box {
	b, err := NewBox()
	if err != nil {
		panic(err)
	}
	return b
}

// Seal encrypts plaintext. Returns nonce || ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString is Seal for strings. An empty string seals to nil.
func (b *Box) SealString(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return b.Seal([]byte(s))
}

// OpenString reverses SealString.
func (b *Box) OpenString(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	p, err := b.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
