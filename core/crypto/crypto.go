// crypto.go - AEAD payload filter.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the AEAD payload filter applied to packet
// payloads.  Keys are supplied out-of-band, there is no handshake.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD key size in bytes.
	KeySize = 32

	// NonceSize is the per-message nonce size in bytes.
	NonceSize = 12
)

// EncryptionError is the error returned on AEAD failures, including a
// missing provider for an encrypted packet.
type EncryptionError struct {
	// Reason describes the failure.
	Reason string
}

// Error implements the error interface.
func (e *EncryptionError) Error() string {
	return fmt.Sprintf("crypto: %s", e.Reason)
}

func newEncryptionError(f string, a ...interface{}) error {
	return &EncryptionError{Reason: fmt.Sprintf(f, a...)}
}

// Provider encrypts and decrypts packet payloads with an AEAD cipher.
// A Provider is safe for concurrent use.
type Provider struct {
	aead cipher.AEAD
	name string
}

// NewAES256GCM creates a Provider using AES-256-GCM with the given 32 byte
// key.
func NewAES256GCM(key []byte) (*Provider, error) {
	if len(key) != KeySize {
		return nil, newEncryptionError("AES-256-GCM key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newEncryptionError("failed to initialize AES: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newEncryptionError("failed to initialize GCM: %v", err)
	}
	return &Provider{aead: aead, name: "AES-256-GCM"}, nil
}

// NewChaCha20Poly1305 creates a Provider using ChaCha20-Poly1305 with the
// given 32 byte key.
func NewChaCha20Poly1305(key []byte) (*Provider, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newEncryptionError("failed to initialize ChaCha20-Poly1305: %v", err)
	}
	return &Provider{aead: aead, name: "ChaCha20-Poly1305"}, nil
}

// GenerateKey returns a fresh random 32 byte AEAD key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, newEncryptionError("failed to generate key: %v", err)
	}
	return key, nil
}

// Name returns the name of the underlying AEAD algorithm.
func (p *Provider) Name() string {
	return p.name
}

// Encrypt seals plaintext under a fresh random nonce and returns
// nonce || ciphertext.
func (p *Provider) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+p.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, newEncryptionError("failed to generate nonce: %v", err)
	}
	return p.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt splits off the nonce prefix, verifies the tag and returns the
// plaintext.  Authentication failure is fatal.
func (p *Provider) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, newEncryptionError("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, newEncryptionError("%s decryption failed: %v", p.name, err)
	}
	return plaintext, nil
}
