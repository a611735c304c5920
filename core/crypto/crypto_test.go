// crypto_test.go - AEAD payload filter tests.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testProviderRoundTrip(t *testing.T, newProvider func(key []byte) (*Provider, error)) {
	require := require.New(t)

	key, err := GenerateKey()
	require.NoError(err)
	p, err := newProvider(key)
	require.NoError(err)

	plaintexts := [][]byte{
		[]byte("Hello, World!"),
		{},
		make([]byte, 4096),
	}
	for _, plaintext := range plaintexts {
		ct, err := p.Encrypt(plaintext)
		require.NoError(err)
		require.Greater(len(ct), NonceSize)

		got, err := p.Decrypt(ct)
		require.NoError(err)
		require.Equal(plaintext, append([]byte{}, got...), "len %d", len(plaintext))
	}
}

func TestAES256GCMRoundTrip(t *testing.T) {
	testProviderRoundTrip(t, NewAES256GCM)
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	testProviderRoundTrip(t, NewChaCha20Poly1305)
}

func TestNonceUniqueness(t *testing.T) {
	require := require.New(t)

	key, err := GenerateKey()
	require.NoError(err)
	p, err := NewChaCha20Poly1305(key)
	require.NoError(err)

	seen := make(map[[NonceSize]byte]bool)
	for i := 0; i < 1000; i++ {
		ct, err := p.Encrypt([]byte("same plaintext"))
		require.NoError(err)

		var nonce [NonceSize]byte
		copy(nonce[:], ct[:NonceSize])
		require.False(seen[nonce], "nonce reuse after %d encryptions", i)
		seen[nonce] = true
	}
}

func TestTamperDetection(t *testing.T) {
	require := require.New(t)

	key, err := GenerateKey()
	require.NoError(err)
	for _, newProvider := range []func([]byte) (*Provider, error){NewAES256GCM, NewChaCha20Poly1305} {
		p, err := newProvider(key)
		require.NoError(err)

		ct, err := p.Encrypt([]byte("authenticated payload"))
		require.NoError(err)

		for i := 0; i < len(ct); i++ {
			mutated := append([]byte{}, ct...)
			mutated[i] ^= 0x01
			_, err := p.Decrypt(mutated)
			var encErr *EncryptionError
			require.ErrorAs(err, &encErr, "%s byte %d", p.Name(), i)
		}
	}
}

func TestDecryptTooShort(t *testing.T) {
	require := require.New(t)

	key, err := GenerateKey()
	require.NoError(err)
	p, err := NewAES256GCM(key)
	require.NoError(err)

	_, err = p.Decrypt(make([]byte, NonceSize-1))
	var encErr *EncryptionError
	require.ErrorAs(err, &encErr)
}

func TestWrongKeyFails(t *testing.T) {
	require := require.New(t)

	k1, err := GenerateKey()
	require.NoError(err)
	k2, err := GenerateKey()
	require.NoError(err)

	p1, err := NewAES256GCM(k1)
	require.NoError(err)
	p2, err := NewAES256GCM(k2)
	require.NoError(err)

	ct, err := p1.Encrypt([]byte("secret"))
	require.NoError(err)
	_, err = p2.Decrypt(ct)
	require.Error(err)
}

func TestInvalidKeySize(t *testing.T) {
	require := require.New(t)

	_, err := NewAES256GCM(make([]byte, 16))
	require.Error(err)
	_, err = NewChaCha20Poly1305(make([]byte, 16))
	require.Error(err)
}
