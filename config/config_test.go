// config_test.go - configuration tests.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(""))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.False(cfg.Logging.Disable)
	require.NotNil(cfg.Transport)
	require.Equal(3, cfg.Compression.Level)
}

func TestLoadFull(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Logging]
Level = "DEBUG"

[Transport]
AckTimeoutMillis = 500
MaxRetransmit = 5
HeartbeatIntervalSeconds = 10
EnableEncryption = true
EnableCompression = true

[Crypto]
Cipher = "chacha20poly1305"

[Compression]
Codec = "zstd"
Level = 7
`))
	require.NoError(err)

	tc := cfg.Transport.ToTransportConfig()
	require.Equal(500*time.Millisecond, tc.AckTimeout)
	require.Equal(5, tc.MaxRetransmit)
	require.Equal(10*time.Second, tc.HeartbeatInterval)
	require.True(tc.EnableEncryption)
	require.True(tc.EnableCompression)

	key := make([]byte, 32)
	cp, err := cfg.Crypto.NewProvider(key)
	require.NoError(err)
	require.Equal("ChaCha20-Poly1305", cp.Name())

	zp, err := cfg.Compression.NewProvider()
	require.NoError(err)
	require.Equal("zstd", zp.Name())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Transport]
Bogus = true
`))
	require.Error(err)
}

func TestLoadRejectsBadLevel(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Logging]
Level = "LOUD"
`))
	require.Error(err)
}

func TestLoadRejectsBadCipher(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Crypto]
Cipher = "rot13"
`))
	require.Error(err)
}
