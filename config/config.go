// config.go - TOML configuration.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the TOML configuration surface for daemons
// embedding the protocol stack.  The protocol core itself takes plain
// structs and never touches the filesystem.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/plexnet/plex/core/compress"
	"github.com/plexnet/plex/core/crypto"
	"github.com/plexnet/plex/transport"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultCompressionLevel = 3
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted logs go to stderr.
	File string

	// Level specifies the log level out of ERROR, WARNING, NOTICE,
	// INFO and DEBUG.
	Level string
}

func (l *Logging) validate() error {
	switch l.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: invalid Level: '%v'", l.Level)
	}
	return nil
}

// Transport is the datagram transport configuration.
type Transport struct {
	// AckTimeoutMillis is the per-retransmit acknowledgment timeout in
	// milliseconds.
	AckTimeoutMillis int

	// MaxRetransmit is the retransmission budget per reliable packet.
	MaxRetransmit int

	// HeartbeatIntervalSeconds is the heartbeat emission interval in
	// seconds.
	HeartbeatIntervalSeconds int

	// EnableEncryption enables the AEAD payload filter.
	EnableEncryption bool

	// EnableCompression enables the compression payload filter.
	EnableCompression bool
}

// ToTransportConfig converts to the transport package's Config.
func (t *Transport) ToTransportConfig() *transport.Config {
	return &transport.Config{
		AckTimeout:        time.Duration(t.AckTimeoutMillis) * time.Millisecond,
		MaxRetransmit:     t.MaxRetransmit,
		HeartbeatInterval: time.Duration(t.HeartbeatIntervalSeconds) * time.Second,
		EnableEncryption:  t.EnableEncryption,
		EnableCompression: t.EnableCompression,
	}
}

// Crypto selects the AEAD algorithm.  Keys are supplied out-of-band by
// the embedding application, never via the config file.
type Crypto struct {
	// Cipher is one of "aes256gcm" or "chacha20poly1305".
	Cipher string
}

// NewProvider creates the configured crypto provider with the given key.
func (c *Crypto) NewProvider(key []byte) (*crypto.Provider, error) {
	switch c.Cipher {
	case "aes256gcm":
		return crypto.NewAES256GCM(key)
	case "chacha20poly1305":
		return crypto.NewChaCha20Poly1305(key)
	default:
		return nil, fmt.Errorf("config: Crypto: invalid Cipher: '%v'", c.Cipher)
	}
}

func (c *Crypto) validate() error {
	switch c.Cipher {
	case "", "aes256gcm", "chacha20poly1305":
		return nil
	default:
		return fmt.Errorf("config: Crypto: invalid Cipher: '%v'", c.Cipher)
	}
}

// Compression selects the compression codec.
type Compression struct {
	// Codec is one of "zstd" or "lz4".
	Codec string

	// Level is the codec specific compression level.
	Level int
}

// NewProvider creates the configured compression provider.
func (c *Compression) NewProvider() (*compress.Provider, error) {
	switch c.Codec {
	case "zstd":
		return compress.NewZstd(c.Level)
	case "lz4":
		return compress.NewLZ4(c.Level)
	default:
		return nil, fmt.Errorf("config: Compression: invalid Codec: '%v'", c.Codec)
	}
}

func (c *Compression) validate() error {
	switch c.Codec {
	case "", "zstd", "lz4":
		return nil
	default:
		return fmt.Errorf("config: Compression: invalid Codec: '%v'", c.Codec)
	}
}

// Config is the top-level configuration.
type Config struct {
	Logging     *Logging
	Transport   *Transport
	Crypto      *Crypto
	Compression *Compression
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Transport == nil {
		c.Transport = &Transport{}
	}
	if c.Crypto == nil {
		c.Crypto = &Crypto{}
	}
	if err := c.Crypto.validate(); err != nil {
		return err
	}
	if c.Compression == nil {
		c.Compression = &Compression{}
	}
	if c.Compression.Level == 0 {
		c.Compression.Level = defaultCompressionLevel
	}
	return c.Compression.validate()
}

// Load parses a configuration from b.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
