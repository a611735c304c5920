// compress.go - payload compression filter.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package compress provides the compression filter applied to packet
// payloads, with a choice of Zstandard or LZ4 block compression.
package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// lz4MaxDecompressedSize bounds the allocation implied by the length
// prefix of an LZ4 block.
const lz4MaxDecompressedSize = 1 << 30

// CompressionError is the error returned on codec failures, including a
// missing provider for a compressed packet.
type CompressionError struct {
	// Reason describes the failure.
	Reason string
}

// Error implements the error interface.
func (e *CompressionError) Error() string {
	return fmt.Sprintf("compress: %s", e.Reason)
}

func newCompressionError(f string, a ...interface{}) error {
	return &CompressionError{Reason: fmt.Sprintf(f, a...)}
}

type algorithm uint8

const (
	algoZstd algorithm = iota
	algoLZ4
)

// LZ4 blocks are framed as a method byte (stored or compressed) followed
// by the uncompressed size and the block, since raw LZ4 blocks neither
// self-describe their decompressed size nor accept incompressible input.
const (
	lz4MethodStored uint8 = 0
	lz4MethodBlock  uint8 = 1
)

// Provider compresses and decompresses packet payloads.  A Provider is
// safe for concurrent use.
type Provider struct {
	algo  algorithm
	level int

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewZstd creates a Provider using Zstandard at the given level.
func NewZstd(level int) (*Provider, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, newCompressionError("failed to initialize zstd encoder: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, newCompressionError("failed to initialize zstd decoder: %v", err)
	}
	return &Provider{algo: algoZstd, level: level, zenc: enc, zdec: dec}, nil
}

// NewLZ4 creates a Provider using LZ4 block compression at the given
// level.  Level 0 selects the fast path, higher levels use the high
// compression match finder.
func NewLZ4(level int) (*Provider, error) {
	if level < 0 || level > 9 {
		return nil, newCompressionError("invalid LZ4 level %d", level)
	}
	return &Provider{algo: algoLZ4, level: level}, nil
}

// Name returns the name of the underlying algorithm.
func (p *Provider) Name() string {
	switch p.algo {
	case algoZstd:
		return "zstd"
	default:
		return "lz4"
	}
}

// Compress compresses data.  The output always round-trips through
// Decompress, even for empty or incompressible input.
func (p *Provider) Compress(data []byte) ([]byte, error) {
	switch p.algo {
	case algoZstd:
		return p.zenc.EncodeAll(data, nil), nil
	default:
		return p.lz4Compress(data)
	}
}

// Decompress decompresses data previously produced by Compress.
func (p *Provider) Decompress(data []byte) ([]byte, error) {
	switch p.algo {
	case algoZstd:
		out, err := p.zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, newCompressionError("zstd decompression failed: %v", err)
		}
		return out, nil
	default:
		return p.lz4Decompress(data)
	}
}

func (p *Provider) lz4Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{lz4MethodStored, 0, 0, 0, 0}, nil
	}

	bound := lz4.CompressBlockBound(len(data))
	buf := make([]byte, 5+bound)
	buf[0] = lz4MethodBlock
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))

	var n int
	var err error
	if p.level == 0 {
		var c lz4.Compressor
		n, err = c.CompressBlock(data, buf[5:])
	} else {
		c := lz4.CompressorHC{Level: lz4.CompressionLevel(1 << (8 + p.level))}
		n, err = c.CompressBlock(data, buf[5:])
	}
	if err != nil {
		return nil, newCompressionError("lz4 compression failed: %v", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible, store verbatim.
		out := make([]byte, 5+len(data))
		out[0] = lz4MethodStored
		binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))
		copy(out[5:], data)
		return out, nil
	}
	return buf[:5+n], nil
}

func (p *Provider) lz4Decompress(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, newCompressionError("lz4 input too short: %d bytes", len(data))
	}
	method := data[0]
	size := binary.BigEndian.Uint32(data[1:5])
	if size > lz4MaxDecompressedSize {
		return nil, newCompressionError("lz4 declared size %d too large", size)
	}
	block := data[5:]

	switch method {
	case lz4MethodStored:
		if uint32(len(block)) != size {
			return nil, newCompressionError("lz4 stored block length mismatch")
		}
		out := make([]byte, size)
		copy(out, block)
		return out, nil
	case lz4MethodBlock:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(block, out)
		if err != nil {
			return nil, newCompressionError("lz4 decompression failed: %v", err)
		}
		if uint32(n) != size {
			return nil, newCompressionError("lz4 decompressed %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, newCompressionError("unknown lz4 framing method %d", method)
	}
}
