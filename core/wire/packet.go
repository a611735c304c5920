// packet.go - wire packet codec.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the datagram wire format and its codec.
//
// Every datagram carries exactly one packet:
//
//	version   uint8
//	type      uint8
//	flags     uint8
//	sequence  uint32 (big endian)
//	timestamp uint64 (big endian, ms since the Unix epoch, informational)
//	route_len uint16 (big endian)
//	route     route_len bytes of UTF-8
//	payload_len uint32 (big endian)
//	payload   payload_len bytes
//
// Payloads are transformed compress-then-encrypt on send.  Compressing
// first means the ciphertext carries the compressed form, at the cost of
// the usual compression-oracle caveat when an attacker controls part of
// the plaintext.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

const (
	// ProtocolVersion is the wire protocol version.
	ProtocolVersion = 1

	// MaxPacketSize is the maximum serialized packet size, matching the
	// largest payload a single UDP datagram can carry.
	MaxPacketSize = 65507

	// headerPrefixSize is the fixed prefix before the route length field.
	headerPrefixSize = 1 + 1 + 1 + 4 + 8
)

// PacketType identifies the role of a packet.
type PacketType uint8

const (
	// PacketData carries an application payload for a route.
	PacketData PacketType = iota

	// PacketAck acknowledges receipt of a Data packet.
	PacketAck

	// PacketNack requests retransmission of a packet.
	PacketNack

	// PacketHeartbeat is a keep-alive probe.
	PacketHeartbeat

	// PacketConnect is a connection liveness probe.
	PacketConnect

	// PacketConnectAck answers a Connect probe.
	PacketConnectAck

	// PacketDisconnect announces that a peer is going away.
	PacketDisconnect

	// PacketBatch is reserved for aggregated packets.
	PacketBatch
)

// String returns the packet type as a human readable string.
func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "Data"
	case PacketAck:
		return "Ack"
	case PacketNack:
		return "Nack"
	case PacketHeartbeat:
		return "Heartbeat"
	case PacketConnect:
		return "Connect"
	case PacketConnectAck:
		return "ConnectAck"
	case PacketDisconnect:
		return "Disconnect"
	case PacketBatch:
		return "Batch"
	default:
		return fmt.Sprintf("[unknown PacketType: 0x%02x]", uint8(t))
	}
}

const (
	flagEncrypted   = 1 << 0
	flagCompressed  = 1 << 1
	flagRequiresAck = 1 << 2

	flagsReservedMask = ^uint8(flagEncrypted | flagCompressed | flagRequiresAck)
)

// Flags is the per-packet flag bitfield.
type Flags struct {
	// Encrypted indicates that the payload is an AEAD ciphertext.
	Encrypted bool

	// Compressed indicates that the payload is compressed.
	Compressed bool

	// RequiresAck requests a wire-level Ack from the receiver.  Only ever
	// set on Data packets.
	RequiresAck bool
}

func (f Flags) toByte() uint8 {
	var b uint8
	if f.Encrypted {
		b |= flagEncrypted
	}
	if f.Compressed {
		b |= flagCompressed
	}
	if f.RequiresAck {
		b |= flagRequiresAck
	}
	return b
}

func flagsFromByte(b uint8) Flags {
	return Flags{
		Encrypted:   b&flagEncrypted != 0,
		Compressed:  b&flagCompressed != 0,
		RequiresAck: b&flagRequiresAck != 0,
	}
}

// InvalidPacketError is the error returned when deserialization encounters a
// malformed packet.
type InvalidPacketError struct {
	// Reason describes the framing violation.
	Reason string
}

// Error implements the error interface.
func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("wire: invalid packet: %s", e.Reason)
}

func newInvalidPacketError(f string, a ...interface{}) error {
	return &InvalidPacketError{Reason: fmt.Sprintf(f, a...)}
}

// VersionMismatchError is the error returned when a packet carries an
// unsupported protocol version.
type VersionMismatchError struct {
	// Expected is the supported protocol version.
	Expected uint8

	// Actual is the version found in the packet header.
	Actual uint8
}

// Error implements the error interface.
func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("wire: protocol version mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Packet is the sole wire object.
type Packet struct {
	// Version is the protocol version, always ProtocolVersion.
	Version uint8

	// Type identifies the role of the packet.
	Type PacketType

	// Flags is the per-packet flag bitfield.
	Flags Flags

	// Sequence identifies a reliable packet, scoped to one sender.
	Sequence uint32

	// Timestamp is the send time in milliseconds since the Unix epoch.
	// It is informational and never used for ordering.
	Timestamp uint64

	// Route names the handler on the server.  Empty for all non-Data
	// packet types.
	Route string

	// Payload is the opaque application payload.
	Payload []byte
}

func timestampNow() uint64 {
	return uint64(time.Now().UnixMilli())
}

// NewData creates a Data packet that requests a wire-level Ack.
func NewData(route string, payload []byte, sequence uint32) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketData,
		Flags:     Flags{RequiresAck: true},
		Sequence:  sequence,
		Timestamp: timestampNow(),
		Route:     route,
		Payload:   payload,
	}
}

// NewAck creates an Ack packet for the given sequence.
func NewAck(sequence uint32) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketAck,
		Sequence:  sequence,
		Timestamp: timestampNow(),
	}
}

// NewNack creates a Nack packet for the given sequence.
func NewNack(sequence uint32) *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketNack,
		Sequence:  sequence,
		Timestamp: timestampNow(),
	}
}

// NewHeartbeat creates a Heartbeat packet.
func NewHeartbeat() *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketHeartbeat,
		Timestamp: timestampNow(),
	}
}

// NewConnect creates a Connect probe packet.
func NewConnect() *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketConnect,
		Timestamp: timestampNow(),
	}
}

// NewConnectAck creates a ConnectAck packet.
func NewConnectAck() *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketConnectAck,
		Timestamp: timestampNow(),
	}
}

// NewDisconnect creates a Disconnect packet.
func NewDisconnect() *Packet {
	return &Packet{
		Version:   ProtocolVersion,
		Type:      PacketDisconnect,
		Timestamp: timestampNow(),
	}
}

// Serialize encodes the packet into its wire representation.  The route
// must already be valid UTF-8, that is a caller invariant.
func (p *Packet) Serialize() ([]byte, error) {
	routeLen := len(p.Route)
	if routeLen > math.MaxUint16 {
		return nil, newInvalidPacketError("route length %d overflows", routeLen)
	}
	totalLen := headerPrefixSize + 2 + routeLen + 4 + len(p.Payload)
	if totalLen > MaxPacketSize {
		return nil, newInvalidPacketError("serialized size %d exceeds %d", totalLen, MaxPacketSize)
	}

	buf := make([]byte, 0, totalLen)
	buf = append(buf, p.Version, uint8(p.Type), p.Flags.toByte())
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.BigEndian.AppendUint16(buf, uint16(routeLen))
	buf = append(buf, p.Route...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)

	return buf, nil
}

// Deserialize decodes a packet from its wire representation.  Framing
// violations return an InvalidPacketError, unsupported versions a
// VersionMismatchError.  The codec is pure, it touches no clocks and
// allocates nothing beyond the returned packet.
func Deserialize(b []byte) (*Packet, error) {
	if len(b) < headerPrefixSize {
		return nil, newInvalidPacketError("packet too small: %d bytes", len(b))
	}

	version := b[0]
	if version != ProtocolVersion {
		return nil, &VersionMismatchError{Expected: ProtocolVersion, Actual: version}
	}
	if b[1] > uint8(PacketBatch) {
		return nil, newInvalidPacketError("unknown packet type: %d", b[1])
	}
	if b[2]&flagsReservedMask != 0 {
		return nil, newInvalidPacketError("reserved flag bits set: 0x%02x", b[2])
	}

	p := &Packet{
		Version:   version,
		Type:      PacketType(b[1]),
		Flags:     flagsFromByte(b[2]),
		Sequence:  binary.BigEndian.Uint32(b[3:7]),
		Timestamp: binary.BigEndian.Uint64(b[7:15]),
	}
	b = b[headerPrefixSize:]

	if len(b) < 2 {
		return nil, newInvalidPacketError("truncated route length")
	}
	routeLen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < routeLen {
		return nil, newInvalidPacketError("truncated route: want %d bytes, have %d", routeLen, len(b))
	}
	route := b[:routeLen]
	if !utf8.Valid(route) {
		return nil, newInvalidPacketError("route is not valid UTF-8")
	}
	p.Route = string(route)
	b = b[routeLen:]

	if len(b) < 4 {
		return nil, newInvalidPacketError("truncated payload length")
	}
	payloadLen := int(binary.BigEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < payloadLen {
		return nil, newInvalidPacketError("truncated payload: want %d bytes, have %d", payloadLen, len(b))
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, b[:payloadLen])
	}

	return p, nil
}
