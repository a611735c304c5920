// transport.go - reliable datagram transport.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the datagram transport underlying the client
// and server: sequence allocation, the payload transform pipeline, pending
// acknowledgment bookkeeping, retransmission and heartbeats.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/plexnet/plex/core/compress"
	"github.com/plexnet/plex/core/crypto"
	"github.com/plexnet/plex/core/log"
	"github.com/plexnet/plex/core/wire"
	"github.com/plexnet/plex/core/worker"
)

const (
	// DefaultAckTimeout is the default per-retransmit acknowledgment
	// timeout.
	DefaultAckTimeout = 1000 * time.Millisecond

	// DefaultMaxRetransmit is the default number of retransmissions
	// before a pending packet is abandoned.
	DefaultMaxRetransmit = 3

	// DefaultHeartbeatInterval is the default heartbeat emission
	// interval.
	DefaultHeartbeatInterval = 30 * time.Second

	// sweepInterval is the retransmission sweep tick.
	sweepInterval = 100 * time.Millisecond

	// recvBufferSize is the receive buffer size, large enough for any
	// single UDP datagram.
	recvBufferSize = 65536
)

var (
	// ErrNoCryptoProvider is returned when encryption is required but no
	// crypto provider has been set.
	ErrNoCryptoProvider = &crypto.EncryptionError{Reason: "no crypto provider configured"}

	// ErrNoCompressionProvider is returned when compression is required
	// but no compression provider has been set.
	ErrNoCompressionProvider = &compress.CompressionError{Reason: "no compression provider configured"}
)

// Config is the transport configuration.
type Config struct {
	// AckTimeout is how long a reliable packet may remain unacknowledged
	// before each retransmission.
	AckTimeout time.Duration

	// MaxRetransmit is how many times a reliable packet is retransmitted
	// before it is abandoned.
	MaxRetransmit int

	// HeartbeatInterval is the heartbeat emission interval.
	HeartbeatInterval time.Duration

	// EnableEncryption applies the crypto provider to outgoing reliable
	// payloads.
	EnableEncryption bool

	// EnableCompression applies the compression provider to outgoing
	// reliable payloads.
	EnableCompression bool
}

// FixupAndValidate applies defaults to unset values.
func (c *Config) FixupAndValidate() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() *Config {
	c := new(Config)
	c.FixupAndValidate()
	return c
}

// pendingPacket is a reliable packet awaiting acknowledgment.  The packet
// is stored post-transform so that retransmissions are byte-identical,
// the AEAD nonce was consumed when the packet was first built.
type pendingPacket struct {
	packet   *wire.Packet
	dest     *net.UDPAddr
	sentAt   time.Time
	attempts int
	nacked   bool
}

// Transport is a datagram socket with reliable delivery bookkeeping.  It
// exclusively owns its socket, sequence counter and pending table.
type Transport struct {
	worker.Worker

	cfg *Config
	l   *logging.Logger

	conn *net.UDPConn

	crypto   *crypto.Provider
	compress *compress.Provider

	seqLock sync.Mutex
	seq     uint32

	pendingLock sync.RWMutex
	pending     map[uint32]*pendingPacket

	closeOnce         sync.Once
	retransmitterOnce sync.Once
}

// Bind opens a datagram socket on the given local address.  A nil config
// selects all defaults.
func Bind(localAddr string, cfg *Config, logBackend *log.Backend) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.FixupAndValidate()

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint32]*pendingPacket),
	}
	if logBackend != nil {
		t.l = logBackend.GetLogger("transport")
	} else {
		b, _ := log.New("", "ERROR", true)
		t.l = b.GetLogger("transport")
	}
	return t, nil
}

// SetCrypto sets the AEAD provider used by the transform pipeline.
func (t *Transport) SetCrypto(p *crypto.Provider) {
	t.crypto = p
}

// SetCompression sets the compression provider used by the transform
// pipeline.
func (t *Transport) SetCompression(p *compress.Provider) {
	t.compress = p
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// NextSequence allocates the next sequence number.  The counter is
// monotonic modulo 2^32.
func (t *Transport) NextSequence() uint32 {
	t.seqLock.Lock()
	defer t.seqLock.Unlock()
	seq := t.seq
	t.seq++
	return seq
}

// SendReliable builds a Data packet for the given route and payload,
// transmits it to dest and records it for retransmission until it is
// acknowledged.  It returns the allocated sequence number.
func (t *Transport) SendReliable(route string, payload []byte, dest *net.UDPAddr) (uint32, error) {
	seq := t.NextSequence()
	return seq, t.SendReliableSeq(seq, route, payload, dest)
}

// SendReliableSeq is SendReliable with a caller-chosen sequence number.
// Servers use it to mirror a request's sequence on the reply, which is
// what the client keys response correlation on.
func (t *Transport) SendReliableSeq(seq uint32, route string, payload []byte, dest *net.UDPAddr) error {
	pkt := wire.NewData(route, payload, seq)

	if t.cfg.EnableCompression {
		if t.compress == nil {
			return ErrNoCompressionProvider
		}
		compressed, err := t.compress.Compress(pkt.Payload)
		if err != nil {
			return err
		}
		pkt.Payload = compressed
		pkt.Flags.Compressed = true
	}
	if t.cfg.EnableEncryption {
		if t.crypto == nil {
			return ErrNoCryptoProvider
		}
		encrypted, err := t.crypto.Encrypt(pkt.Payload)
		if err != nil {
			return err
		}
		pkt.Payload = encrypted
		pkt.Flags.Encrypted = true
	}

	if err := t.Send(pkt, dest); err != nil {
		return err
	}

	t.pendingLock.Lock()
	t.pending[seq] = &pendingPacket{
		packet: pkt,
		dest:   dest,
		sentAt: time.Now(),
	}
	t.pendingLock.Unlock()

	t.l.Debugf("sent reliable packet seq %d to %v", seq, dest)
	return nil
}

// Send serializes and transmits a packet as-is, without retransmission
// bookkeeping.  Acks, Nacks, Heartbeats, ConnectAcks and retransmissions
// all go through this path.
func (t *Transport) Send(pkt *wire.Packet, dest *net.UDPAddr) error {
	b, err := pkt.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(b, dest)
	return err
}

// Recv reads one datagram, runs the receive transform pipeline and
// returns the packet along with the sender address.  A Data packet that
// requests acknowledgment is acknowledged on the wire before it is
// returned, best-effort, so the sender learns of delivery even when the
// packet is never dispatched to a handler.
func (t *Transport) Recv() (*wire.Packet, *net.UDPAddr, error) {
	buf := make([]byte, recvBufferSize)
	n, raddr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}

	pkt, err := wire.Deserialize(buf[:n])
	if err != nil {
		return nil, raddr, err
	}

	if pkt.Flags.Encrypted {
		if t.crypto == nil {
			return nil, raddr, ErrNoCryptoProvider
		}
		plaintext, err := t.crypto.Decrypt(pkt.Payload)
		if err != nil {
			return nil, raddr, err
		}
		pkt.Payload = plaintext
		pkt.Flags.Encrypted = false
	}
	if pkt.Flags.Compressed {
		if t.compress == nil {
			return nil, raddr, ErrNoCompressionProvider
		}
		decompressed, err := t.compress.Decompress(pkt.Payload)
		if err != nil {
			return nil, raddr, err
		}
		pkt.Payload = decompressed
		pkt.Flags.Compressed = false
	}

	if pkt.Type == wire.PacketData && pkt.Flags.RequiresAck {
		if err := t.Send(wire.NewAck(pkt.Sequence), raddr); err != nil {
			t.l.Warningf("failed to ack seq %d to %v: %v", pkt.Sequence, raddr, err)
		}
	}

	return pkt, raddr, nil
}

// HandleAck discards the pending entry for the given sequence.  Unknown
// sequences are ignored, duplicate acks are harmless.
func (t *Transport) HandleAck(seq uint32) {
	t.pendingLock.Lock()
	defer t.pendingLock.Unlock()
	if _, ok := t.pending[seq]; ok {
		delete(t.pending, seq)
		t.l.Debugf("ack for seq %d", seq)
	}
}

// HandleNack marks the pending entry for the given sequence for re-emit
// on the next retransmission sweep.  Re-emitting from the sweep rather
// than inline keeps socket writes out of the inbound handling path.
func (t *Transport) HandleNack(seq uint32) {
	t.pendingLock.Lock()
	defer t.pendingLock.Unlock()
	if p, ok := t.pending[seq]; ok {
		p.attempts++
		p.sentAt = time.Time{}
		p.nacked = true
		t.l.Debugf("nack for seq %d, attempt %d", seq, p.attempts)
	}
}

// PendingCount returns the number of reliable packets awaiting
// acknowledgment.
func (t *Transport) PendingCount() int {
	t.pendingLock.RLock()
	defer t.pendingLock.RUnlock()
	return len(t.pending)
}

// StartRetransmitter starts the retransmission sweep.  Subsequent calls
// are no-ops.
func (t *Transport) StartRetransmitter() {
	t.retransmitterOnce.Do(func() {
		t.Go(t.retransmitWorker)
	})
}

func (t *Transport) retransmitWorker() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.HaltCh():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep walks the pending table once, evicting exhausted entries and
// collecting overdue ones.  The re-emits happen after the lock is
// released.
func (t *Transport) sweep() {
	now := time.Now()
	type reEmit struct {
		pkt  *wire.Packet
		dest *net.UDPAddr
	}
	var queue []reEmit

	t.pendingLock.Lock()
	for seq, p := range t.pending {
		if !p.nacked && now.Sub(p.sentAt) <= t.cfg.AckTimeout {
			continue
		}
		if p.attempts >= t.cfg.MaxRetransmit {
			t.l.Warningf("max retransmit reached for seq %d, giving up", seq)
			delete(t.pending, seq)
			continue
		}
		if !p.nacked {
			p.attempts++
		}
		p.nacked = false
		p.sentAt = now
		queue = append(queue, reEmit{pkt: p.packet, dest: p.dest})
	}
	t.pendingLock.Unlock()

	for _, r := range queue {
		if err := t.Send(r.pkt, r.dest); err != nil {
			t.l.Errorf("retransmission of seq %d failed: %v", r.pkt.Sequence, err)
		} else {
			t.l.Debugf("retransmitted seq %d to %v", r.pkt.Sequence, r.dest)
		}
	}
}

// StartHeartbeat starts a worker emitting Heartbeat packets to dest at
// the configured interval.  Send failures are logged and the worker
// keeps going.
func (t *Transport) StartHeartbeat(dest *net.UDPAddr) {
	t.Go(func() {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.HaltCh():
				return
			case <-ticker.C:
				if err := t.Send(wire.NewHeartbeat(), dest); err != nil {
					t.l.Warningf("heartbeat to %v failed: %v", dest, err)
				}
			}
		}
	})
}

// IsClosed reports whether err indicates that the transport socket was
// closed out from under a Recv call.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Close stops the background workers, closes the socket and discards all
// pending packets.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.Halt()
		t.conn.Close()

		t.pendingLock.Lock()
		t.pending = make(map[uint32]*pendingPacket)
		t.pendingLock.Unlock()
	})
}
