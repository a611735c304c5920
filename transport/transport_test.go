// transport_test.go - reliable datagram transport tests.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plexnet/plex/core/compress"
	"github.com/plexnet/plex/core/crypto"
	"github.com/plexnet/plex/core/wire"
)

// ackLoop drains a transport's socket, feeding Acks and Nacks back into
// the pending table the way the client and server receive loops do.
func ackLoop(t *Transport) {
	for {
		pkt, _, err := t.Recv()
		if err != nil {
			if IsClosed(err) {
				return
			}
			continue
		}
		switch pkt.Type {
		case wire.PacketAck:
			t.HandleAck(pkt.Sequence)
		case wire.PacketNack:
			t.HandleNack(pkt.Sequence)
		}
	}
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	start := time.Now()
	for time.Since(start) < deadline {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "condition not reached within deadline")
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	require.Equal(DefaultAckTimeout, cfg.AckTimeout)
	require.Equal(DefaultMaxRetransmit, cfg.MaxRetransmit)
	require.Equal(DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	require.False(cfg.EnableEncryption)
	require.False(cfg.EnableCompression)
}

func TestSequenceAllocation(t *testing.T) {
	require := require.New(t)

	tr, err := Bind("127.0.0.1:0", nil, nil)
	require.NoError(err)
	defer tr.Close()

	for i := 0; i < 1000; i++ {
		require.Equal(uint32(i), tr.NextSequence())
	}
}

func TestReliableDelivery(t *testing.T) {
	require := require.New(t)

	sender, err := Bind("127.0.0.1:0", nil, nil)
	require.NoError(err)
	defer sender.Close()
	receiver, err := Bind("127.0.0.1:0", nil, nil)
	require.NoError(err)
	defer receiver.Close()

	go ackLoop(sender)

	payload := []byte("reliable payload")
	seq, err := sender.SendReliable("/route", payload, receiver.LocalAddr())
	require.NoError(err)
	require.Equal(1, sender.PendingCount())

	pkt, raddr, err := receiver.Recv()
	require.NoError(err)
	require.Equal(wire.PacketData, pkt.Type)
	require.Equal(seq, pkt.Sequence)
	require.Equal("/route", pkt.Route)
	require.Equal(payload, pkt.Payload)
	require.Equal(sender.LocalAddr().Port, raddr.Port)

	// The auto-ack emitted by Recv evicts the sender's pending entry.
	waitFor(t, 2*time.Second, func() bool { return sender.PendingCount() == 0 })
}

func TestRetransmitUntilExhaustion(t *testing.T) {
	require := require.New(t)

	cfg := &Config{AckTimeout: 50 * time.Millisecond, MaxRetransmit: 3}
	sender, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer sender.Close()

	// A mute receiver: counts datagrams, never acknowledges.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer conn.Close()

	var count int32
	go func() {
		buf := make([]byte, 65536)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
			atomic.AddInt32(&count, 1)
		}
	}()

	sender.StartRetransmitter()
	_, err = sender.SendReliable("/mute", []byte("x"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(err)

	// Initial copy plus MaxRetransmit retransmissions, then the entry
	// is surrendered.
	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(&count) == 4 && sender.PendingCount() == 0
	})
	time.Sleep(300 * time.Millisecond)
	require.Equal(int32(4), atomic.LoadInt32(&count))
}

func TestRetransmitRecoversSingleLoss(t *testing.T) {
	require := require.New(t)

	cfg := &Config{AckTimeout: 50 * time.Millisecond, MaxRetransmit: 3}
	sender, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer sender.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer conn.Close()

	// Pretend the first copy was lost in transit, acknowledge from the
	// second copy on.
	var seen int32
	go func() {
		buf := make([]byte, 65536)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if atomic.AddInt32(&seen, 1) == 1 {
				continue
			}
			pkt, err := wire.Deserialize(buf[:n])
			if err != nil {
				continue
			}
			b, err := wire.NewAck(pkt.Sequence).Serialize()
			if err != nil {
				continue
			}
			conn.WriteToUDP(b, raddr)
		}
	}()

	go ackLoop(sender)
	sender.StartRetransmitter()
	_, err = sender.SendReliable("/lossy", []byte("once"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(err)

	waitFor(t, 3*time.Second, func() bool { return sender.PendingCount() == 0 })
	require.GreaterOrEqual(atomic.LoadInt32(&seen), int32(2))
}

func TestNackMarksForResend(t *testing.T) {
	require := require.New(t)

	// A long ack timeout so only the nack can cause the re-emit.
	cfg := &Config{AckTimeout: 30 * time.Second, MaxRetransmit: 3}
	sender, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer sender.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer conn.Close()

	var count int32
	go func() {
		buf := make([]byte, 65536)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
			atomic.AddInt32(&count, 1)
		}
	}()

	sender.StartRetransmitter()
	seq, err := sender.SendReliable("/nack", []byte("again"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(err)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 1 })

	sender.HandleNack(seq)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 2 })
	require.Equal(1, sender.PendingCount())

	sender.HandleAck(seq)
	require.Equal(0, sender.PendingCount())
}

func TestHandleAckUnknownSequence(t *testing.T) {
	require := require.New(t)

	tr, err := Bind("127.0.0.1:0", nil, nil)
	require.NoError(err)
	defer tr.Close()

	tr.HandleAck(12345)
	tr.HandleNack(12345)
	require.Equal(0, tr.PendingCount())
}

func TestTransformPipeline(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)

	newEndpoint := func() *Transport {
		cfg := &Config{EnableEncryption: true, EnableCompression: true}
		tr, err := Bind("127.0.0.1:0", cfg, nil)
		require.NoError(err)
		cp, err := crypto.NewChaCha20Poly1305(key)
		require.NoError(err)
		tr.SetCrypto(cp)
		zp, err := compress.NewZstd(3)
		require.NoError(err)
		tr.SetCompression(zp)
		return tr
	}

	sender := newEndpoint()
	defer sender.Close()
	receiver := newEndpoint()
	defer receiver.Close()

	plaintext := bytes.Repeat([]byte("a very repetitive plaintext "), 64)
	_, err = sender.SendReliable("/transform", plaintext, receiver.LocalAddr())
	require.NoError(err)

	pkt, _, err := receiver.Recv()
	require.NoError(err)
	require.Equal(plaintext, pkt.Payload)
	require.False(pkt.Flags.Encrypted)
	require.False(pkt.Flags.Compressed)
}

func TestWireBytesAreTransformed(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)

	cfg := &Config{EnableEncryption: true, EnableCompression: true}
	sender, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer sender.Close()
	cp, err := crypto.NewAES256GCM(key)
	require.NoError(err)
	sender.SetCrypto(cp)
	zp, err := compress.NewLZ4(1)
	require.NoError(err)
	sender.SetCompression(zp)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer conn.Close()

	plaintext := []byte("observable secret plaintext")
	_, err = sender.SendReliable("/observe", plaintext, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(err)

	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(err)

	pkt, err := wire.Deserialize(buf[:n])
	require.NoError(err)
	require.True(pkt.Flags.Encrypted)
	require.True(pkt.Flags.Compressed)
	require.NotContains(string(buf[:n]), string(plaintext))
}

func TestRecvMissingCryptoProvider(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)

	cfg := &Config{EnableEncryption: true}
	sender, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer sender.Close()
	cp, err := crypto.NewAES256GCM(key)
	require.NoError(err)
	sender.SetCrypto(cp)

	receiver, err := Bind("127.0.0.1:0", nil, nil)
	require.NoError(err)
	defer receiver.Close()

	_, err = sender.SendReliable("/enc", []byte("x"), receiver.LocalAddr())
	require.NoError(err)

	_, _, err = receiver.Recv()
	var encErr *crypto.EncryptionError
	require.ErrorAs(err, &encErr)
}

func TestSendMissingProviders(t *testing.T) {
	require := require.New(t)

	cfg := &Config{EnableEncryption: true}
	tr, err := Bind("127.0.0.1:0", cfg, nil)
	require.NoError(err)
	defer tr.Close()

	_, err = tr.SendReliable("/x", nil, tr.LocalAddr())
	require.ErrorIs(err, ErrNoCryptoProvider)

	cfg2 := &Config{EnableCompression: true}
	tr2, err := Bind("127.0.0.1:0", cfg2, nil)
	require.NoError(err)
	defer tr2.Close()

	_, err = tr2.SendReliable("/x", nil, tr2.LocalAddr())
	require.ErrorIs(err, ErrNoCompressionProvider)
}
