// client.go - correlating datagram client.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the client side of the protocol: reliable
// requests correlated to responses by sequence number.
package client

import (
	"context"
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
	"github.com/plexnet/plex/transport"
)

const (
	// DefaultRequestTimeout is the default per-request deadline.
	DefaultRequestTimeout = 5 * time.Second

	// connectTimeout is how long Connect waits for a ConnectAck.
	connectTimeout = 5 * time.Second
)

var (
	// ErrTimeout is the error returned when a request or connection
	// probe deadline elapses.
	ErrTimeout = errors.New("client: request timed out")

	// ErrShutdown is the error returned when the client is shut down
	// while an operation is in flight.
	ErrShutdown = errors.New("client: shutdown requested")

	// ErrChannelClosed is the error returned when a response slot is
	// closed without a value.
	ErrChannelClosed = errors.New("client: response channel closed")
)

// Client issues requests to a single server and correlates the replies.
// The server mirrors a request's sequence number on its reply, the
// client keys its pending-request table on that.
type Client struct {
	worker.Worker

	l *logging.Logger
	t *transport.Transport

	serverAddr     *net.UDPAddr
	requestTimeout time.Duration

	pendingLock sync.Mutex
	pending     map[uint32]chan []byte

	connectCh chan struct{}
	recvOnce  sync.Once
}

// New creates a Client bound to localAddr that talks to serverAddr.
// Binding to port 0 selects an ephemeral port.  A nil config selects all
// transport defaults.
func New(localAddr, serverAddr string, cfg *transport.Config, logBackend *log.Backend) (*Client, error) {
	saddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	t, err := transport.Bind(localAddr, cfg, logBackend)
	if err != nil {
		return nil, err
	}

	c := &Client{
		t:              t,
		serverAddr:     saddr,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[uint32]chan []byte),
		connectCh:      make(chan struct{}, 1),
	}
	if logBackend != nil {
		c.l = logBackend.GetLogger("client")
	} else {
		b, _ := log.New("", "ERROR", true)
		c.l = b.GetLogger("client")
	}
	return c, nil
}

// SetCrypto sets the transport's AEAD provider.
func (c *Client) SetCrypto(p *crypto.Provider) {
	c.t.SetCrypto(p)
}

// SetCompression sets the transport's compression provider.
func (c *Client) SetCompression(p *compress.Provider) {
	c.t.SetCompression(p)
}

// SetRequestTimeout overrides the per-request deadline.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// LocalAddr returns the bound local address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.t.LocalAddr()
}

// StartRecvLoop starts the transport's retransmission and heartbeat
// workers and the receive loop.  It must be called before Connect or
// Request.  Subsequent calls are no-ops.
func (c *Client) StartRecvLoop() {
	c.recvOnce.Do(func() {
		c.t.StartRetransmitter()
		c.t.StartHeartbeat(c.serverAddr)
		c.Go(c.recvWorker)
	})
}

func (c *Client) recvWorker() {
	for {
		pkt, _, err := c.t.Recv()
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			select {
			case <-c.HaltCh():
				return
			default:
			}
			c.l.Errorf("recv: %v", err)
			continue
		}

		switch pkt.Type {
		case wire.PacketData:
			c.deliver(pkt.Sequence, pkt.Payload)
		case wire.PacketAck:
			c.t.HandleAck(pkt.Sequence)
		case wire.PacketNack:
			c.t.HandleNack(pkt.Sequence)
		case wire.PacketHeartbeat:
			c.l.Debugf("heartbeat from server")
		case wire.PacketConnectAck:
			select {
			case c.connectCh <- struct{}{}:
			default:
			}
		default:
			c.l.Debugf("ignoring %v packet", pkt.Type)
		}
	}
}

// deliver hands a response payload to the request waiting on the given
// sequence.  Responses that match no slot are discarded, the waiter may
// have timed out or been canceled.
func (c *Client) deliver(seq uint32, payload []byte) {
	c.pendingLock.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingLock.Unlock()

	if !ok {
		c.l.Debugf("orphan response for seq %d discarded", seq)
		return
	}
	ch <- payload
}

func (c *Client) removeSlot(seq uint32) {
	c.pendingLock.Lock()
	delete(c.pending, seq)
	c.pendingLock.Unlock()
}

// Connect sends a Connect probe and waits for the first ConnectAck.  No
// session is established, this is a liveness check.  StartRecvLoop must
// have been called.
func (c *Client) Connect() error {
	// Drain any ConnectAck left over from an earlier probe.
	select {
	case <-c.connectCh:
	default:
	}

	if err := c.t.Send(wire.NewConnect(), c.serverAddr); err != nil {
		return err
	}

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-c.connectCh:
		c.l.Infof("connected to %v", c.serverAddr)
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// Request sends a payload to the given route and waits for the
// correlated response payload.  The wait is bounded by the request
// timeout and by ctx, whichever ends first; either way the pending slot
// is removed so a late reply is discarded by the receive loop.
func (c *Client) Request(ctx context.Context, route string, payload []byte) ([]byte, error) {
	seq := c.t.NextSequence()

	// The slot is registered before the datagram leaves so a reply
	// cannot race the bookkeeping.
	ch := make(chan []byte, 1)
	c.pendingLock.Lock()
	c.pending[seq] = ch
	c.pendingLock.Unlock()

	if err := c.t.SendReliableSeq(seq, route, payload, c.serverAddr); err != nil {
		c.removeSlot(seq)
		return nil, err
	}
	c.l.Debugf("request on %s, seq %d", route, seq)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	case <-timer.C:
		c.removeSlot(seq)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.removeSlot(seq)
		return nil, ctx.Err()
	case <-c.HaltCh():
		c.removeSlot(seq)
		return nil, ErrShutdown
	}
}

// Send sends a payload to the given route without waiting for the
// response.  The transmission is still reliable, the returned sequence
// number identifies it.
func (c *Client) Send(route string, payload []byte) (uint32, error) {
	return c.t.SendReliable(route, payload, c.serverAddr)
}

// Disconnect notifies the server that the client is going away.  Best
// effort, the server keeps no session state.
func (c *Client) Disconnect() error {
	return c.t.Send(wire.NewDisconnect(), c.serverAddr)
}

// Shutdown stops the receive loop and the transport and fails any
// waiting requests.
func (c *Client) Shutdown() {
	c.t.Close()
	c.Halt()

	c.pendingLock.Lock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.pendingLock.Unlock()
}
