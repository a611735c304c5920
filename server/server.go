// server.go - route dispatched datagram server.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements the route dispatched server side of the
// protocol.
package server

import (
	"fmt"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/plexnet/plex/core/compress"
	"github.com/plexnet/plex/core/crypto"
	"github.com/plexnet/plex/core/log"
	"github.com/plexnet/plex/core/wire"
	"github.com/plexnet/plex/core/worker"
	"github.com/plexnet/plex/transport"
)

// Server dispatches incoming Data packets to registered route handlers
// and replies reliably, mirroring the request sequence on the reply.
type Server struct {
	worker.Worker

	l *logging.Logger
	t *transport.Transport

	routeLock sync.RWMutex
	routes    map[string]Handler
}

// New creates a Server bound to the given local address.  A nil config
// selects all transport defaults.
func New(localAddr string, cfg *transport.Config, logBackend *log.Backend) (*Server, error) {
	t, err := transport.Bind(localAddr, cfg, logBackend)
	if err != nil {
		return nil, err
	}

	s := &Server{
		t:      t,
		routes: make(map[string]Handler),
	}
	if logBackend != nil {
		s.l = logBackend.GetLogger("server")
	} else {
		b, _ := log.New("", "ERROR", true)
		s.l = b.GetLogger("server")
	}
	return s, nil
}

// SetCrypto sets the transport's AEAD provider.
func (s *Server) SetCrypto(p *crypto.Provider) {
	s.t.SetCrypto(p)
}

// SetCompression sets the transport's compression provider.
func (s *Server) SetCompression(p *compress.Provider) {
	s.t.SetCompression(p)
}

// LocalAddr returns the bound local address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.t.LocalAddr()
}

// On registers a handler for a route, replacing any existing handler for
// that route.  Registration may happen while the server is listening.
func (s *Server) On(route string, h Handler) {
	s.routeLock.Lock()
	s.routes[route] = h
	s.routeLock.Unlock()
	s.l.Infof("registered route: %s", route)
}

// OnFunc registers a plain function as the handler for a route.
func (s *Server) OnFunc(route string, fn func(*Context) (*Response, error)) {
	s.On(route, HandlerFunc(fn))
}

func (s *Server) lookup(route string) (Handler, bool) {
	s.routeLock.RLock()
	defer s.routeLock.RUnlock()
	h, ok := s.routes[route]
	return h, ok
}

// Listen starts the retransmission sweep and then receives packets until
// the server is shut down.  Each packet is dispatched on its own
// goroutine so a slow handler never blocks the receive loop.
func (s *Server) Listen() error {
	s.l.Infof("listening on %v", s.LocalAddr())
	s.t.StartRetransmitter()

	for {
		pkt, raddr, err := s.t.Recv()
		if err != nil {
			if transport.IsClosed(err) {
				return nil
			}
			select {
			case <-s.HaltCh():
				return nil
			default:
			}
			// Framing, crypto and compression failures drop the
			// offending datagram and keep the loop alive.
			s.l.Errorf("recv: %v", err)
			continue
		}

		s.Go(func() {
			s.handlePacket(pkt, raddr)
		})
	}
}

func (s *Server) handlePacket(pkt *wire.Packet, raddr *net.UDPAddr) {
	switch pkt.Type {
	case wire.PacketData:
		s.handleData(pkt, raddr)
	case wire.PacketAck:
		s.t.HandleAck(pkt.Sequence)
	case wire.PacketNack:
		s.t.HandleNack(pkt.Sequence)
	case wire.PacketHeartbeat:
		s.l.Debugf("heartbeat from %v", raddr)
		if err := s.t.Send(wire.NewHeartbeat(), raddr); err != nil {
			s.l.Warningf("heartbeat reply to %v failed: %v", raddr, err)
		}
	case wire.PacketConnect:
		s.l.Infof("connection probe from %v", raddr)
		if err := s.t.Send(wire.NewConnectAck(), raddr); err != nil {
			s.l.Warningf("connect ack to %v failed: %v", raddr, err)
		}
	case wire.PacketDisconnect:
		s.l.Noticef("disconnect from %v", raddr)
	default:
		s.l.Debugf("ignoring %v packet from %v", pkt.Type, raddr)
	}
}

// handleData invokes the route handler and sends the reply as a reliable
// Data packet with the request's sequence and route.  Handler failures
// and unknown routes are reported to the peer as textual payloads on the
// same route.
func (s *Server) handleData(pkt *wire.Packet, raddr *net.UDPAddr) {
	s.l.Debugf("data packet: route=%s seq=%d from %v", pkt.Route, pkt.Sequence, raddr)

	h, ok := s.lookup(pkt.Route)
	if !ok {
		s.l.Errorf("route not found: %s", pkt.Route)
		s.reply(pkt, []byte(fmt.Sprintf("Route not found: %s", pkt.Route)), raddr)
		return
	}

	ctx := &Context{
		Route:      pkt.Route,
		Payload:    pkt.Payload,
		RemoteAddr: raddr,
		Packet:     pkt,
	}
	resp, err := h.Handle(ctx)
	if err != nil {
		s.l.Errorf("handler error on %s: %v", pkt.Route, err)
		s.reply(pkt, []byte(fmt.Sprintf("Error: %v", err)), raddr)
		return
	}
	s.reply(pkt, resp.Data, raddr)
}

func (s *Server) reply(req *wire.Packet, payload []byte, raddr *net.UDPAddr) {
	if err := s.t.SendReliableSeq(req.Sequence, req.Route, payload, raddr); err != nil {
		s.l.Errorf("reply on %s to %v failed: %v", req.Route, raddr, err)
	}
}

// Shutdown stops the receive loop and the transport.  In-flight handler
// goroutines are waited for.
func (s *Server) Shutdown() {
	s.t.Close()
	s.Halt()
}
