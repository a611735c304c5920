// context.go - handler context and response types.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/json"
	"fmt"
	"net"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/plexnet/plex/core/wire"
)

// Context is what a handler sees for one incoming request.
type Context struct {
	// Route is the route the request was addressed to.
	Route string

	// Payload is the raw request payload, after the receive transforms.
	Payload []byte

	// RemoteAddr is the address of the requesting peer.
	RemoteAddr *net.UDPAddr

	// Packet is the original packet the request arrived in.
	Packet *wire.Packet
}

// Text returns the payload interpreted as UTF-8 text.
func (c *Context) Text() (string, error) {
	if !utf8.Valid(c.Payload) {
		return "", fmt.Errorf("server: payload is not valid UTF-8")
	}
	return string(c.Payload), nil
}

// JSON unmarshals the payload as JSON into v.
func (c *Context) JSON(v interface{}) error {
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("server: JSON parse error: %v", err)
	}
	return nil
}

// CBOR unmarshals the payload as CBOR into v.
func (c *Context) CBOR(v interface{}) error {
	if err := cbor.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("server: CBOR parse error: %v", err)
	}
	return nil
}

// Response is what a handler returns, an opaque byte payload.
type Response struct {
	// Data is the reply payload.
	Data []byte
}

// NewResponse creates a Response carrying raw bytes.
func NewResponse(data []byte) *Response {
	return &Response{Data: data}
}

// TextResponse creates a Response from a string.
func TextResponse(text string) *Response {
	return &Response{Data: []byte(text)}
}

// JSONResponse creates a Response from the JSON serialization of v.
func JSONResponse(v interface{}) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: JSON serialization error: %v", err)
	}
	return &Response{Data: b}, nil
}

// CBORResponse creates a Response from the CBOR serialization of v.
func CBORResponse(v interface{}) (*Response, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: CBOR serialization error: %v", err)
	}
	return &Response{Data: b}, nil
}

// Handler is the capability registered for a route: given a Context,
// produce a Response or fail.  Handlers may be invoked concurrently with
// themselves and are responsible for their own synchronization.
type Handler interface {
	Handle(*Context) (*Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(*Context) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx *Context) (*Response, error) {
	return f(ctx)
}
