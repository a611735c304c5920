// envelope.go - request/response payload envelope.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope defines an optional structured payload convention for
// applications that want correlated, self-describing request and
// response bodies inside Data packet payloads.  Both JSON and CBOR
// encodings are supported.
package envelope

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Request is the standard request envelope.
type Request struct {
	// ID is an application chosen correlation identifier.
	ID string `json:"id" cbor:"id"`

	// Data is the request body.
	Data interface{} `json:"data" cbor:"data"`
}

// Response is the standard response envelope.
type Response struct {
	// ID echoes the request's correlation identifier.
	ID string `json:"id" cbor:"id"`

	// Success reports whether the request was served.
	Success bool `json:"success" cbor:"success"`

	// Data is the response body, absent on failure.
	Data interface{} `json:"data,omitempty" cbor:"data,omitempty"`

	// Error describes the failure, absent on success.
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

// Success creates a successful Response carrying data.
func Success(id string, data interface{}) *Response {
	return &Response{ID: id, Success: true, Data: data}
}

// Failure creates a failed Response carrying an error message.
func Failure(id string, msg string) *Response {
	return &Response{ID: id, Success: false, Error: msg}
}

// ToJSON serializes v as JSON.
func ToJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// FromJSON deserializes JSON data into v.
func FromJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// ToCBOR serializes v as CBOR.
func ToCBOR(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// FromCBOR deserializes CBOR data into v.
func FromCBOR(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
