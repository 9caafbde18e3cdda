// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small HTTP transport helpers shared by the
// control-plane client.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds how much of any control-plane response body
// is read into memory. Responses are small JSON documents; the largest
// legitimate payload is a leased job descriptor with its sealed-input
// envelope, well under this ceiling.
const MaxResponseSize = 8 * 1024 * 1024

// ReadResponse reads an API response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are silently
// ignored — a partial or empty body is still useful in an error
// message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
