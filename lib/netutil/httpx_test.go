// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"strings"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	var decoded struct {
		Name string `json:"name"`
	}
	if err := DecodeResponse(strings.NewReader(`{"name":"runner-1"}`), &decoded); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.Name != "runner-1" {
		t.Errorf("name = %q", decoded.Name)
	}

	if err := DecodeResponse(strings.NewReader("not json"), &decoded); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestErrorBodyIgnoresReadErrors(t *testing.T) {
	if body := ErrorBody(strings.NewReader("bad gateway")); body != "bad gateway" {
		t.Errorf("body = %q", body)
	}
}
