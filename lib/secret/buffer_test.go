// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytes_ZerosSource(t *testing.T) {
	source := []byte("runner-bearer-token")
	want := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	// The caller's slice must no longer hold the secret.
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Errorf("source slice not zeroed: %q", source)
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
}

func TestNewFromString(t *testing.T) {
	buffer, err := NewFromString("dk_live_abc123")
	if err != nil {
		t.Fatalf("NewFromString() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.Len(); got != len("dk_live_abc123") {
		t.Errorf("Len() = %d, want %d", got, len("dk_live_abc123"))
	}
	if got := string(buffer.Bytes()); got != "dk_live_abc123" {
		t.Errorf("Bytes() = %q, want %q", got, "dk_live_abc123")
	}
}

func TestClose_Idempotent(t *testing.T) {
	buffer, err := NewFromString("x")
	if err != nil {
		t.Fatalf("NewFromString() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestAccessAfterClose_Panics(t *testing.T) {
	buffer, err := NewFromString("x")
	if err != nil {
		t.Fatalf("NewFromString() error: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}
