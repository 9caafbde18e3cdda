// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package metasync keeps the control plane's view of a runner's host
// and deployment repository current. It collects a metadata snapshot
// (hostname, platform, discovered config files with content hashes,
// the fleet topology and secret wiring declared by the project
// manifest, and a summary of local deploy credentials), computes an
// order-insensitive fingerprint over it, and uploads only when the
// fingerprint changed or a maximum age has elapsed.
//
// The fingerprint is a BLAKE3 hash over a deterministic CBOR encoding
// of the normalized snapshot: every list-valued field sorted by a
// stable key, map keys sorted by the encoder, volatile fields
// (collection time, the fingerprint itself) excluded. Two snapshots
// that differ only in discovery or declaration order therefore
// fingerprint identically.
package metasync
