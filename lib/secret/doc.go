// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive material:
// the runner's sealed-input private key, the control-plane bearer
// token, and decrypted secret payloads between unsealing and temp-file
// materialization.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory lives outside the Go heap, the garbage collector
// never sees it and cannot copy or relocate it, so zeroing on Close is
// effective rather than best-effort.
package secret
