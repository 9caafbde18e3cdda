// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealedinput implements the hybrid-encryption envelope that
// delivers secret payloads to a runner. The control plane stores only
// ciphertext: the dashboard (or CLI) seals a flat string map to the
// runner's X25519 public key, and only the runner process can unseal
// it.
//
// The scheme is X25519 ephemeral ECDH + HKDF-SHA256 + XChaCha20-
// Poly1305. Every envelope is bound to one operation through the AEAD's
// additional authenticated data (AAD): for job payloads the AAD is the
// deterministic string "projectId:jobId:kind:targetRunnerId", so a
// ciphertext replayed against a different job, runner, or job kind
// fails authentication rather than decrypting.
//
// Unsealing fails closed. An algorithm or key-id mismatch, a truncated
// envelope, an AAD mismatch, or an authentication failure all produce
// a *CryptoError and no plaintext. Decrypted payloads must parse to a
// flat string-keyed JSON map; the keys __proto__, constructor, and
// prototype are rejected so a hostile payload can never smuggle
// prototype-pollution-shaped keys toward downstream tooling.
//
// The runner's keypair is generated on first run and persisted at a
// fixed per-project/per-runner path (see LoadOrCreateKeypair). The
// private key PEM is held in a secret.Buffer while at rest in memory.
package sealedinput
