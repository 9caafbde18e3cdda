// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs one resolved job command and produces its
// execution outcome. Per job it: unseals the sealed-input payload (if
// any) and checks its keys against the resolver's allowlist,
// materializes the payload as an owner-only temp file, substitutes the
// placeholder token, spawns the command, applies the capture policy,
// and classifies the exit.
//
// Capture policy:
//
//   - Secret-bearing jobs never capture stdout or stderr. The
//     subprocess writes to /dev/null and the outcome carries only a
//     fixed marker; there is no buffer anywhere that could hold
//     plaintext secrets.
//   - json-small / json-large jobs capture stdout up to a mode
//     ceiling, require exactly one JSON object, and re-serialize it
//     canonically. Oversize or malformed output is a
//     *ResultPayloadError.
//   - log-tail jobs keep a bounded stdout tail, scrubbed through the
//     redaction pipeline before it leaves the process.
//
// The materialized temp file is removed on every exit path via defer;
// a runner killed hard enough to skip defers is covered by the
// startup sweep in package secretfile.
package executor
