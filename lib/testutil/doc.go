// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Deckhand packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. These are the only place
// in the test suite where real wall-clock timeouts are used.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// job IDs or run IDs.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Deckhand-internal dependencies.
package testutil
