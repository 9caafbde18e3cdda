// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve maps a job's kind and declared metadata to a
// concrete, allowlisted command line. The runner never executes
// anything a job descriptor spells out directly: the kind selects a
// fixed argv template from a static policy table, and only the
// "custom" kind accepts extra arguments, which must themselves pass
// flag-shape validation against a fixed flag allowlist.
//
// Resolution also computes the job's secret delivery policy: which of
// the metadata key lists (secretNames, updatedKeys, sealedInputKeys)
// is the legal allowlist for plaintext keys flowing into the job's
// placeholder. The policy is computed once here and threaded through
// to the executor, which enforces it against the unsealed payload
// before any file is written.
//
// Two placeholder tokens stand in for materialized temp-file paths:
// SecretsPlaceholder and InputPlaceholder. A resolved argv carries at
// most one of the two.
package resolve
