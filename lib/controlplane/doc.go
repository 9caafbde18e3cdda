// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package controlplane is the typed HTTP client for the Deckhand
// control-plane runner API. It covers the full runner surface: job
// leasing (with server-side long-poll), per-job lease heartbeats,
// terminal completion reports, liveness heartbeats with key
// advertisement, host metadata sync, and run-scoped event append.
//
// Every error from the server's structured error shape surfaces as a
// *APIError; Classify maps any client error onto the retryable / auth
// / permanent taxonomy the runner loop acts on. Transport failures and
// 5xx are retryable, 401/403 are auth (the runner goes into a slow
// retry loop rather than burning attempts), and everything else —
// including responses the client cannot parse — is permanent.
package controlplane
