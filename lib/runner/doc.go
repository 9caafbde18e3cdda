// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner is the top-level control loop: it leases jobs one at
// a time from the control plane, keeps each lease alive with a
// per-job heartbeat ticker, drives the executor, reports terminal
// outcomes, and paces idle polling with exponential backoff plus
// jitter.
//
// Error discipline (the loop's, not the executor's): transient
// transport and 5xx failures back off and retry; auth and permanent
// failures stop the loop entirely rather than hot-looping against a
// broken credential or an incompatible server. Per-job failures —
// including jobs whose kind this build does not recognize — report
// failed upstream and the loop continues. Telemetry (liveness
// heartbeats, run-event appends, metadata sync) is best effort and
// never fails a job.
//
// Concurrency model: one cooperative loop, one job in flight at a
// time. The only concurrent paths are the liveness heartbeat ticker,
// the per-job lease heartbeat ticker (side effect only, it never
// touches job state), and the metadata sync worker, which serializes
// itself. Shutdown stops leasing, lets the in-flight job finish,
// flushes metadata with a bounded timeout, and sends a final offline
// heartbeat.
package runner
