// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Real() provides
// the standard library behavior; Fake() provides a deterministic clock
// that advances only when Advance is called.
//
// The runner's lease loop, heartbeat tickers, and metadata sync
// scheduler are all driven through a Clock so that backoff and
// coalescing behavior can be tested without wall-clock sleeps:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	r := runner.New(runner.Options{Clock: c, ...})
//	// ... start the loop ...
//	c.WaitForTimers(1)            // block until the loop registers a sleep
//	c.Advance(30 * time.Second)   // fire it deterministically
package clock
