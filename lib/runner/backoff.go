// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"math/rand/v2"
	"time"
)

// backoffStreakCap bounds the exponent so the doubling saturates at
// the ceiling instead of overflowing on a long outage.
const backoffStreakCap = 8

// computeBackoff returns the idle/error delay for the given
// consecutive-failure streak: pollInterval doubled per streak step,
// clamped to [pollInterval, pollCeiling], then jittered by the given
// factor. Jitter factors come from jitterFactor and live in
// [0.85, 1.15].
func computeBackoff(pollInterval, pollCeiling time.Duration, streak int, jitter float64) time.Duration {
	if streak < 0 {
		streak = 0
	}
	if streak > backoffStreakCap {
		streak = backoffStreakCap
	}

	delay := pollInterval << uint(streak)
	if delay < pollInterval {
		delay = pollInterval
	}
	if pollCeiling > 0 && delay > pollCeiling {
		delay = pollCeiling
	}
	return time.Duration(float64(delay) * jitter)
}

// jitterFactor draws a uniform factor in [0.85, 1.15). Spreading
// retries keeps a fleet of runners from stampeding the control plane
// in lockstep after an outage.
func jitterFactor() float64 {
	return 0.85 + rand.Float64()*0.30
}

// heartbeatInterval is the per-job lease renewal cadence: half the
// TTL so a single missed beat still leaves a full renewal window, but
// never faster than two seconds.
func heartbeatInterval(leaseTTL time.Duration) time.Duration {
	interval := leaseTTL / 2
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return interval
}
