// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
)

// Class is the runner's reaction category for a failed API call.
type Class int

const (
	// ClassRetryable: transient transport or server trouble. The
	// runner backs off and tries again.
	ClassRetryable Class = iota

	// ClassAuth: the token is rejected. Retrying cannot help until
	// the credential changes, so the loop stops and leaves the
	// restart to the supervisor, which picks up rotated configuration.
	ClassAuth

	// ClassPermanent: the request itself is wrong (or the response is
	// unintelligible). Retrying the same request cannot succeed.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// Classify maps a client error onto the retryable / auth / permanent
// taxonomy. Network-level failures (connection refused, reset, DNS,
// timeouts) and 5xx, 408, 429 are retryable; 401 and 403 are auth;
// every other 4xx and any unparseable response is permanent.
func Classify(err error) Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case apiErr.StatusCode >= 500,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests:
			return ClassRetryable
		default:
			return ClassPermanent
		}
	}

	// http.Client.Do failures arrive wrapped in *url.Error; raw
	// dial/read errors implement net.Error. Both are transport
	// trouble, as is a deadline blown before the server answered.
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	return ClassPermanent
}
