// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"errors"
	"fmt"
)

// APIError represents a structured error response from the control
// plane. Callers can use errors.As to extract the structured
// information:
//
//	var apiErr *controlplane.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == controlplane.ErrCodeLeaseExpired { ... }
//	}
type APIError struct {
	// Code is the control-plane error code (e.g., "lease-expired").
	Code string `json:"code"`
	// Message is the human-readable error description from the server.
	Message string `json:"message"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the runner reacts to by name. The server may emit
// others; those are classified purely by status code.
const (
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeForbidden     = "forbidden"
	ErrCodeLeaseExpired  = "lease-expired"
	ErrCodeJobNotFound   = "job-not-found"
	ErrCodeAlreadyFinal  = "already-final"
	ErrCodeInvalidReport = "invalid-report"
	ErrCodeRateLimited   = "rate-limited"
)

// IsAPIError checks whether err is a *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
