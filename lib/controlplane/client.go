// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deckhand-io/deckhand/lib/netutil"
	"github.com/deckhand-io/deckhand/lib/secret"
)

const apiPrefix = "/api/v1/runner"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the control-plane base URL (e.g., "https://cp.example.com").
	BaseURL string
	// ProjectID scopes every request to one project.
	ProjectID string
	// RunnerID identifies this runner to the queue.
	RunnerID string
	// Token is the runner's bearer token. Held in locked memory; the
	// string form exists only for the duration of each request.
	Token *secret.Buffer
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used. Callers that long-poll must supply a client whose
	// timeout exceeds the poll wait.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an authenticated control-plane runner-API client. It is
// safe for concurrent use; the metadata sync worker and the lease loop
// share one instance.
type Client struct {
	baseURL    string
	projectID  string
	runnerID   string
	token      *secret.Buffer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a control-plane client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("controlplane: BaseURL is required")
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("controlplane: ProjectID is required")
	}
	if config.RunnerID == "" {
		return nil, fmt.Errorf("controlplane: RunnerID is required")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("controlplane: Token is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("controlplane: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		projectID:  config.ProjectID,
		runnerID:   config.RunnerID,
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. The runner calls this after a network disruption
// so subsequent requests establish fresh TCP connections instead of
// reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// LeaseNext asks for the next job. A nil Job in the response means
// the queue had nothing for this runner.
func (c *Client) LeaseNext(ctx context.Context, options LeaseOptions) (*LeaseResponse, error) {
	request := LeaseRequest{
		ProjectID:  c.projectID,
		RunnerID:   c.runnerID,
		LeaseTTLMs: options.LeaseTTL.Milliseconds(),
		WaitMs:     options.Wait.Milliseconds(),
		WaitPollMs: options.WaitPoll.Milliseconds(),
	}
	body, err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/lease-next", request)
	if err != nil {
		return nil, fmt.Errorf("controlplane: lease-next failed: %w", err)
	}

	var response LeaseResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("controlplane: failed to parse lease response: %w", err)
	}
	return &response, nil
}

// RunnerID returns the identity this client authenticates as.
func (c *Client) RunnerID() string { return c.runnerID }

// HeartbeatJob renews the lease on an in-flight job for another TTL.
// A *APIError with code lease-expired means the queue has already
// reassigned the job.
func (c *Client) HeartbeatJob(ctx context.Context, jobID, leaseID string, leaseTTL time.Duration) error {
	path := fmt.Sprintf("%s/jobs/%s/heartbeat", apiPrefix, url.PathEscape(jobID))
	request := map[string]any{
		"leaseId":    leaseID,
		"leaseTtlMs": leaseTTL.Milliseconds(),
	}
	if _, err := c.doRequest(ctx, http.MethodPost, path, request); err != nil {
		return fmt.Errorf("controlplane: job heartbeat failed: %w", err)
	}
	return nil
}

// CompleteJob reports the terminal outcome of a job attempt. The
// returned ok is false when the lease no longer matched (the job was
// reassigned); the report is discarded by the server in that case.
func (c *Client) CompleteJob(ctx context.Context, jobID string, report CompletionReport) (bool, error) {
	path := fmt.Sprintf("%s/jobs/%s/complete", apiPrefix, url.PathEscape(jobID))
	body, err := c.doRequest(ctx, http.MethodPost, path, report)
	if err != nil {
		return false, fmt.Errorf("controlplane: completion report failed: %w", err)
	}
	var response struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("controlplane: failed to parse completion response: %w", err)
	}
	return response.OK, nil
}

// Heartbeat posts the runner's liveness report.
func (c *Client) Heartbeat(ctx context.Context, heartbeat RunnerHeartbeat) error {
	if _, err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/heartbeat", heartbeat); err != nil {
		return fmt.Errorf("controlplane: runner heartbeat failed: %w", err)
	}
	return nil
}

// SyncMetadata uploads a metadata snapshot.
func (c *Client) SyncMetadata(ctx context.Context, snapshot MetadataSnapshot) error {
	if _, err := c.doRequest(ctx, http.MethodPut, apiPrefix+"/metadata", snapshot); err != nil {
		return fmt.Errorf("controlplane: metadata sync failed: %w", err)
	}
	return nil
}

// AppendRunEvents appends scrubbed log events to a run's event stream.
func (c *Client) AppendRunEvents(ctx context.Context, runID string, events []RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	path := fmt.Sprintf("%s/runs/%s/events", apiPrefix, url.PathEscape(runID))
	request := map[string][]RunEvent{"events": events}
	if _, err := c.doRequest(ctx, http.MethodPost, path, request); err != nil {
		return fmt.Errorf("controlplane: run event append failed: %w", err)
	}
	return nil
}

// doRequest performs an authenticated JSON request and returns the
// response body. On 2xx, returns the body. On 4xx/5xx, returns a
// *APIError parsed from the server's error shape, or a plain error
// when the body is not the structured shape.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.token.String())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All control-plane error responses use the same JSON shape.
	var apiErr APIError
	if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
		// Non-structured error body (a proxy in the path, usually).
		// Fail loud with the raw body; Classify falls back to the
		// status code made visible here.
		return nil, &APIError{
			Code:       "unknown",
			Message:    strings.TrimSpace(string(responseBody)),
			StatusCode: response.StatusCode,
		}
	}
	apiErr.StatusCode = response.StatusCode
	return responseBody, &apiErr
}
