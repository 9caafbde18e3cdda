// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"encoding/json"
	"time"

	"github.com/deckhand-io/deckhand/lib/job"
)

// LeaseRequest asks the control plane for the next pending job
// targeted at this runner. WaitMs > 0 requests a server-side long
// poll; the server may ignore it and answer immediately with
// WaitApplied false. WaitPollMs is the server-side requeue check
// cadence during an honored wait.
type LeaseRequest struct {
	ProjectID  string `json:"projectId"`
	RunnerID   string `json:"runnerId"`
	LeaseTTLMs int64  `json:"leaseTtlMs,omitempty"`
	WaitMs     int64  `json:"waitMs,omitempty"`
	WaitPollMs int64  `json:"waitPollMs,omitempty"`
}

// LeaseOptions are the per-call lease parameters.
type LeaseOptions struct {
	// LeaseTTL is the requested lease duration; the server may grant
	// a different TTL via LeaseResponse.
	LeaseTTL time.Duration
	// Wait is the requested long-poll window. Zero means answer
	// immediately (single-shot mode).
	Wait time.Duration
	// WaitPoll is the server-side queue check cadence during the
	// wait. Zero lets the server pick.
	WaitPoll time.Duration
}

// LeaseResponse is the lease-next answer. Job is nil when the queue
// was empty.
type LeaseResponse struct {
	Job         *job.Job `json:"job"`
	LeaseID     string   `json:"leaseId,omitempty"`
	LeaseTTLMs  int64    `json:"leaseTtlMs,omitempty"`
	WaitApplied bool     `json:"waitApplied"`
}

// Lease converts the wire fields to the runner's lease type.
func (r *LeaseResponse) Lease() job.Lease {
	return job.Lease{
		LeaseID:     r.LeaseID,
		TTL:         time.Duration(r.LeaseTTLMs) * time.Millisecond,
		WaitApplied: r.WaitApplied,
	}
}

// CompletionReport is the terminal report for one job attempt. The
// result fields are mutually exclusive; all of them are pre-scrubbed
// by the executor before they reach this type.
type CompletionReport struct {
	LeaseID                string          `json:"leaseId"`
	Status                 job.Terminal    `json:"status"`
	Attempt                int             `json:"attempt"`
	DurationMs             int64           `json:"durationMs"`
	ErrorMessage           string          `json:"errorMessage,omitempty"`
	CommandResultJSON      json.RawMessage `json:"commandResultJson,omitempty"`
	CommandResultLargeJSON json.RawMessage `json:"commandResultLargeJson,omitempty"`
	RedactedOutput         string          `json:"redactedOutput,omitempty"`
}

// Capabilities advertises what this runner can do, including its
// sealed-input public key so the control plane can seal payloads for
// it.
type Capabilities struct {
	SupportsSealedInput bool     `json:"supportsSealedInput"`
	SealedInputAlg      string   `json:"sealedInputAlg,omitempty"`
	PublicKeySPKIB64    string   `json:"publicKeySpkiB64,omitempty"`
	KeyID               string   `json:"keyId,omitempty"`
	JobKinds            []string `json:"jobKinds,omitempty"`
}

// RunnerHeartbeat is the periodic liveness report. Status is "online"
// while the runner is serving and "offline" in its shutdown farewell.
type RunnerHeartbeat struct {
	RunnerID     string        `json:"runnerId"`
	Status       string        `json:"status"`
	Version      string        `json:"version,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// ConfigFileInfo describes one discovered deployment config file.
type ConfigFileInfo struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
}

// HostInfo is one managed host as declared by the project manifest.
type HostInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// GatewayInfo is one gateway process declared by the project manifest,
// tied to the host it runs on.
type GatewayInfo struct {
	ID     string `json:"id"`
	HostID string `json:"hostId,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// SecretWiringInfo records that the manifest wires a named secret into
// a gateway. Only the name travels; secret values never appear in
// metadata.
type SecretWiringInfo struct {
	GatewayID  string `json:"gatewayId"`
	SecretName string `json:"secretName"`
}

// CredentialInfo summarizes one deploy credential held by the runner.
// KeyID is a public identifier (a hash of public key material), never
// the credential itself.
type CredentialInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	KeyID string `json:"keyId,omitempty"`
}

// MetadataSnapshot is the runner's host and repository metadata as
// synced to the control plane. Fingerprint is a content hash over the
// order-normalized snapshot; the sync scheduler skips uploads whose
// fingerprint matches the last acknowledged one.
type MetadataSnapshot struct {
	RunnerID     string             `json:"runnerId"`
	Fingerprint  string             `json:"fingerprint"`
	Hostname     string             `json:"hostname"`
	OS           string             `json:"os"`
	Arch         string             `json:"arch"`
	Version      string             `json:"version"`
	ConfigFiles  []ConfigFileInfo   `json:"configFiles"`
	Hosts        []HostInfo         `json:"hosts,omitempty"`
	Gateways     []GatewayInfo      `json:"gateways,omitempty"`
	SecretWiring []SecretWiringInfo `json:"secretWiring,omitempty"`
	Credentials  []CredentialInfo   `json:"credentials,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
	CollectedAt  time.Time          `json:"collectedAt"`
}

// RunEvent is one timestamped log line attached to a run. Messages
// are scrubbed before they reach this type.
type RunEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
