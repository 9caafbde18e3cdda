// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package job defines the work-unit types exchanged between the
// control plane and the runner: the job descriptor, its per-kind
// payload metadata, the lease claim, and the execution outcome.
//
// The payload metadata arrives as loosely structured JSON. It is
// validated exactly once, at the control-plane boundary (Validate),
// against the fields legal for the job's kind; after that, the rest
// of the runner works with the typed struct and never re-checks.
package job

import (
	"fmt"
	"sort"
	"time"
)

// Kind enumerates the classes of work the runner knows how to
// execute. The kind selects the command-resolution policy; a kind
// this runner build does not recognize is a permanent per-job failure
// (the job reports failed upstream, the loop continues).
type Kind string

const (
	KindDeploy         Kind = "deploy"
	KindSecretsInit    Kind = "secrets-init"
	KindSecretsVerify  Kind = "secrets-verify"
	KindSecretsRotate  Kind = "secrets-rotate"
	KindInfraApply     Kind = "infra-apply"
	KindConfigMigrate  Kind = "config-migrate"
	KindGatewayRestart Kind = "gateway-restart"
	KindHostProbe      Kind = "host-probe"
	KindCustom         Kind = "custom"
)

// Job is one unit of work leased from the control plane. Immutable
// once leased (only the lease itself is extended via heartbeat); the
// loop forgets the job once its completion is acknowledged.
type Job struct {
	JobID          string `json:"jobId"`
	RunID          string `json:"runId"`
	Kind           Kind   `json:"kind"`
	Attempt        int    `json:"attempt"`
	LeaseID        string `json:"leaseId"`
	TargetRunnerID string `json:"targetRunnerId"`

	PayloadMeta PayloadMeta `json:"payloadMeta"`

	// Sealed-input envelope fields, present only when the job carries
	// an encrypted payload. All three travel together.
	SealedInputB64   string `json:"sealedInputB64,omitempty"`
	SealedInputAlg   string `json:"sealedInputAlg,omitempty"`
	SealedInputKeyID string `json:"sealedInputKeyId,omitempty"`
}

// HasSealedInput reports whether the job carries an encrypted payload.
func (j *Job) HasSealedInput() bool {
	return j.SealedInputB64 != ""
}

// Lease is the ephemeral claim on a job. The runner renews it via
// heartbeat before TTL elapses; expiry (and any resulting
// reassignment) is the queue's side of the contract.
type Lease struct {
	LeaseID     string
	TTL         time.Duration
	WaitApplied bool
}

// PayloadMeta carries the per-kind job parameters. Which fields are
// legal depends on the kind; Validate enforces that once at the
// boundary. The three key lists (SecretNames, UpdatedKeys,
// SealedInputKeys) are mutually exclusive sources for the secret-key
// allowlist — the resolver's delivery policy picks the one legal for
// the kind.
type PayloadMeta struct {
	// GatewayName selects the target gateway for deploy,
	// gateway-restart, and secrets wiring jobs.
	GatewayName string `json:"gatewayName,omitempty"`

	// MigrationTarget is the config schema version for
	// config-migrate jobs.
	MigrationTarget string `json:"migrationTarget,omitempty"`

	// Args is the extra argv for custom jobs. Illegal for every
	// other kind, and subject to flag-shape validation by the
	// resolver even for custom.
	Args []string `json:"args,omitempty"`

	// SecretNames lists the secret keys a secrets-init job may
	// deliver.
	SecretNames []string `json:"secretNames,omitempty"`

	// UpdatedKeys lists the secret keys a secrets-rotate job may
	// deliver.
	UpdatedKeys []string `json:"updatedKeys,omitempty"`

	// SealedInputKeys lists the generic input keys a deploy or
	// custom job may deliver.
	SealedInputKeys []string `json:"sealedInputKeys,omitempty"`
}

// metaFields names the optional PayloadMeta fields for validation
// error messages.
type metaFields struct {
	gatewayName, migrationTarget, args, secretNames, updatedKeys, sealedInputKeys bool
}

// legalFields maps each kind to the PayloadMeta fields it may carry.
// A field set on a job of a kind that does not allow it fails
// validation — the control plane should never send it, so receiving
// it signals version skew or a forged descriptor.
var legalFields = map[Kind]metaFields{
	KindDeploy:         {gatewayName: true, sealedInputKeys: true},
	KindSecretsInit:    {gatewayName: true, secretNames: true},
	KindSecretsVerify:  {gatewayName: true},
	KindSecretsRotate:  {gatewayName: true, updatedKeys: true},
	KindInfraApply:     {},
	KindConfigMigrate:  {migrationTarget: true},
	KindGatewayRestart: {gatewayName: true},
	KindHostProbe:      {},
	KindCustom:         {args: true, sealedInputKeys: true},
}

// Kinds returns the job kinds this runner build recognizes, sorted.
// Advertised to the control plane as part of the runner's
// capabilities.
func Kinds() []string {
	kinds := make([]string, 0, len(legalFields))
	for kind := range legalFields {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	return kinds
}

// KnownKind reports whether this runner build recognizes the kind.
func KnownKind(kind Kind) bool {
	_, ok := legalFields[kind]
	return ok
}

// Validate checks a freshly leased job descriptor: identifiers
// present, kind recognized, payload metadata restricted to the fields
// legal for the kind, and sealed-input fields either all present or
// all absent.
func (j *Job) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job has no jobId")
	}
	if j.LeaseID == "" {
		return fmt.Errorf("job %s has no leaseId", j.JobID)
	}
	if j.Attempt < 1 {
		return fmt.Errorf("job %s has attempt %d, want >= 1", j.JobID, j.Attempt)
	}
	if !KnownKind(j.Kind) {
		return fmt.Errorf("job %s has unrecognized kind %q", j.JobID, j.Kind)
	}

	sealedFields := 0
	for _, field := range []string{j.SealedInputB64, j.SealedInputAlg, j.SealedInputKeyID} {
		if field != "" {
			sealedFields++
		}
	}
	if sealedFields != 0 && sealedFields != 3 {
		return fmt.Errorf("job %s has partial sealed-input fields", j.JobID)
	}

	legal := legalFields[j.Kind]
	meta := j.PayloadMeta
	switch {
	case meta.GatewayName != "" && !legal.gatewayName:
		return fmt.Errorf("job %s (%s): gatewayName is not legal for this kind", j.JobID, j.Kind)
	case meta.MigrationTarget != "" && !legal.migrationTarget:
		return fmt.Errorf("job %s (%s): migrationTarget is not legal for this kind", j.JobID, j.Kind)
	case len(meta.Args) > 0 && !legal.args:
		return fmt.Errorf("job %s (%s): args are only legal for custom jobs", j.JobID, j.Kind)
	case len(meta.SecretNames) > 0 && !legal.secretNames:
		return fmt.Errorf("job %s (%s): secretNames is not legal for this kind", j.JobID, j.Kind)
	case len(meta.UpdatedKeys) > 0 && !legal.updatedKeys:
		return fmt.Errorf("job %s (%s): updatedKeys is not legal for this kind", j.JobID, j.Kind)
	case len(meta.SealedInputKeys) > 0 && !legal.sealedInputKeys:
		return fmt.Errorf("job %s (%s): sealedInputKeys is not legal for this kind", j.JobID, j.Kind)
	}

	return nil
}

// Terminal is the final status of one job attempt.
type Terminal string

const (
	TerminalSucceeded Terminal = "succeeded"
	TerminalFailed    Terminal = "failed"
)

// Outcome is the executor's report for one job, consumed by the
// completion call and then discarded.
type Outcome struct {
	// Terminal is succeeded or failed.
	Terminal Terminal

	// ErrorMessage describes a failure. Always pre-scrubbed by the
	// redaction pipeline before it reaches this struct.
	ErrorMessage string

	// CommandResultJSON is the canonical JSON object captured from a
	// json-small job's stdout.
	CommandResultJSON string

	// CommandResultLargeJSON is the canonical JSON object captured
	// from a json-large job's stdout.
	CommandResultLargeJSON string

	// RedactedOutput is the scrubbed stdout tail of a log-tail job,
	// or the fixed marker for secret-bearing jobs.
	RedactedOutput string
}
