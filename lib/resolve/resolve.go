// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"

	"github.com/deckhand-io/deckhand/lib/job"
)

// Placeholder tokens substituted with a materialized temp-file path at
// execution time. At most one of the two may appear in a resolved
// argv.
const (
	SecretsPlaceholder = "__SECRETS_JSON__"
	InputPlaceholder   = "__INPUT_JSON__"
)

// ResultMode selects how the executor captures and reports the
// command's output.
type ResultMode string

const (
	// ResultLogTail forwards a scrubbed stdout tail upstream.
	ResultLogTail ResultMode = "log-tail"

	// ResultJSONSmall captures stdout up to 64 KiB and requires a
	// single JSON object.
	ResultJSONSmall ResultMode = "json-small"

	// ResultJSONLarge captures stdout up to 2 MiB and requires a
	// single JSON object.
	ResultJSONLarge ResultMode = "json-large"
)

// KeySource identifies which PayloadMeta list is the legal allowlist
// for the job's sealed-input keys.
type KeySource string

const (
	SourceNone            KeySource = "none"
	SourceSecretNames     KeySource = "secretNames"
	SourceUpdatedKeys     KeySource = "updatedKeys"
	SourceSealedInputKeys KeySource = "sealedInputKeys"
)

// Resolved is a fully determined command invocation for one job.
type Resolved struct {
	// Exec is the command name (resolved through PATH).
	Exec string

	// Args is the argv after Exec, possibly containing one
	// placeholder token.
	Args []string

	// Dir is the working directory (the deployment repo root).
	Dir string

	// ResultMode selects the capture behavior for non-secret jobs.
	ResultMode ResultMode

	// Placeholder is the placeholder token present in Args, or empty.
	Placeholder string

	// KeySource is the job's secret delivery policy.
	KeySource KeySource

	// AllowedKeys is the plaintext-key allowlist derived from the
	// KeySource list. Nil when the job carries no sealed input.
	AllowedKeys map[string]bool

	// SecretBearing is true when the job materializes a secrets map.
	// The executor forces output capture to zero for these jobs.
	SecretBearing bool

	// SensitiveFlags lists flags whose values must be redacted when
	// the argv appears in logs or error reports.
	SensitiveFlags map[string]bool
}

// UnauthorizedKeyError reports a plaintext key outside the job's
// declared allowlist. Always aborts the job.
type UnauthorizedKeyError struct {
	Key string
}

func (e *UnauthorizedKeyError) Error() string {
	return fmt.Sprintf("secret key %q is not on the job's allowlist", e.Key)
}

// Resolve maps a validated job to its command line. hasSealedInput
// controls whether the argv includes the kind's placeholder (a deploy
// without sealed input runs without an input file, for example).
// Fails when the kind is unknown, when custom args fail flag-shape
// validation, or when the kind requires sealed input that is absent.
func Resolve(kind job.Kind, meta job.PayloadMeta, hasSealedInput bool, repoRoot string) (*Resolved, error) {
	policy, ok := policies[kind]
	if !ok {
		return nil, fmt.Errorf("no command policy for job kind %q", kind)
	}

	if policy.requiresSealedInput && !hasSealedInput {
		return nil, fmt.Errorf("%s jobs require a sealed input payload", kind)
	}
	if hasSealedInput && policy.keySource == SourceNone {
		return nil, fmt.Errorf("%s jobs do not accept a sealed input payload", kind)
	}

	args, err := policy.buildArgs(meta, hasSealedInput)
	if err != nil {
		return nil, err
	}

	placeholder, err := findPlaceholder(args)
	if err != nil {
		return nil, err
	}
	if hasSealedInput && placeholder == "" {
		return nil, fmt.Errorf("%s argv has no placeholder for the sealed input", kind)
	}
	if !hasSealedInput && placeholder != "" {
		return nil, fmt.Errorf("%s argv references %s but the job carries no sealed input", kind, placeholder)
	}

	resolved := &Resolved{
		Exec:           cliBinary,
		Args:           args,
		Dir:            repoRoot,
		ResultMode:     policy.resultMode,
		Placeholder:    placeholder,
		KeySource:      policy.keySource,
		SecretBearing:  placeholder == SecretsPlaceholder,
		SensitiveFlags: sensitiveFlags,
	}

	if hasSealedInput {
		allowed, err := allowedKeys(policy.keySource, meta)
		if err != nil {
			return nil, err
		}
		resolved.AllowedKeys = allowed
	}

	return resolved, nil
}

// CheckKeys validates unsealed plaintext keys against the resolved
// allowlist. Every key must be declared: the control plane announces
// what a job delivers, and an envelope smuggling extra keys aborts
// the job with an *UnauthorizedKeyError.
func (r *Resolved) CheckKeys(values map[string]string) error {
	for key := range values {
		if !r.AllowedKeys[key] {
			return &UnauthorizedKeyError{Key: key}
		}
	}
	return nil
}

// findPlaceholder scans an argv for placeholder tokens and enforces
// the at-most-one rule.
func findPlaceholder(args []string) (string, error) {
	found := ""
	for _, arg := range args {
		if arg != SecretsPlaceholder && arg != InputPlaceholder {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("argv contains more than one placeholder token")
		}
		found = arg
	}
	return found, nil
}

// allowedKeys builds the plaintext-key allowlist from the policy's
// declared source list, validating key shape as it goes.
func allowedKeys(source KeySource, meta job.PayloadMeta) (map[string]bool, error) {
	var list []string
	var pattern keyPattern
	switch source {
	case SourceSecretNames:
		list, pattern = meta.SecretNames, secretKeyPattern
	case SourceUpdatedKeys:
		list, pattern = meta.UpdatedKeys, secretKeyPattern
	case SourceSealedInputKeys:
		list, pattern = meta.SealedInputKeys, inputKeyPattern
	default:
		return nil, fmt.Errorf("job kind has no sealed-input key source")
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("job declares sealed input but an empty %s allowlist", source)
	}

	allowed := make(map[string]bool, len(list))
	for _, key := range list {
		if !pattern.MatchString(key) {
			return nil, fmt.Errorf("declared %s key %q has illegal shape", source, key)
		}
		allowed[key] = true
	}
	return allowed, nil
}
