// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"

	"github.com/deckhand-io/deckhand/lib/job"
)

// cliBinary is the Deckhand CLI every job kind shells out to. The
// runner only knows how to invoke it; the subcommands own the actual
// provisioning logic.
const cliBinary = "deckhand"

// sensitiveFlags lists flags whose values are redacted wherever a
// resolved argv appears in logs or completion reports.
var sensitiveFlags = map[string]bool{
	"--token":        true,
	"--secrets-file": true,
	"--input-file":   true,
}

type keyPattern = *regexp.Regexp

var (
	// secretKeyPattern: environment-variable style secret names.
	secretKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

	// inputKeyPattern: generic input keys are laxer but still flat
	// identifiers, never paths or dunder names.
	inputKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

	// gatewayNamePattern constrains the gateway name before it is
	// spliced into an argv.
	gatewayNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	// migrationTargetPattern constrains config-migrate targets
	// ("v3", "v12").
	migrationTargetPattern = regexp.MustCompile(`^v[0-9]+$`)
)

// kindPolicy is one row of the static command policy table.
type kindPolicy struct {
	resultMode          ResultMode
	keySource           KeySource
	requiresSealedInput bool
	buildArgs           func(meta job.PayloadMeta, hasSealedInput bool) ([]string, error)
}

// policies is the complete command policy table. Job kinds map to
// fixed argv templates; nothing in a job descriptor can select an
// executable or inject tokens outside these builders.
var policies = map[job.Kind]kindPolicy{
	job.KindDeploy: {
		resultMode: ResultLogTail,
		keySource:  SourceSealedInputKeys,
		buildArgs: func(meta job.PayloadMeta, hasSealedInput bool) ([]string, error) {
			args := []string{"gateway", "deploy"}
			args, err := appendGateway(args, meta, false)
			if err != nil {
				return nil, err
			}
			if hasSealedInput {
				args = append(args, "--input-file", InputPlaceholder)
			}
			return args, nil
		},
	},

	job.KindSecretsInit: {
		resultMode:          ResultLogTail,
		keySource:           SourceSecretNames,
		requiresSealedInput: true,
		buildArgs: func(meta job.PayloadMeta, _ bool) ([]string, error) {
			args, err := appendGateway([]string{"secrets", "init"}, meta, true)
			if err != nil {
				return nil, err
			}
			return append(args, "--secrets-file", SecretsPlaceholder), nil
		},
	},

	job.KindSecretsVerify: {
		resultMode: ResultJSONSmall,
		keySource:  SourceNone,
		buildArgs: func(meta job.PayloadMeta, _ bool) ([]string, error) {
			args, err := appendGateway([]string{"secrets", "verify"}, meta, true)
			if err != nil {
				return nil, err
			}
			return append(args, "--json"), nil
		},
	},

	job.KindSecretsRotate: {
		resultMode:          ResultLogTail,
		keySource:           SourceUpdatedKeys,
		requiresSealedInput: true,
		buildArgs: func(meta job.PayloadMeta, _ bool) ([]string, error) {
			args, err := appendGateway([]string{"secrets", "rotate"}, meta, true)
			if err != nil {
				return nil, err
			}
			return append(args, "--secrets-file", SecretsPlaceholder), nil
		},
	},

	job.KindInfraApply: {
		resultMode: ResultJSONLarge,
		keySource:  SourceNone,
		buildArgs: func(job.PayloadMeta, bool) ([]string, error) {
			return []string{"infra", "apply", "--auto-approve", "--json"}, nil
		},
	},

	job.KindConfigMigrate: {
		resultMode: ResultJSONSmall,
		keySource:  SourceNone,
		buildArgs: func(meta job.PayloadMeta, _ bool) ([]string, error) {
			if meta.MigrationTarget == "" {
				return nil, fmt.Errorf("config-migrate requires a migrationTarget")
			}
			if !migrationTargetPattern.MatchString(meta.MigrationTarget) {
				return nil, fmt.Errorf("migration target %q has illegal shape", meta.MigrationTarget)
			}
			return []string{"config", "migrate", "--target", meta.MigrationTarget, "--json"}, nil
		},
	},

	job.KindGatewayRestart: {
		resultMode: ResultLogTail,
		keySource:  SourceNone,
		buildArgs: func(meta job.PayloadMeta, _ bool) ([]string, error) {
			return appendGateway([]string{"gateway", "restart"}, meta, true)
		},
	},

	job.KindHostProbe: {
		resultMode: ResultJSONSmall,
		keySource:  SourceNone,
		buildArgs: func(job.PayloadMeta, bool) ([]string, error) {
			return []string{"host", "probe", "--json"}, nil
		},
	},

	job.KindCustom: {
		resultMode: ResultLogTail,
		keySource:  SourceSealedInputKeys,
		buildArgs: func(meta job.PayloadMeta, hasSealedInput bool) ([]string, error) {
			extra, err := validateCustomArgs(meta.Args)
			if err != nil {
				return nil, err
			}
			args := append([]string{"run"}, extra...)
			if hasSealedInput && !containsToken(args, InputPlaceholder) {
				args = append(args, "--input-file", InputPlaceholder)
			}
			return args, nil
		},
	},
}

// appendGateway appends the validated --gateway pair. When required is
// false and no gateway is declared, the argv is returned unchanged.
func appendGateway(args []string, meta job.PayloadMeta, required bool) ([]string, error) {
	if meta.GatewayName == "" {
		if required {
			return nil, fmt.Errorf("job requires a gatewayName")
		}
		return args, nil
	}
	if !gatewayNamePattern.MatchString(meta.GatewayName) {
		return nil, fmt.Errorf("gateway name %q has illegal shape", meta.GatewayName)
	}
	return append(args, "--gateway", meta.GatewayName), nil
}

func containsToken(args []string, token string) bool {
	for _, arg := range args {
		if arg == token {
			return true
		}
	}
	return false
}
