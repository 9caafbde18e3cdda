// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"fmt"
	"regexp"
	"strings"
)

// customFlagSpec describes one flag legal in a custom job's extra
// args.
type customFlagSpec struct {
	takesValue bool
}

// customFlags is the flag allowlist for custom jobs. Anything not in
// this table is rejected before any subprocess is spawned.
var customFlags = map[string]customFlagSpec{
	"--script":     {takesValue: true},
	"--profile":    {takesValue: true},
	"--timeout":    {takesValue: true},
	"--tag":        {takesValue: true},
	"--input-file": {takesValue: true},
	"--verbose":    {},
	"--quiet":      {},
	"--json":       {},
	"--dry-run":    {},
}

// positionalPattern constrains non-flag tokens in custom args: plain
// identifiers or relative names, never absolute paths, never parent
// traversal, never shell metacharacters.
var positionalPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./-]*$`)

// validateCustomArgs applies flag-shape validation to a custom job's
// declared extra args:
//
//   - every flag must be on the customFlags allowlist
//   - no flag may appear twice
//   - boolean flags never carry a =value
//   - the bare "--" separator token is rejected outright
//   - value-taking flags must have a value (fused or following)
//   - positional tokens must match positionalPattern
//   - the __INPUT_JSON__ placeholder may appear at most once, only as
//     the value of --input-file; __SECRETS_JSON__ never
//
// Returns the validated args unchanged (the caller splices them into
// the fixed argv prefix).
func validateCustomArgs(args []string) ([]string, error) {
	seen := map[string]bool{}
	placeholderCount := 0

	for index := 0; index < len(args); index++ {
		token := args[index]

		if token == "--" {
			return nil, fmt.Errorf("custom args may not contain the bare -- separator")
		}
		if token == SecretsPlaceholder {
			return nil, fmt.Errorf("custom args may not reference the secrets placeholder")
		}

		if !strings.HasPrefix(token, "--") {
			if token == InputPlaceholder {
				return nil, fmt.Errorf("the input placeholder must be the value of --input-file")
			}
			if !positionalPattern.MatchString(token) {
				return nil, fmt.Errorf("custom arg %q has illegal shape", token)
			}
			if strings.Contains(token, "..") {
				return nil, fmt.Errorf("custom arg %q contains parent traversal", token)
			}
			continue
		}

		name, fusedValue, fused := strings.Cut(token, "=")
		spec, known := customFlags[name]
		if !known {
			return nil, fmt.Errorf("unknown custom flag %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate custom flag %q", name)
		}
		seen[name] = true

		if !spec.takesValue {
			if fused {
				return nil, fmt.Errorf("boolean flag %q may not carry a value", name)
			}
			continue
		}

		var value string
		if fused {
			value = fusedValue
		} else {
			if index+1 >= len(args) {
				return nil, fmt.Errorf("flag %q is missing its value", name)
			}
			index++
			value = args[index]
		}
		if value == "" {
			return nil, fmt.Errorf("flag %q has an empty value", name)
		}
		if value == InputPlaceholder {
			if name != "--input-file" {
				return nil, fmt.Errorf("the input placeholder must be the value of --input-file")
			}
			placeholderCount++
			if placeholderCount > 1 {
				return nil, fmt.Errorf("custom args reference the input placeholder more than once")
			}
			continue
		}
		if strings.HasPrefix(value, "--") {
			return nil, fmt.Errorf("flag %q is missing its value", name)
		}
		if !positionalPattern.MatchString(value) {
			return nil, fmt.Errorf("value for flag %q has illegal shape", name)
		}
		if strings.Contains(value, "..") {
			return nil, fmt.Errorf("value for flag %q contains parent traversal", name)
		}
	}

	return args, nil
}
