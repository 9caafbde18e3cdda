// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package redact

import "strings"

// maxTokenLength caps each sanitized argv token. Execution errors embed
// the argv, and a pathological token (a megabyte of base64 passed as an
// argument) must not balloon the completion report.
const maxTokenLength = 256

// SanitizeArgv returns a copy of argv safe for logs and completion
// reports:
//
//   - Any token exactly matching a path in secretFilePaths is replaced
//     with SecretFilePlaceholder.
//   - The value following a flag in sensitiveFlags (or fused into it as
//     --flag=value) is replaced with Redacted.
//   - Every remaining token is passed through Scrub and capped at
//     maxTokenLength.
//
// The input slice is not modified.
func SanitizeArgv(argv []string, sensitiveFlags map[string]bool, secretFilePaths map[string]bool) []string {
	sanitized := make([]string, len(argv))
	redactNext := false

	for index, token := range argv {
		switch {
		case redactNext:
			sanitized[index] = Redacted
			redactNext = false

		case secretFilePaths[token]:
			sanitized[index] = SecretFilePlaceholder

		case sensitiveFlags[token]:
			sanitized[index] = token
			redactNext = true

		default:
			if flag, _, found := strings.Cut(token, "="); found && sensitiveFlags[flag] {
				sanitized[index] = flag + "=" + Redacted
				continue
			}
			sanitized[index] = capToken(Scrub(token))
		}
	}

	return sanitized
}

func capToken(token string) string {
	if len(token) <= maxTokenLength {
		return token
	}
	return token[:maxTokenLength] + "...(truncated)"
}
