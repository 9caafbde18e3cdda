// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"strings"
)

// ResultPayloadError reports json-small / json-large output that
// violates the result contract: oversize, malformed, not a single
// JSON object, or trailing garbage after the object.
type ResultPayloadError struct {
	Mode   string
	Reason string
}

func (e *ResultPayloadError) Error() string {
	return fmt.Sprintf("%s result payload: %s", e.Mode, e.Reason)
}

// ExecError reports a subprocess that exited non-zero or died to a
// signal. The argv is sanitized (secret-file path and sensitive flag
// values replaced, remaining tokens scrubbed) before it is stored
// here, so an ExecError is safe to log and to transmit. Stdout and
// stderr tails are omitted entirely for secret-bearing jobs.
type ExecError struct {
	Exec       string
	Args       []string
	ExitCode   int
	Signal     string
	StdoutTail string
	StderrTail string
}

func (e *ExecError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s %s: ", e.Exec, strings.Join(e.Args, " "))
	if e.Signal != "" {
		fmt.Fprintf(&builder, "killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&builder, "exit code %d", e.ExitCode)
	}
	if e.StderrTail != "" {
		fmt.Fprintf(&builder, "; stderr: %s", e.StderrTail)
	}
	if e.StdoutTail != "" {
		fmt.Fprintf(&builder, "; stdout: %s", e.StdoutTail)
	}
	return builder.String()
}
