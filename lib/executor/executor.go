// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/deckhand-io/deckhand/lib/job"
	"github.com/deckhand-io/deckhand/lib/redact"
	"github.com/deckhand-io/deckhand/lib/resolve"
	"github.com/deckhand-io/deckhand/lib/secretfile"
	"github.com/deckhand-io/deckhand/lib/sealedinput"
)

// SecretMarker is the only output a secret-bearing job ever reports
// upstream.
const SecretMarker = "secrets written; result stored ephemerally"

// Capture ceilings per result mode.
const (
	logTailLimit    = 4 * 1024
	stderrTailLimit = 4 * 1024
	jsonSmallLimit  = 64 * 1024
	jsonLargeLimit  = 2 * 1024 * 1024
)

// Executor runs resolved job commands. One Executor serves the whole
// runner; it holds no per-job state.
type Executor struct {
	// RepoRoot is the deployment repository the CLI runs in.
	RepoRoot string

	// SecretDir is where secret payloads are materialized. Usually
	// the runner's runtime directory (never a world-readable shared
	// temp dir on multi-user hosts).
	SecretDir string

	// ArchiveDir, when set, receives a zstd-compressed copy of each
	// non-secret job's captured output for operator debugging.
	ArchiveDir string

	Logger *slog.Logger
}

// Execute runs one validated job to its terminal outcome. Every
// failure path produces a failed Outcome with a scrubbed error
// message; Execute itself never returns an error because there is no
// caller-level recovery — the outcome is reported upstream either way.
func (e *Executor) Execute(ctx context.Context, projectID string, j *job.Job, keypair *sealedinput.Keypair) job.Outcome {
	resolved, err := resolve.Resolve(j.Kind, j.PayloadMeta, j.HasSealedInput(), e.RepoRoot)
	if err != nil {
		return failed(fmt.Errorf("resolving command: %w", err))
	}

	var values map[string]string
	if j.HasSealedInput() {
		envelope := sealedinput.Envelope{
			Alg:           j.SealedInputAlg,
			KeyID:         j.SealedInputKeyID,
			CiphertextB64: j.SealedInputB64,
		}
		aad := sealedinput.JobAAD(projectID, j.JobID, string(j.Kind), j.TargetRunnerID)
		values, err = sealedinput.Unseal(envelope, keypair.Alg, keypair.KeyID, aad, keypair)
		if err != nil {
			return failed(err)
		}
		if err := resolved.CheckKeys(values); err != nil {
			return failed(err)
		}
	}

	args := resolved.Args
	secretPaths := map[string]bool{}
	if resolved.Placeholder != "" {
		var path string
		if resolved.Placeholder == resolve.SecretsPlaceholder {
			path, err = secretfile.WriteSecretsJSON(e.SecretDir, j.JobID, values)
		} else {
			path, err = secretfile.WriteInputJSON(e.SecretDir, j.JobID, values)
		}
		if err != nil {
			return failed(err)
		}
		// Guaranteed cleanup on every exit path below. A crash that
		// skips this defer is covered by the startup sweep.
		defer func() {
			if removeErr := secretfile.Remove(path); removeErr != nil {
				e.Logger.Warn("removing secret file", "job_id", j.JobID, "error", removeErr)
			}
		}()

		secretPaths[path] = true
		args = substitute(args, resolved.Placeholder, path)
	}

	command := exec.CommandContext(ctx, resolved.Exec, args...)
	command.Dir = resolved.Dir

	// Capture per policy. For secret-bearing jobs both streams stay
	// nil: os/exec connects them to /dev/null and no buffer in this
	// process ever holds subprocess output.
	var stdout *cappedBuffer
	var stdoutTail, stderrTail *tailBuffer
	if !resolved.SecretBearing {
		stderrTail = &tailBuffer{limit: stderrTailLimit}
		command.Stderr = stderrTail
		switch resolved.ResultMode {
		case resolve.ResultJSONSmall:
			stdout = &cappedBuffer{limit: jsonSmallLimit}
			command.Stdout = stdout
		case resolve.ResultJSONLarge:
			stdout = &cappedBuffer{limit: jsonLargeLimit}
			command.Stdout = stdout
		default:
			stdoutTail = &tailBuffer{limit: logTailLimit}
			command.Stdout = stdoutTail
		}
	}

	runErr := command.Run()
	if runErr != nil {
		return failed(e.execError(resolved, args, secretPaths, runErr, stdoutTail, stderrTail))
	}

	if resolved.SecretBearing {
		return job.Outcome{Terminal: job.TerminalSucceeded, RedactedOutput: SecretMarker}
	}

	outcome := job.Outcome{Terminal: job.TerminalSucceeded}
	switch resolved.ResultMode {
	case resolve.ResultJSONSmall, resolve.ResultJSONLarge:
		result, err := canonicalResult(stdout, resolved.ResultMode)
		if err != nil {
			return failed(err)
		}
		if resolved.ResultMode == resolve.ResultJSONLarge {
			outcome.CommandResultLargeJSON = result
		} else {
			outcome.CommandResultJSON = result
		}
		e.archive(j, []byte(result))
	default:
		scrubbed := redact.Scrub(stdoutTail.String())
		outcome.RedactedOutput = scrubbed
		e.archive(j, []byte(scrubbed))
	}
	return outcome
}

// execError builds the structured error for a failed subprocess. The
// argv is sanitized before storage; stdio tails are attached only for
// non-secret jobs.
func (e *Executor) execError(resolved *resolve.Resolved, args []string, secretPaths map[string]bool, runErr error, stdoutTail, stderrTail *tailBuffer) error {
	execErr := &ExecError{
		Exec: resolved.Exec,
		Args: redact.SanitizeArgv(args, resolved.SensitiveFlags, secretPaths),
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return fmt.Errorf("starting %s: %w", resolved.Exec, runErr)
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		execErr.Signal = unix.SignalName(status.Signal())
	} else {
		execErr.ExitCode = exitErr.ExitCode()
	}

	if !resolved.SecretBearing {
		execErr.StdoutTail = redact.Scrub(tailString(stdoutTail))
		execErr.StderrTail = redact.Scrub(tailString(stderrTail))
	}
	return execErr
}

func tailString(tail *tailBuffer) string {
	if tail == nil {
		return ""
	}
	return tail.String()
}

// failed wraps an error as a failed outcome with a scrubbed message.
func failed(err error) job.Outcome {
	return job.Outcome{
		Terminal:     job.TerminalFailed,
		ErrorMessage: redact.Scrub(err.Error()),
	}
}

// substitute replaces the placeholder token with the materialized
// secret-file path, leaving all other tokens untouched.
func substitute(args []string, placeholder, path string) []string {
	substituted := make([]string, len(args))
	for index, arg := range args {
		if arg == placeholder {
			substituted[index] = path
		} else {
			substituted[index] = arg
		}
	}
	return substituted
}

// canonicalResult parses a json-small / json-large job's captured
// stdout as exactly one JSON object and re-serializes it canonically
// (sorted keys, numbers preserved verbatim, no insignificant
// whitespace). Trailing whitespace after the object is tolerated;
// trailing tokens, non-object values, oversize output, and malformed
// JSON are *ResultPayloadError.
func canonicalResult(captured *cappedBuffer, mode resolve.ResultMode) (string, error) {
	if captured.overflowed() {
		return "", &ResultPayloadError{
			Mode:   string(mode),
			Reason: fmt.Sprintf("output is %d bytes, limit %d", captured.total, captured.limit),
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(captured.data))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", &ResultPayloadError{Mode: string(mode), Reason: "output is not valid JSON"}
	}
	object, ok := value.(map[string]any)
	if !ok {
		return "", &ResultPayloadError{Mode: string(mode), Reason: "output is not a JSON object"}
	}
	if decoder.More() {
		return "", &ResultPayloadError{Mode: string(mode), Reason: "trailing data after the JSON object"}
	}

	canonical, err := json.Marshal(object)
	if err != nil {
		return "", &ResultPayloadError{Mode: string(mode), Reason: "re-serializing result"}
	}
	return string(canonical), nil
}
