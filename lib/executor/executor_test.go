// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deckhand-io/deckhand/lib/job"
	"github.com/deckhand-io/deckhand/lib/sealedinput"
)

const testProjectID = "proj-1"

// installFakeCLI writes a shell script named deckhand into a fresh
// directory and prepends that directory to PATH, so the executor's
// resolved command lands on the script.
func installFakeCLI(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deckhand")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("writing fake CLI: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return &Executor{
		RepoRoot:  t.TempDir(),
		SecretDir: t.TempDir(),
		Logger:    slog.New(slog.DiscardHandler),
	}
}

// sealForRunner encrypts values for the given keypair under the job's
// binding AAD and stamps the envelope fields onto the job.
func sealForRunner(t *testing.T, j *job.Job, keypair *sealedinput.Keypair, values map[string]string) {
	t.Helper()
	aad := sealedinput.JobAAD(testProjectID, j.JobID, string(j.Kind), j.TargetRunnerID)
	envelope, err := sealedinput.Seal(values, keypair.PublicKeySPKIB64, aad)
	if err != nil {
		t.Fatalf("sealing payload: %v", err)
	}
	j.SealedInputB64 = envelope.CiphertextB64
	j.SealedInputAlg = envelope.Alg
	j.SealedInputKeyID = envelope.KeyID
}

func TestExecuteLogTailScrubsOutput(t *testing.T) {
	installFakeCLI(t, `echo "deployed gateway gw-1"; echo "password=hunter2"`)
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-1", Kind: job.KindDeploy, Attempt: 1,
		PayloadMeta: job.PayloadMeta{GatewayName: "gw-1"},
	}, nil)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	if !strings.Contains(outcome.RedactedOutput, "deployed gateway gw-1") {
		t.Errorf("output missing plain line: %q", outcome.RedactedOutput)
	}
	if strings.Contains(outcome.RedactedOutput, "hunter2") {
		t.Errorf("secret value leaked into output: %q", outcome.RedactedOutput)
	}
	if !strings.Contains(outcome.RedactedOutput, "<redacted>") {
		t.Errorf("expected redaction marker in %q", outcome.RedactedOutput)
	}
}

func TestExecuteJSONSmallCanonicalizes(t *testing.T) {
	installFakeCLI(t, `printf '{"b":2,"a":1}\n  \n'`)
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-2", Kind: job.KindHostProbe, Attempt: 1,
	}, nil)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	if outcome.CommandResultJSON != `{"a":1,"b":2}` {
		t.Errorf("result = %q, want canonical sorted object", outcome.CommandResultJSON)
	}
	if outcome.CommandResultLargeJSON != "" {
		t.Errorf("json-small job populated the large result field")
	}
}

func TestExecuteJSONLargeUsesLargeField(t *testing.T) {
	installFakeCLI(t, `printf '{"changed":[{"id":"vm-1"}]}'`)
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-3", Kind: job.KindInfraApply, Attempt: 1,
	}, nil)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(outcome.CommandResultLargeJSON), &decoded); err != nil {
		t.Fatalf("large result is not JSON: %v", err)
	}
	if outcome.CommandResultJSON != "" {
		t.Errorf("json-large job populated the small result field")
	}
}

func TestExecuteJSONResultContract(t *testing.T) {
	tests := []struct {
		name   string
		script string
		reason string
	}{
		{"malformed", `printf 'not json'`, "not valid JSON"},
		{"nonObject", `printf '[1,2]'`, "not a JSON object"},
		{"trailingToken", `printf '{"a":1} {"b":2}'`, "trailing data"},
		{"oversize", `head -c 70000 /dev/zero | tr '\0' 'a'`, "limit"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			installFakeCLI(t, test.script)
			executor := newTestExecutor(t)

			outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
				JobID: "job-4", Kind: job.KindHostProbe, Attempt: 1,
			}, nil)

			if outcome.Terminal != job.TerminalFailed {
				t.Fatalf("terminal = %q, want failed", outcome.Terminal)
			}
			if !strings.Contains(outcome.ErrorMessage, test.reason) {
				t.Errorf("error = %q, want mention of %q", outcome.ErrorMessage, test.reason)
			}
		})
	}
}

func TestExecuteSecretBearing(t *testing.T) {
	keypair, err := sealedinput.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	sink := filepath.Join(t.TempDir(), "copied.json")
	t.Setenv("DECKHAND_TEST_SINK", sink)
	// argv: secrets init --gateway gw-1 --secrets-file <path>
	installFakeCLI(t, `cat "$6" > "$DECKHAND_TEST_SINK"; echo "this must never be captured"`)
	executor := newTestExecutor(t)

	j := &job.Job{
		JobID: "job-5", Kind: job.KindSecretsInit, Attempt: 1,
		TargetRunnerID: "runner-1",
		PayloadMeta: job.PayloadMeta{
			GatewayName: "gw-1",
			SecretNames: []string{"DB_PASSWORD"},
		},
	}
	sealForRunner(t, j, keypair, map[string]string{"DB_PASSWORD": "s3cr3t"})

	outcome := executor.Execute(context.Background(), testProjectID, j, keypair)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	if outcome.RedactedOutput != SecretMarker {
		t.Errorf("output = %q, want the fixed marker", outcome.RedactedOutput)
	}
	if outcome.CommandResultJSON != "" || outcome.CommandResultLargeJSON != "" {
		t.Errorf("secret-bearing job reported command results")
	}

	// The subprocess saw the plaintext payload.
	copied, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("reading sink copy: %v", err)
	}
	var values map[string]string
	if err := json.Unmarshal(copied, &values); err != nil {
		t.Fatalf("sink copy is not JSON: %v", err)
	}
	if values["DB_PASSWORD"] != "s3cr3t" {
		t.Errorf("materialized payload = %v", values)
	}

	// The materialized file is gone after Execute returns.
	leftovers, err := filepath.Glob(filepath.Join(executor.SecretDir, "deckhand-secrets-*"))
	if err != nil {
		t.Fatalf("globbing secret dir: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("secret files left behind: %v", leftovers)
	}
}

func TestExecuteSealedInputFeedsDeploy(t *testing.T) {
	keypair, err := sealedinput.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	// argv: gateway deploy --input-file <path>
	installFakeCLI(t, `cat "$4"`)
	executor := newTestExecutor(t)

	j := &job.Job{
		JobID: "job-6", Kind: job.KindDeploy, Attempt: 1,
		TargetRunnerID: "runner-1",
		PayloadMeta:    job.PayloadMeta{SealedInputKeys: []string{"region"}},
	}
	sealForRunner(t, j, keypair, map[string]string{"region": "us-east-1"})

	outcome := executor.Execute(context.Background(), testProjectID, j, keypair)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	if !strings.Contains(outcome.RedactedOutput, "us-east-1") {
		t.Errorf("subprocess did not see the unsealed input: %q", outcome.RedactedOutput)
	}
}

func TestExecuteUnauthorizedKeyNeverRuns(t *testing.T) {
	keypair, err := sealedinput.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}

	marker := filepath.Join(t.TempDir(), "ran")
	t.Setenv("DECKHAND_TEST_MARKER", marker)
	installFakeCLI(t, `touch "$DECKHAND_TEST_MARKER"`)
	executor := newTestExecutor(t)

	j := &job.Job{
		JobID: "job-7", Kind: job.KindSecretsInit, Attempt: 1,
		TargetRunnerID: "runner-1",
		PayloadMeta: job.PayloadMeta{
			GatewayName: "gw-1",
			SecretNames: []string{"DB_PASSWORD"},
		},
	}
	sealForRunner(t, j, keypair, map[string]string{
		"DB_PASSWORD": "ok",
		"EXTRA_KEY":   "smuggled",
	})

	outcome := executor.Execute(context.Background(), testProjectID, j, keypair)

	if outcome.Terminal != job.TerminalFailed {
		t.Fatalf("terminal = %q, want failed", outcome.Terminal)
	}
	if !strings.Contains(outcome.ErrorMessage, "allowlist") {
		t.Errorf("error = %q, want allowlist violation", outcome.ErrorMessage)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("command ran despite the allowlist violation")
	}
}

func TestExecuteExitCodeWithScrubbedStderr(t *testing.T) {
	installFakeCLI(t, `echo "token=abcd1234" >&2; exit 3`)
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-8", Kind: job.KindGatewayRestart, Attempt: 1,
		PayloadMeta: job.PayloadMeta{GatewayName: "gw-1"},
	}, nil)

	if outcome.Terminal != job.TerminalFailed {
		t.Fatalf("terminal = %q, want failed", outcome.Terminal)
	}
	if !strings.Contains(outcome.ErrorMessage, "exit code 3") {
		t.Errorf("error = %q, want exit code", outcome.ErrorMessage)
	}
	if strings.Contains(outcome.ErrorMessage, "abcd1234") {
		t.Errorf("stderr secret leaked: %q", outcome.ErrorMessage)
	}
}

func TestExecuteSignalDeath(t *testing.T) {
	installFakeCLI(t, `kill -TERM $$`)
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-9", Kind: job.KindHostProbe, Attempt: 1,
	}, nil)

	if outcome.Terminal != job.TerminalFailed {
		t.Fatalf("terminal = %q, want failed", outcome.Terminal)
	}
	if !strings.Contains(outcome.ErrorMessage, "SIGTERM") {
		t.Errorf("error = %q, want signal name", outcome.ErrorMessage)
	}
}

func TestExecuteStartFailure(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	executor := newTestExecutor(t)

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-10", Kind: job.KindHostProbe, Attempt: 1,
	}, nil)

	if outcome.Terminal != job.TerminalFailed {
		t.Fatalf("terminal = %q, want failed", outcome.Terminal)
	}
	if !strings.Contains(outcome.ErrorMessage, "starting") {
		t.Errorf("error = %q, want start failure", outcome.ErrorMessage)
	}
}

func TestExecuteArchivesOutput(t *testing.T) {
	installFakeCLI(t, `printf '{"ok":true}'`)
	executor := newTestExecutor(t)
	executor.ArchiveDir = t.TempDir()

	outcome := executor.Execute(context.Background(), testProjectID, &job.Job{
		JobID: "job-11", Kind: job.KindHostProbe, Attempt: 2,
	}, nil)

	if outcome.Terminal != job.TerminalSucceeded {
		t.Fatalf("terminal = %q, error = %q", outcome.Terminal, outcome.ErrorMessage)
	}
	path := filepath.Join(executor.ArchiveDir, "job-11-attempt-2.log.zst")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("missing archive: %v", err)
	}
}
