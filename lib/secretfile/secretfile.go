// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretfile materializes decrypted secret payloads as
// owner-only temporary files for the duration of one subprocess
// invocation, and guarantees their removal.
//
// Every write uses an exclusive create (O_EXCL) with mode 0600 and is
// immediately re-verified with stat: regular file, owned by the
// current user, mode exactly 0600. Any discrepancy is a
// *SecurityError and the file is removed — the runner aborts the job
// rather than exec a command against a file another principal could
// read.
//
// Removal is handled three ways: the executor removes the file in a
// deferred cleanup on every job exit path, Remove is idempotent for
// explicit cleanup, and SweepOrphans runs at startup to delete files
// left behind by a previous runner process that was killed mid-job.
// Orphans are matched by the fixed naming convention
// "deckhand-{secrets,input}-<jobID>-<pid>-<suffix>.json"; a file is
// deleted only when it is owned by the current user and its embedded
// PID is no longer alive (or, when the PID cannot be parsed, when the
// file is older than 24 hours).
package secretfile

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// maxOrphanAge is the deletion threshold for orphaned secret files
// whose embedded PID cannot be parsed.
const maxOrphanAge = 24 * time.Hour

const (
	secretsPrefix = "deckhand-secrets-"
	inputPrefix   = "deckhand-input-"
)

// SecurityError reports a violated temp-file invariant: wrong mode,
// wrong owner, unexpected existing file, or a non-regular file where a
// regular file was just created. Jobs observing one always fail; the
// condition indicates either local tampering or a misconfigured host.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("secret file invariant violated at %s: %s", e.Path, e.Reason)
}

// WriteSecretsJSON writes a decrypted secrets map to a fresh 0600 file
// in dir and returns its path. The file name embeds the job ID and the
// runner PID for the startup sweep. Fails with *SecurityError if a
// file already exists at the generated path or if the post-write stat
// check fails.
func WriteSecretsJSON(dir, jobID string, values map[string]string) (string, error) {
	return writeJSON(dir, secretsPrefix, jobID, values)
}

// WriteInputJSON writes a generic sealed-input map to a fresh 0600
// file in dir and returns its path. Identical guarantees to
// WriteSecretsJSON; the distinct prefix keeps the two placeholder
// kinds distinguishable in sweeps and logs.
func WriteInputJSON(dir, jobID string, values map[string]string) (string, error) {
	return writeJSON(dir, inputPrefix, jobID, values)
}

func writeJSON(dir, prefix, jobID string, values map[string]string) (string, error) {
	if strings.ContainsAny(jobID, "/\\") {
		return "", fmt.Errorf("job id %q contains a path separator", jobID)
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding secret payload: %w", err)
	}

	name := fmt.Sprintf("%s%s-%d-%s.json", prefix, jobID, os.Getpid(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)

	if err := writeExclusive(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

// writeExclusive creates path with O_EXCL and mode 0600, writes the
// payload, and runs the post-write stat verification. The random
// suffix in generated names makes collisions effectively impossible,
// so an existing file at the path means something on the host is
// racing us: refuse rather than truncate.
func writeExclusive(path string, payload []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return &SecurityError{Path: path, Reason: "file already exists"}
		}
		return fmt.Errorf("creating secret file: %w", err)
	}

	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing secret file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing secret file: %w", err)
	}

	if err := verify(path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// verify re-stats a just-written secret file and asserts the security
// invariants: regular file, owned by the current user, mode exactly
// 0600. O_EXCL already rules out symlink swaps before the write; this
// catches anything that changed the file between write and use.
func verify(path string) error {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return fmt.Errorf("statting secret file: %w", err)
	}

	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return &SecurityError{Path: path, Reason: "not a regular file"}
	}
	if int(stat.Uid) != os.Getuid() {
		return &SecurityError{Path: path, Reason: fmt.Sprintf("owned by uid %d, want %d", stat.Uid, os.Getuid())}
	}
	if mode := stat.Mode & 0777; mode != 0600 {
		return &SecurityError{Path: path, Reason: fmt.Sprintf("mode %o, want 0600", mode)}
	}
	return nil
}

// Remove deletes a secret file. Idempotent: a file that is already
// gone is success, since the only goal is that the plaintext no
// longer exists on disk.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing secret file: %w", err)
	}
	return nil
}

// SweepOrphans scans dir for secret files left behind by a previous
// runner process and deletes the ones that are provably stale. Files
// owned by a different user are skipped entirely (another runner or
// another tenant on a shared host). Returns the number of files
// removed. Individual failures are logged and do not stop the sweep.
func SweepOrphans(dir string, logger *slog.Logger, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("secret file sweep: reading directory", "dir", dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, secretsPrefix) && !strings.HasPrefix(name, inputPrefix) {
			continue
		}
		if !strings.HasSuffix(name, ".json") || entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, name)

		var stat unix.Stat_t
		if err := unix.Lstat(path, &stat); err != nil {
			continue
		}
		if int(stat.Uid) != os.Getuid() {
			// Not ours to judge.
			continue
		}

		if !shouldSweep(name, entry, now) {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("secret file sweep: removing orphan", "path", path, "error", err)
			continue
		}
		logger.Info("removed orphaned secret file", "path", path)
		removed++
	}
	return removed
}

// shouldSweep decides whether an orphan candidate is stale: its
// embedded PID is no longer alive, or (when no PID parses) its age
// exceeds maxOrphanAge.
func shouldSweep(name string, entry fs.DirEntry, now time.Time) bool {
	if pid, ok := embeddedPID(name); ok {
		if pid == os.Getpid() {
			// Belongs to this process — an in-flight job's file.
			return false
		}
		return !pidAlive(pid)
	}

	info, err := entry.Info()
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > maxOrphanAge
}

// embeddedPID extracts the PID from a secret file name. The name
// format is <prefix><jobID>-<pid>-<suffix>.json; job IDs may
// themselves contain hyphens, so the PID is the second-to-last
// hyphen-separated segment.
func embeddedPID(name string) (int, bool) {
	trimmed := strings.TrimSuffix(name, ".json")
	segments := strings.Split(trimmed, "-")
	if len(segments) < 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(segments[len(segments)-2])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given PID exists.
// Signal 0 performs the existence check without delivering anything;
// EPERM still means the process exists.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
