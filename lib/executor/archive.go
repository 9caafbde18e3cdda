// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/deckhand-io/deckhand/lib/job"
)

// archive writes a zstd-compressed copy of a non-secret job's captured
// output under ArchiveDir for local operator debugging. Archival is
// best effort: the job's outcome is already decided and an archive
// failure only earns a warning. Secret-bearing jobs never reach here.
func (e *Executor) archive(j *job.Job, output []byte) {
	if e.ArchiveDir == "" || len(output) == 0 {
		return
	}

	name := fmt.Sprintf("%s-attempt-%d.log.zst", j.JobID, j.Attempt)
	path := filepath.Join(e.ArchiveDir, name)

	if err := writeArchive(path, output); err != nil {
		e.Logger.Warn("archiving job output", "job_id", j.JobID, "path", path, "error", err)
		return
	}
	e.Logger.Debug("archived job output", "job_id", j.JobID, "path", path, "bytes", len(output))
}

func writeArchive(path string, output []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := encoder.Write(output); err != nil {
		encoder.Close()
		file.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return fmt.Errorf("flushing archive: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}
