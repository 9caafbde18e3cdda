// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package metasync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deckhand-io/deckhand/lib/clock"
	"github.com/deckhand-io/deckhand/lib/controlplane"
)

// Uploader is the control-plane surface the syncer needs.
type Uploader interface {
	SyncMetadata(ctx context.Context, snapshot controlplane.MetadataSnapshot) error
}

// flushTimeout bounds the shutdown flush so a dead control plane
// cannot hold the process open.
const flushTimeout = 5 * time.Second

// Syncer uploads metadata snapshots with change-detection and age
// refresh. Kicks from the job loop coalesce: any number of kicks
// while a sync is in flight collapse into at most one follow-up sync.
type Syncer struct {
	Collector *Collector
	Uploader  Uploader
	Clock     clock.Clock
	Logger    *slog.Logger

	// MaxAge forces a re-upload even when nothing changed, so the
	// control plane can distinguish "unchanged" from "stopped
	// reporting". Zero disables age-based refresh.
	MaxAge time.Duration

	kicks chan struct{}
	once  sync.Once

	mu              sync.Mutex
	lastFingerprint string
	lastSync        time.Time
}

func (s *Syncer) init() {
	s.once.Do(func() { s.kicks = make(chan struct{}, 1) })
}

// Kick requests a sync soon. Non-blocking; redundant kicks coalesce.
func (s *Syncer) Kick() {
	s.init()
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// Run services kicks and the age-refresh ticker until ctx is
// cancelled. Sync failures are logged and retried on the next wake;
// metadata is advisory and must never wedge the job loop.
func (s *Syncer) Run(ctx context.Context) {
	s.init()

	interval := s.MaxAge
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := s.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kicks:
		case <-ticker.C:
		}
		if err := s.SyncNow(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.Warn("metadata sync failed", "error", err)
		}
	}
}

// SyncNow collects a snapshot and uploads it if ShouldSync says so.
// Serialized internally; concurrent callers queue on the mutex.
func (s *Syncer) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock.Now()
	snapshot, err := s.Collector.Collect(now)
	if err != nil {
		return fmt.Errorf("collecting metadata: %w", err)
	}

	if !ShouldSync(snapshot.Fingerprint, s.lastFingerprint, s.lastSync, now, s.MaxAge) {
		return nil
	}

	if err := s.Uploader.SyncMetadata(ctx, snapshot); err != nil {
		return err
	}
	s.lastFingerprint = snapshot.Fingerprint
	s.lastSync = now
	s.Logger.Info("metadata synced",
		"fingerprint", snapshot.Fingerprint,
		"config_files", len(snapshot.ConfigFiles))
	return nil
}

// Flush performs a final bounded-time sync during shutdown.
func (s *Syncer) Flush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return s.SyncNow(flushCtx)
}

// ShouldSync reports whether a snapshot with the given fingerprint
// needs uploading: always on first sync, on any content change, and
// when maxAge has elapsed since the last successful upload (maxAge
// zero disables the age rule).
func ShouldSync(current, last string, lastSync, now time.Time, maxAge time.Duration) bool {
	if last == "" {
		return true
	}
	if current != last {
		return true
	}
	if maxAge > 0 && now.Sub(lastSync) >= maxAge {
		return true
	}
	return false
}
