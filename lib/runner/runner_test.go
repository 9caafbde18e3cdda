// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deckhand-io/deckhand/lib/clock"
	"github.com/deckhand-io/deckhand/lib/controlplane"
	"github.com/deckhand-io/deckhand/lib/executor"
	"github.com/deckhand-io/deckhand/lib/job"
	"github.com/deckhand-io/deckhand/lib/sealedinput"
	"github.com/deckhand-io/deckhand/lib/testutil"
)

// leaseStep is one scripted lease-next answer. cancelAfter cancels
// the loop's context as soon as the step is handed out, simulating a
// termination signal arriving while the leased job is in flight.
type leaseStep struct {
	response    *controlplane.LeaseResponse
	err         error
	cancelAfter bool
}

// fakeControlPlane replays a lease script and records every call.
// When the script runs out it cancels the loop's context, ending the
// test run cleanly.
type fakeControlPlane struct {
	mu     sync.Mutex
	script []leaseStep
	cancel context.CancelFunc

	leaseTimes    []time.Time
	completions   []controlplane.CompletionReport
	heartbeats    []string
	runEvents     []controlplane.RunEvent
	jobHeartbeats chan string
}

func newFakeControlPlane(cancel context.CancelFunc, script ...leaseStep) *fakeControlPlane {
	return &fakeControlPlane{
		script:        script,
		cancel:        cancel,
		jobHeartbeats: make(chan string, 16),
	}
}

func (f *fakeControlPlane) LeaseNext(ctx context.Context, _ controlplane.LeaseOptions) (*controlplane.LeaseResponse, error) {
	f.mu.Lock()
	f.leaseTimes = append(f.leaseTimes, time.Now())
	var step leaseStep
	exhausted := len(f.script) == 0
	if !exhausted {
		step = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if exhausted {
		f.cancel()
		return nil, ctx.Err()
	}
	if step.cancelAfter {
		f.cancel()
	}
	return step.response, step.err
}

func (f *fakeControlPlane) HeartbeatJob(_ context.Context, jobID, _ string, _ time.Duration) error {
	f.jobHeartbeats <- jobID
	return nil
}

func (f *fakeControlPlane) CompleteJob(_ context.Context, _ string, report controlplane.CompletionReport) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, report)
	return true, nil
}

func (f *fakeControlPlane) Heartbeat(_ context.Context, heartbeat controlplane.RunnerHeartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, heartbeat.Status)
	return nil
}

func (f *fakeControlPlane) AppendRunEvents(_ context.Context, _ string, events []controlplane.RunEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runEvents = append(f.runEvents, events...)
	return nil
}

func (f *fakeControlPlane) CloseIdleConnections() {}

func (f *fakeControlPlane) leaseGaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(f.leaseTimes); i++ {
		gaps = append(gaps, f.leaseTimes[i].Sub(f.leaseTimes[i-1]))
	}
	return gaps
}

func emptyLease(waitApplied bool) leaseStep {
	return leaseStep{response: &controlplane.LeaseResponse{WaitApplied: waitApplied}}
}

func jobLease(j *job.Job) leaseStep {
	return leaseStep{response: &controlplane.LeaseResponse{
		Job:        j,
		LeaseID:    "lease-" + j.JobID,
		LeaseTTLMs: 30000,
	}}
}

// installFakeCLI puts a shell script named deckhand on PATH.
func installFakeCLI(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deckhand")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("writing fake CLI: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestRunner(t *testing.T, fake *fakeControlPlane, mutate func(*Config)) *Runner {
	t.Helper()
	keypair, err := sealedinput.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	config := Config{
		Client: fake,
		Executor: &executor.Executor{
			RepoRoot:  t.TempDir(),
			SecretDir: t.TempDir(),
			Logger:    slog.New(slog.DiscardHandler),
		},
		Keypair:           keypair,
		Clock:             clock.Real(),
		Logger:            slog.New(slog.DiscardHandler),
		ProjectID:         "proj-1",
		RunnerID:          "runner-1",
		PollInterval:      50 * time.Millisecond,
		PollCeiling:       400 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		MaxAttempts:       3,
	}
	if mutate != nil {
		mutate(&config)
	}
	r, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.jitter = func() float64 { return 1.0 }
	return r
}

func TestComputeBackoffBoundsAndSaturation(t *testing.T) {
	poll := 100 * time.Millisecond
	ceiling := 800 * time.Millisecond

	want := []time.Duration{100, 200, 400, 800, 800, 800, 800, 800, 800}
	for streak, expect := range want {
		got := computeBackoff(poll, ceiling, streak, 1.0)
		if got != expect*time.Millisecond {
			t.Errorf("streak %d: backoff = %v, want %v", streak, got, expect*time.Millisecond)
		}
	}

	// A streak past the cap behaves like the cap.
	if computeBackoff(poll, ceiling, 40, 1.0) != computeBackoff(poll, ceiling, backoffStreakCap, 1.0) {
		t.Error("streak beyond the cap changed the delay")
	}

	// Jitter scales the clamped delay, staying within its declared
	// spread.
	low := computeBackoff(poll, poll, 5, 0.85)
	high := computeBackoff(poll, poll, 5, 1.15)
	if low != 85*time.Millisecond || high != 115*time.Millisecond {
		t.Errorf("jitter bounds = %v, %v", low, high)
	}
}

func TestJitterFactorRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		factor := jitterFactor()
		if factor < 0.85 || factor >= 1.15 {
			t.Fatalf("jitter factor %v outside [0.85, 1.15)", factor)
		}
	}
}

func TestHeartbeatInterval(t *testing.T) {
	if got := heartbeatInterval(10 * time.Second); got != 5*time.Second {
		t.Errorf("ttl 10s: interval = %v", got)
	}
	if got := heartbeatInterval(3 * time.Second); got != 2*time.Second {
		t.Errorf("ttl 3s: interval floored to %v, want 2s", got)
	}
	if got := heartbeatInterval(100 * time.Millisecond); got != 2*time.Second {
		t.Errorf("tiny ttl: interval = %v, want 2s", got)
	}
}

func TestEmptyLeaseBackoffGrowsAndResets(t *testing.T) {
	installFakeCLI(t, `printf '{"reachable":true}'`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeControlPlane(cancel,
		emptyLease(false),
		emptyLease(false),
		emptyLease(false),
		jobLease(&job.Job{JobID: "job-1", RunID: "run-1", Kind: job.KindHostProbe, Attempt: 1}),
		emptyLease(false),
	)
	r := newTestRunner(t, fake, nil)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gaps := fake.leaseGaps()
	if len(gaps) != 5 {
		t.Fatalf("lease gaps = %v, want 5", gaps)
	}
	// Doubling streak: ~50ms, ~100ms, ~200ms. Upper bounds are loose
	// for scheduler slack.
	assertGap(t, "first empty", gaps[0], 45*time.Millisecond, 90*time.Millisecond)
	assertGap(t, "second empty", gaps[1], 90*time.Millisecond, 170*time.Millisecond)
	assertGap(t, "third empty", gaps[2], 180*time.Millisecond, 330*time.Millisecond)
	// The job resets the streak: the empty lease after it sleeps the
	// base interval again (plus job execution time inside gaps[3]).
	assertGap(t, "post-job empty", gaps[4], 45*time.Millisecond, 150*time.Millisecond)

	if len(fake.completions) != 1 {
		t.Fatalf("completions = %+v", fake.completions)
	}
	report := fake.completions[0]
	if report.Status != job.TerminalSucceeded || string(report.CommandResultJSON) != `{"reachable":true}` {
		t.Errorf("report = %+v", report)
	}
}

func assertGap(t *testing.T, name string, gap, min, max time.Duration) {
	t.Helper()
	if gap < min || gap > max {
		t.Errorf("%s gap = %v, want within [%v, %v]", name, gap, min, max)
	}
}

func TestHonoredWaitSkipsBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeControlPlane(cancel,
		emptyLease(true),
		emptyLease(true),
		emptyLease(true),
	)
	r := newTestRunner(t, fake, nil)

	started := time.Now()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// No client-side sleeps when the server honored the wait; the
	// whole run is bounded by call overhead only.
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("run took %v with honored waits", elapsed)
	}
	for _, gap := range fake.leaseGaps() {
		if gap > 40*time.Millisecond {
			t.Errorf("gap %v after honored empty wait", gap)
		}
	}
}

func TestAuthErrorStopsLoopWithOfflineFarewell(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeControlPlane(cancel,
		leaseStep{err: &controlplane.APIError{Code: "unauthorized", StatusCode: http.StatusUnauthorized}},
	)
	r := newTestRunner(t, fake, nil)

	err := r.Run(ctx)
	if err == nil {
		t.Fatal("Run returned nil for an auth failure")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.heartbeats) < 2 {
		t.Fatalf("heartbeats = %v", fake.heartbeats)
	}
	if fake.heartbeats[0] != "online" || fake.heartbeats[len(fake.heartbeats)-1] != "offline" {
		t.Errorf("heartbeat statuses = %v, want online first and offline last", fake.heartbeats)
	}
}

func TestRetryableLeaseErrorBacksOffThenContinues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeControlPlane(cancel,
		leaseStep{err: &controlplane.APIError{Code: "internal", StatusCode: http.StatusInternalServerError}},
		emptyLease(true),
	)
	r := newTestRunner(t, fake, nil)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v, want retryable errors absorbed", err)
	}
	gaps := fake.leaseGaps()
	if len(gaps) < 1 {
		t.Fatal("no retry after retryable error")
	}
	assertGap(t, "retry", gaps[0], 45*time.Millisecond, 90*time.Millisecond)
}

func TestAttemptCapFailsWithoutExecuting(t *testing.T) {
	// No fake CLI on PATH: if the executor ran, the report would say
	// "starting" instead of mentioning the cap.
	t.Setenv("PATH", t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakeControlPlane(cancel,
		jobLease(&job.Job{JobID: "job-1", RunID: "run-1", Kind: job.KindHostProbe, Attempt: 4}),
	)
	r := newTestRunner(t, fake, nil)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.completions) != 1 {
		t.Fatalf("completions = %+v", fake.completions)
	}
	report := fake.completions[0]
	if report.Status != job.TerminalFailed || !strings.Contains(report.ErrorMessage, "cap") {
		t.Errorf("report = %+v", report)
	}
}

func TestUnrecognizedKindFailsJobAndContinues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeControlPlane(cancel,
		jobLease(&job.Job{JobID: "job-1", RunID: "run-1", Kind: job.Kind("mystery"), Attempt: 1}),
		emptyLease(true),
	)
	r := newTestRunner(t, fake, nil)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v, want loop to continue past a bad job", err)
	}
	if len(fake.completions) != 1 {
		t.Fatalf("completions = %+v", fake.completions)
	}
	report := fake.completions[0]
	if report.Status != job.TerminalFailed || !strings.Contains(report.ErrorMessage, "rejected") {
		t.Errorf("report = %+v", report)
	}
	// The loop leased again after reporting the failure.
	fake.mu.Lock()
	leases := len(fake.leaseTimes)
	fake.mu.Unlock()
	if leases < 2 {
		t.Errorf("lease calls = %d, want loop to continue", leases)
	}
}

func TestTerminationLetsInFlightJobFinishAndReport(t *testing.T) {
	// The CLI sleeps past the cancellation before producing its
	// result. If the loop's context reached the subprocess, the sleep
	// would die by SIGKILL and no JSON would ever be captured.
	installFakeCLI(t, `sleep 0.2
printf '{"reachable":true}'`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	step := jobLease(&job.Job{JobID: "job-1", RunID: "run-1", Kind: job.KindHostProbe, Attempt: 1})
	step.cancelAfter = true
	fake := newFakeControlPlane(cancel, step)
	r := newTestRunner(t, fake, nil)

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.completions) != 1 {
		t.Fatalf("completions = %+v, want the in-flight job's report delivered", fake.completions)
	}
	report := fake.completions[0]
	if report.Status != job.TerminalSucceeded {
		t.Errorf("report = %+v, want the job to run to completion", report)
	}
	if string(report.CommandResultJSON) != `{"reachable":true}` {
		t.Errorf("result = %q, want the full post-sleep output", report.CommandResultJSON)
	}
	if len(fake.runEvents) != 1 {
		t.Errorf("run events = %+v, want the outcome event delivered", fake.runEvents)
	}
	// Exactly one lease call: the loop observed the cancellation at
	// the top of the next iteration instead of mid-job.
	if len(fake.leaseTimes) != 1 {
		t.Errorf("lease calls = %d", len(fake.leaseTimes))
	}
}

func TestOnceModeRunsSingleCycle(t *testing.T) {
	installFakeCLI(t, `printf '{"reachable":true}'`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fake := newFakeControlPlane(cancel,
		jobLease(&job.Job{JobID: "job-1", RunID: "run-1", Kind: job.KindHostProbe, Attempt: 1}),
		// Script left over on purpose: once mode must not come back
		// for it.
		emptyLease(false),
	)
	r := newTestRunner(t, fake, func(config *Config) { config.Once = true })

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.leaseTimes) != 1 {
		t.Errorf("lease calls = %d, want exactly 1 in once mode", len(fake.leaseTimes))
	}
	if len(fake.completions) != 1 {
		t.Errorf("completions = %d", len(fake.completions))
	}
}

func TestJobHeartbeatTicksAndStops(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(90000, 0))
	fake := newFakeControlPlane(func() {})
	r := newTestRunner(t, fake, func(config *Config) { config.Clock = fakeClock })

	lease := job.Lease{LeaseID: "lease-1", TTL: 10 * time.Second}
	stop := r.startJobHeartbeat(context.Background(), "job-1", lease)

	// interval = ttl/2 = 5s
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(5 * time.Second)
	testutil.RequireReceive(t, fake.jobHeartbeats, time.Second, "first heartbeat")

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(5 * time.Second)
	testutil.RequireReceive(t, fake.jobHeartbeats, time.Second, "second heartbeat")

	stop()
	select {
	case jobID := <-fake.jobHeartbeats:
		t.Errorf("heartbeat for %s after stop", jobID)
	case <-time.After(50 * time.Millisecond):
	}
}
