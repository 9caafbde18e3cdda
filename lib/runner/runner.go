// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deckhand-io/deckhand/lib/clock"
	"github.com/deckhand-io/deckhand/lib/controlplane"
	"github.com/deckhand-io/deckhand/lib/executor"
	"github.com/deckhand-io/deckhand/lib/job"
	"github.com/deckhand-io/deckhand/lib/metasync"
	"github.com/deckhand-io/deckhand/lib/sealedinput"
)

// ControlPlane is the client surface the loop needs. Satisfied by
// *controlplane.Client; tests substitute a fake.
type ControlPlane interface {
	LeaseNext(ctx context.Context, options controlplane.LeaseOptions) (*controlplane.LeaseResponse, error)
	HeartbeatJob(ctx context.Context, jobID, leaseID string, leaseTTL time.Duration) error
	CompleteJob(ctx context.Context, jobID string, report controlplane.CompletionReport) (bool, error)
	Heartbeat(ctx context.Context, heartbeat controlplane.RunnerHeartbeat) error
	AppendRunEvents(ctx context.Context, runID string, events []controlplane.RunEvent) error
	CloseIdleConnections()
}

// Config holds everything a Runner needs. Client, Executor, Keypair,
// Clock, and Logger are required; zero durations get defaults.
type Config struct {
	Client   ControlPlane
	Executor *executor.Executor
	Keypair  *sealedinput.Keypair

	// Syncer, when non-nil, runs as the metadata sync worker: kicked
	// after every completed job, flushed at shutdown.
	Syncer *metasync.Syncer

	Clock  clock.Clock
	Logger *slog.Logger

	ProjectID string
	RunnerID  string
	Version   string

	// PollInterval is the idle poll base delay; PollCeiling caps the
	// exponential growth.
	PollInterval time.Duration
	PollCeiling  time.Duration

	// LongPollWait is the server-side wait window requested on each
	// lease. Forced to zero in single-shot mode.
	LongPollWait time.Duration

	// LeaseTTL is the requested lease duration per job.
	LeaseTTL time.Duration

	// HeartbeatInterval is the global liveness cadence.
	HeartbeatInterval time.Duration

	// MaxAttempts caps how often the same job may be re-leased to
	// this runner before it is failed locally instead of executed.
	MaxAttempts int

	// Once runs a single lease/execute/complete cycle and exits.
	Once bool
}

const (
	defaultPollInterval      = 5 * time.Second
	defaultPollCeiling       = time.Minute
	defaultLongPollWait      = 20 * time.Second
	defaultLeaseTTL          = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxAttempts       = 3

	// shutdownGrace bounds the farewell heartbeat and metadata flush
	// so a dead control plane cannot hold the process open.
	shutdownGrace = 5 * time.Second

	// completionTimeout bounds the terminal report. The job's context
	// is detached from loop cancellation, so this is the only limit on
	// how long a completed job can wait for its acknowledgement.
	completionTimeout = 30 * time.Second
)

// Runner executes the lease loop. Create with New, drive with Run.
type Runner struct {
	config Config
	logger *slog.Logger

	// jitter is the backoff jitter source; tests pin it.
	jitter func() float64
}

// New validates the configuration and applies defaults.
func New(config Config) (*Runner, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("runner: Client is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("runner: Executor is required")
	}
	if config.Keypair == nil {
		return nil, fmt.Errorf("runner: Keypair is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("runner: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("runner: Logger is required")
	}
	if config.ProjectID == "" || config.RunnerID == "" {
		return nil, fmt.Errorf("runner: ProjectID and RunnerID are required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.PollCeiling <= 0 {
		config.PollCeiling = defaultPollCeiling
	}
	if config.PollCeiling < config.PollInterval {
		config.PollCeiling = config.PollInterval
	}
	if config.LongPollWait < 0 {
		config.LongPollWait = defaultLongPollWait
	}
	if config.LongPollWait == 0 && !config.Once {
		config.LongPollWait = defaultLongPollWait
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaultLeaseTTL
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	return &Runner{
		config: config,
		logger: config.Logger,
		jitter: jitterFactor,
	}, nil
}

// capabilities advertises the runner's sealed-input key and the job
// kinds this build can execute.
func (r *Runner) capabilities() *controlplane.Capabilities {
	return &controlplane.Capabilities{
		SupportsSealedInput: true,
		SealedInputAlg:      r.config.Keypair.Alg,
		PublicKeySPKIB64:    r.config.Keypair.PublicKeySPKIB64,
		KeyID:               r.config.Keypair.KeyID,
		JobKinds:            job.Kinds(),
	}
}

// Run drives the lease loop until ctx is cancelled, an auth or
// permanent control-plane error stops it, or (in single-shot mode)
// one cycle finishes. The in-flight job always runs to completion;
// cancellation is only observed between iterations.
func (r *Runner) Run(ctx context.Context) error {
	r.sendHeartbeat(ctx, "online")

	background, stopBackground := context.WithCancel(ctx)
	var workers sync.WaitGroup

	workers.Add(1)
	go func() {
		defer workers.Done()
		r.livenessLoop(background)
	}()
	if r.config.Syncer != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			r.config.Syncer.Run(background)
		}()
		r.config.Syncer.Kick()
	}

	loopErr := r.leaseLoop(ctx)

	stopBackground()
	workers.Wait()
	r.shutdown()
	return loopErr
}

// leaseLoop is the cooperative main loop.
func (r *Runner) leaseLoop(ctx context.Context) error {
	var errorStreak, emptyStreak int

	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := r.config.LongPollWait
		if r.config.Once {
			wait = 0
		}
		response, err := r.config.Client.LeaseNext(ctx, controlplane.LeaseOptions{
			LeaseTTL: r.config.LeaseTTL,
			Wait:     wait,
			WaitPoll: 500 * time.Millisecond,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch class := controlplane.Classify(err); class {
			case controlplane.ClassRetryable:
				delay := computeBackoff(r.config.PollInterval, r.config.PollCeiling, errorStreak, r.jitter())
				r.logger.Warn("lease request failed, backing off",
					"error", err, "streak", errorStreak, "delay", delay)
				errorStreak++
				r.config.Client.CloseIdleConnections()
				r.config.Clock.Sleep(delay)
				continue
			default:
				// Auth or permanent: fail closed instead of
				// hot-looping against a broken credential or an
				// incompatible server.
				r.logger.Error("lease request failed terminally, stopping",
					"error", err, "class", class.String())
				return fmt.Errorf("leasing next job: %w", err)
			}
		}
		errorStreak = 0

		if response.Job == nil {
			if r.config.Once {
				return nil
			}
			if !response.WaitApplied {
				delay := computeBackoff(r.config.PollInterval, r.config.PollCeiling, emptyStreak, r.jitter())
				emptyStreak++
				r.config.Clock.Sleep(delay)
			}
			continue
		}
		emptyStreak = 0

		if err := r.runJob(ctx, response.Job, response.Lease()); err != nil {
			return err
		}
		if r.config.Syncer != nil {
			r.config.Syncer.Kick()
		}
		if r.config.Once {
			return nil
		}

		// A server that just woke us from an honored wait likely has
		// more work queued; still take one base-interval breath so an
		// empty requeue race cannot become a tight loop.
		if response.WaitApplied {
			r.config.Clock.Sleep(r.config.PollInterval)
		}
	}
}

// runJob executes one leased job to acknowledged completion. The
// returned error is non-nil only for terminal loop conditions
// (auth/permanent completion-report failures); per-job failures are
// reported upstream and absorbed.
func (r *Runner) runJob(ctx context.Context, leased *job.Job, lease job.Lease) error {
	logger := r.logger.With("job_id", leased.JobID, "kind", leased.Kind, "attempt", leased.Attempt)
	logger.Info("job leased", "lease_id", lease.LeaseID, "lease_ttl", lease.TTL)

	if lease.TTL <= 0 {
		lease.TTL = r.config.LeaseTTL
	}

	// A termination signal must not reach the subprocess, the lease
	// heartbeat, or the terminal report: once leased, the job runs to
	// completion and its outcome is always reported. The loop observes
	// cancellation only between iterations.
	jobCtx := context.WithoutCancel(ctx)

	var outcome job.Outcome
	started := r.config.Clock.Now()
	validationErr := leased.Validate()
	switch {
	case validationErr != nil:
		logger.Error("job descriptor rejected", "error", validationErr)
		outcome = job.Outcome{
			Terminal:     job.TerminalFailed,
			ErrorMessage: fmt.Sprintf("job rejected by runner: %v", validationErr),
		}
	case leased.Attempt > r.config.MaxAttempts:
		logger.Error("attempt cap exceeded", "max_attempts", r.config.MaxAttempts)
		outcome = job.Outcome{
			Terminal: job.TerminalFailed,
			ErrorMessage: fmt.Sprintf("attempt %d exceeds the runner's cap of %d",
				leased.Attempt, r.config.MaxAttempts),
		}
	default:
		stopHeartbeat := r.startJobHeartbeat(jobCtx, leased.JobID, lease)
		outcome = r.config.Executor.Execute(jobCtx, r.config.ProjectID, leased, r.config.Keypair)
		stopHeartbeat()
	}
	duration := r.config.Clock.Now().Sub(started)

	logger.Info("job finished", "terminal", outcome.Terminal, "duration", duration)
	r.appendRunEvents(jobCtx, leased.RunID, outcome)
	return r.reportCompletion(jobCtx, leased, lease, outcome, duration)
}

// startJobHeartbeat renews the lease on a ticker for the job's
// duration. Heartbeat failures are logged and ignored: only actual
// lease expiry — the queue's side of the contract — invalidates the
// attempt, and that surfaces as ok=false on the completion report.
func (r *Runner) startJobHeartbeat(ctx context.Context, jobID string, lease job.Lease) (stop func()) {
	heartbeatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := r.config.Clock.NewTicker(heartbeatInterval(lease.TTL))
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
			}
			err := r.config.Client.HeartbeatJob(heartbeatCtx, jobID, lease.LeaseID, lease.TTL)
			if err != nil && heartbeatCtx.Err() == nil {
				r.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// reportCompletion sends the terminal report, bounded by
// completionTimeout. Retryable failures are absorbed (the queue's
// lease expiry will reassign the job); auth and permanent failures
// stop the loop.
func (r *Runner) reportCompletion(ctx context.Context, leased *job.Job, lease job.Lease, outcome job.Outcome, duration time.Duration) error {
	report := controlplane.CompletionReport{
		LeaseID:        lease.LeaseID,
		Status:         outcome.Terminal,
		Attempt:        leased.Attempt,
		DurationMs:     duration.Milliseconds(),
		ErrorMessage:   outcome.ErrorMessage,
		RedactedOutput: outcome.RedactedOutput,
	}
	if outcome.CommandResultJSON != "" {
		report.CommandResultJSON = json.RawMessage(outcome.CommandResultJSON)
	}
	if outcome.CommandResultLargeJSON != "" {
		report.CommandResultLargeJSON = json.RawMessage(outcome.CommandResultLargeJSON)
	}

	reportCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()
	ok, err := r.config.Client.CompleteJob(reportCtx, leased.JobID, report)
	if err != nil {
		class := controlplane.Classify(err)
		if class == controlplane.ClassRetryable {
			// The job is presumed lost; the queue reassigns it when
			// the lease expires.
			r.logger.Warn("completion report failed, job presumed lost",
				"job_id", leased.JobID, "error", err)
			r.config.Client.CloseIdleConnections()
			return nil
		}
		r.logger.Error("completion report failed terminally, stopping",
			"job_id", leased.JobID, "error", err, "class", class.String())
		return fmt.Errorf("reporting completion for %s: %w", leased.JobID, err)
	}
	if !ok {
		r.logger.Warn("completion discarded, lease was reassigned", "job_id", leased.JobID)
	}
	return nil
}

// appendRunEvents forwards a terse outcome event to the run's log.
// Pure telemetry: failures are logged locally and swallowed.
func (r *Runner) appendRunEvents(ctx context.Context, runID string, outcome job.Outcome) {
	if runID == "" {
		return
	}
	level, message := "info", "job succeeded"
	if outcome.Terminal == job.TerminalFailed {
		level, message = "error", "job failed: "+outcome.ErrorMessage
	}
	events := []controlplane.RunEvent{{
		Timestamp: r.config.Clock.Now(),
		Level:     level,
		Message:   message,
	}}
	if err := r.config.Client.AppendRunEvents(ctx, runID, events); err != nil && ctx.Err() == nil {
		r.logger.Warn("run event append failed", "run_id", runID, "error", err)
	}
}

// livenessLoop posts periodic online heartbeats until cancelled.
func (r *Runner) livenessLoop(ctx context.Context) {
	ticker := r.config.Clock.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.sendHeartbeat(ctx, "online")
	}
}

func (r *Runner) sendHeartbeat(ctx context.Context, status string) {
	heartbeat := controlplane.RunnerHeartbeat{
		RunnerID:     r.config.RunnerID,
		Status:       status,
		Version:      r.config.Version,
		Capabilities: r.capabilities(),
	}
	if err := r.config.Client.Heartbeat(ctx, heartbeat); err != nil && ctx.Err() == nil {
		r.logger.Warn("runner heartbeat failed", "status", status, "error", err)
	}
}

// shutdown flushes metadata and says goodbye, each bounded so a dead
// control plane cannot hold the process open. Uses a fresh context:
// the loop's context is already cancelled by the time we get here.
func (r *Runner) shutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if r.config.Syncer != nil {
		if err := r.config.Syncer.Flush(graceCtx); err != nil {
			r.logger.Warn("final metadata flush failed", "error", err)
		}
	}
	r.sendHeartbeat(graceCtx, "offline")
	r.logger.Info("runner stopped")
}
