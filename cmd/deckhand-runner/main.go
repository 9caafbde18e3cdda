// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

// Deckhand-runner is the fleet-side agent of the Deckhand control
// plane. It polls the control plane for deployment jobs targeted at
// this runner, unseals encrypted secret payloads with its own
// keypair, materializes them as owner-only temp files, shells out to
// the allowlisted Deckhand CLI command for the job's kind, and
// reports the scrubbed terminal outcome.
//
// On startup:
//  1. Loads (or creates on first run) the sealed-input keypair for
//     this project/runner pair.
//  2. Sweeps the runtime directory for secret files orphaned by a
//     prior crash.
//  3. Announces itself online, advertising its public key and the job
//     kinds this build supports.
//  4. Enters the lease loop: one job in flight at a time, idle
//     polling paced by exponential backoff with jitter.
//
// The process exits non-zero only on startup misconfiguration.
// Steady-state job failures surface through the control plane's job
// records; the runner keeps running.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/deckhand-io/deckhand/lib/clock"
	"github.com/deckhand-io/deckhand/lib/controlplane"
	"github.com/deckhand-io/deckhand/lib/executor"
	"github.com/deckhand-io/deckhand/lib/metasync"
	"github.com/deckhand-io/deckhand/lib/runner"
	"github.com/deckhand-io/deckhand/lib/sealedinput"
	"github.com/deckhand-io/deckhand/lib/secret"
	"github.com/deckhand-io/deckhand/lib/secretfile"
	"github.com/deckhand-io/deckhand/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		projectID         string
		token             string
		tokenFile         string
		runnerName        string
		repoRoot          string
		runtimeDir        string
		archiveDir        string
		controlPlaneURL   string
		envFile           string
		logLevel          string
		logFile           string
		pollInterval      time.Duration
		pollCeiling       time.Duration
		longPollWait      time.Duration
		leaseTTL          time.Duration
		heartbeatInterval time.Duration
		metadataMaxAge    time.Duration
		maxAttempts       int
		labels            map[string]string
		once              bool
		showVersion       bool
	)

	pflag.StringVar(&projectID, "project-id", "", "control-plane project this runner serves (required)")
	pflag.StringVar(&token, "token", "", "bearer token for the control plane (prefer --token-file or DECKHAND_TOKEN)")
	pflag.StringVar(&tokenFile, "token-file", "", "file containing the bearer token")
	pflag.StringVar(&runnerName, "runner-name", "", "name this runner registers under (default: hostname)")
	pflag.StringVar(&repoRoot, "repo-root", ".", "deployment repository the CLI runs in")
	pflag.StringVar(&runtimeDir, "runtime-dir", "/var/lib/deckhand", "directory for the keypair and transient secret files")
	pflag.StringVar(&archiveDir, "archive-dir", "", "directory for local zstd job-output archives (empty disables)")
	pflag.StringVar(&controlPlaneURL, "control-plane-url", "http://localhost:8080", "control-plane base URL")
	pflag.StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment before anything else")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.StringVar(&logFile, "log-file", "", "log destination (default: stderr)")
	pflag.DurationVar(&pollInterval, "poll-interval", 5*time.Second, "idle poll base delay")
	pflag.DurationVar(&pollCeiling, "poll-ceiling", time.Minute, "idle poll backoff ceiling")
	pflag.DurationVar(&longPollWait, "long-poll-wait", 20*time.Second, "server-side wait window per lease request")
	pflag.DurationVar(&leaseTTL, "lease-ttl", 30*time.Second, "requested lease duration per job")
	pflag.DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "liveness heartbeat cadence")
	pflag.DurationVar(&metadataMaxAge, "metadata-max-age", 15*time.Minute, "re-sync metadata after this long even when unchanged")
	pflag.IntVar(&maxAttempts, "max-attempts", 3, "local cap on re-lease attempts per job")
	pflag.StringToStringVar(&labels, "label", nil, "metadata label as key=value (repeatable)")
	pflag.BoolVar(&once, "once", false, "run a single lease/execute/complete cycle and exit")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("deckhand-runner %s\n", version.Info())
		return nil
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	if projectID == "" {
		return fmt.Errorf("--project-id is required")
	}
	bearerToken, err := resolveToken(token, tokenFile)
	if err != nil {
		return err
	}
	defer bearerToken.Close()

	if runnerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("deriving runner name from hostname: %w", err)
		}
		runnerName = hostname
	}

	logger, cleanup, err := buildLogger(logLevel, logFile)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return fmt.Errorf("resolving repo root: %w", err)
	}
	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	if archiveDir != "" {
		if err := os.MkdirAll(archiveDir, 0o700); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keypair, err := sealedinput.LoadOrCreateKeypair(
		sealedinput.KeypairPath(runtimeDir, projectID, runnerName))
	if err != nil {
		return fmt.Errorf("loading sealed-input keypair: %w", err)
	}
	logger.Info("sealed-input keypair ready", "key_id", keypair.KeyID, "alg", keypair.Alg)

	if swept := secretfile.SweepOrphans(runtimeDir, logger, time.Now()); swept > 0 {
		logger.Warn("swept orphaned secret files from a prior crash", "count", swept)
	}

	client, err := controlplane.NewClient(controlplane.ClientConfig{
		BaseURL:   controlPlaneURL,
		ProjectID: projectID,
		RunnerID:  runnerName,
		Token:     bearerToken,
		// The long poll holds the request open server-side; give the
		// transport room beyond it.
		HTTPClient: &http.Client{Timeout: longPollWait + 30*time.Second},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	agent, err := runner.New(runner.Config{
		Client: client,
		Executor: &executor.Executor{
			RepoRoot:   repoRoot,
			SecretDir:  runtimeDir,
			ArchiveDir: archiveDir,
			Logger:     logger,
		},
		Keypair: keypair,
		Syncer: &metasync.Syncer{
			Collector: &metasync.Collector{
				RepoRoot: repoRoot,
				RunnerID: runnerName,
				Version:  version.Info(),
				KeyID:    keypair.KeyID,
				Labels:   labels,
				Logger:   logger,
			},
			Uploader: client,
			Clock:    clock.Real(),
			Logger:   logger,
			MaxAge:   metadataMaxAge,
		},
		Clock:             clock.Real(),
		Logger:            logger,
		ProjectID:         projectID,
		RunnerID:          runnerName,
		Version:           version.Info(),
		PollInterval:      pollInterval,
		PollCeiling:       pollCeiling,
		LongPollWait:      longPollWait,
		LeaseTTL:          leaseTTL,
		HeartbeatInterval: heartbeatInterval,
		MaxAttempts:       maxAttempts,
		Once:              once,
	})
	if err != nil {
		return err
	}

	logger.Info("deckhand-runner starting",
		"version", version.Info(),
		"project_id", projectID,
		"runner_name", runnerName,
		"repo_root", repoRoot,
		"once", once)

	// A loop-stopping control-plane error is an operational
	// condition, not a startup misconfiguration: log it and exit
	// cleanly so a supervisor restart policy decides what happens
	// next.
	if err := agent.Run(ctx); err != nil {
		logger.Error("runner stopped on terminal control-plane error", "error", err)
	}
	return nil
}

// resolveToken loads the bearer token from, in order of preference,
// --token-file, --token, or the DECKHAND_TOKEN environment variable,
// into locked memory.
func resolveToken(token, tokenFile string) (*secret.Buffer, error) {
	if tokenFile != "" {
		content, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		trimmed := []byte(strings.TrimSpace(string(content)))
		return secret.NewFromBytes(trimmed)
	}
	if token == "" {
		token = os.Getenv("DECKHAND_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("a bearer token is required: pass --token, --token-file, or set DECKHAND_TOKEN")
	}
	return secret.NewFromString(token)
}

// buildLogger constructs the JSON logger. The returned cleanup closes
// the log file, if any.
func buildLogger(level, file string) (*slog.Logger, func(), error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", level)
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		handle, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		output = handle
		cleanup = func() { handle.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: slogLevel}))
	return logger, cleanup, nil
}
