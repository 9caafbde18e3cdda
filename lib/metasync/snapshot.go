// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package metasync

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/lib/controlplane"
)

// maxConfigFileSize bounds how large a discovered config file may be
// before it is skipped. Deployment configs are small; anything bigger
// is a data file that happens to share an extension.
const maxConfigFileSize = 4 * 1024 * 1024

// skippedDirs are never descended into during config discovery.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// Collector builds metadata snapshots for one runner.
type Collector struct {
	// RepoRoot is the deployment repository to scan for config files.
	RepoRoot string

	// RunnerID and Version identify the reporting runner.
	RunnerID string
	Version  string

	// KeyID is the public identifier of the runner's sealed-input
	// keypair, reported in the credential summary. Optional.
	KeyID string

	// Labels are operator-assigned key/value pairs forwarded verbatim.
	Labels map[string]string

	Logger *slog.Logger
}

// Collect builds a snapshot of the current host and repository state.
// The returned snapshot has its Fingerprint field populated.
func (c *Collector) Collect(now time.Time) (controlplane.MetadataSnapshot, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return controlplane.MetadataSnapshot{}, fmt.Errorf("reading hostname: %w", err)
	}

	files, err := c.discoverConfigFiles()
	if err != nil {
		return controlplane.MetadataSnapshot{}, err
	}
	hosts, gateways, wiring := c.loadManifest()

	var credentials []controlplane.CredentialInfo
	if c.KeyID != "" {
		credentials = append(credentials, controlplane.CredentialInfo{
			Name:  "sealed-input",
			Kind:  "x25519-keypair",
			KeyID: c.KeyID,
		})
	}

	snapshot := controlplane.MetadataSnapshot{
		RunnerID:     c.RunnerID,
		Hostname:     hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Version:      c.Version,
		ConfigFiles:  files,
		Hosts:        hosts,
		Gateways:     gateways,
		SecretWiring: wiring,
		Credentials:  credentials,
		Labels:       c.Labels,
		CollectedAt:  now,
	}
	fingerprint, err := Fingerprint(snapshot)
	if err != nil {
		return controlplane.MetadataSnapshot{}, err
	}
	snapshot.Fingerprint = fingerprint
	return snapshot, nil
}

// discoverConfigFiles walks the repository for deployment config
// files (json, jsonc, yaml), validates that each parses in its
// declared format, and hashes the raw content. Unparseable files are
// logged and skipped rather than failing the whole snapshot: a broken
// config should not silence metadata sync for the healthy rest.
func (c *Collector) discoverConfigFiles() ([]controlplane.ConfigFileInfo, error) {
	var files []controlplane.ConfigFileInfo

	err := filepath.WalkDir(c.RepoRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			name := entry.Name()
			if skippedDirs[name] || (strings.HasPrefix(name, ".") && path != c.RepoRoot) {
				return filepath.SkipDir
			}
			return nil
		}

		format, ok := configFormat(path)
		if !ok {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxConfigFileSize {
			c.Logger.Warn("skipping oversized config file", "path", path, "size", info.Size())
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := validateFormat(format, content); err != nil {
			c.Logger.Warn("skipping unparseable config file", "path", path, "format", format, "error", err)
			return nil
		}

		relative, err := filepath.Rel(c.RepoRoot, path)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(content)
		files = append(files, controlplane.ConfigFileInfo{
			Path:   filepath.ToSlash(relative),
			Format: format,
			Hash:   hex.EncodeToString(sum[:]),
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", c.RepoRoot, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func configFormat(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", true
	case ".jsonc":
		return "jsonc", true
	case ".yaml", ".yml":
		return "yaml", true
	default:
		return "", false
	}
}

func validateFormat(format string, content []byte) error {
	switch format {
	case "json":
		if !json.Valid(content) {
			return fmt.Errorf("invalid JSON")
		}
	case "jsonc":
		if !json.Valid(jsonc.ToJSON(content)) {
			return fmt.Errorf("invalid JSONC")
		}
	case "yaml":
		var value any
		if err := yaml.Unmarshal(content, &value); err != nil {
			return err
		}
	}
	return nil
}
