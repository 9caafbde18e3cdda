// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package metasync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deckhand-io/deckhand/lib/clock"
	"github.com/deckhand-io/deckhand/lib/controlplane"
)

func TestFingerprintIgnoresDiscoveryOrder(t *testing.T) {
	fileA := controlplane.ConfigFileInfo{Path: "a.yaml", Format: "yaml", Hash: "h1", Size: 10}
	fileB := controlplane.ConfigFileInfo{Path: "b.json", Format: "json", Hash: "h2", Size: 20}

	base := controlplane.MetadataSnapshot{
		RunnerID: "runner-1",
		Hostname: "host-1",
		OS:       "linux",
		Arch:     "amd64",
		Labels:   map[string]string{"zone": "eu-1", "tier": "prod"},
	}

	forward := base
	forward.ConfigFiles = []controlplane.ConfigFileInfo{fileA, fileB}
	reversed := base
	reversed.ConfigFiles = []controlplane.ConfigFileInfo{fileB, fileA}

	first, err := Fingerprint(forward)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	second, err := Fingerprint(reversed)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Errorf("fingerprint depends on file order: %s != %s", first, second)
	}
}

func TestFingerprintIgnoresTopologyOrder(t *testing.T) {
	forward := controlplane.MetadataSnapshot{
		RunnerID: "runner-1",
		Hosts: []controlplane.HostInfo{
			{ID: "host-a", Address: "10.0.0.1"},
			{ID: "host-b", Address: "10.0.0.2"},
		},
		Gateways: []controlplane.GatewayInfo{
			{ID: "gw-1", HostID: "host-a", Kind: "chat"},
			{ID: "gw-2", HostID: "host-b", Kind: "agent"},
		},
		SecretWiring: []controlplane.SecretWiringInfo{
			{GatewayID: "gw-1", SecretName: "API_TOKEN"},
			{GatewayID: "gw-1", SecretName: "DB_URL"},
			{GatewayID: "gw-2", SecretName: "API_TOKEN"},
		},
		Credentials: []controlplane.CredentialInfo{
			{Name: "sealed-input", Kind: "x25519-keypair", KeyID: "abc123"},
		},
	}

	reversed := forward
	reversed.Hosts = []controlplane.HostInfo{forward.Hosts[1], forward.Hosts[0]}
	reversed.Gateways = []controlplane.GatewayInfo{forward.Gateways[1], forward.Gateways[0]}
	reversed.SecretWiring = []controlplane.SecretWiringInfo{
		forward.SecretWiring[2], forward.SecretWiring[0], forward.SecretWiring[1],
	}

	first, err := Fingerprint(forward)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	second, err := Fingerprint(reversed)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Errorf("fingerprint depends on topology order: %s != %s", first, second)
	}

	changed := forward
	changed.SecretWiring = forward.SecretWiring[:2]
	third, err := Fingerprint(changed)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if third == first {
		t.Error("dropped wiring entry did not move the fingerprint")
	}
}

func TestFingerprintDetectsContentChange(t *testing.T) {
	snapshot := controlplane.MetadataSnapshot{
		RunnerID:    "runner-1",
		ConfigFiles: []controlplane.ConfigFileInfo{{Path: "a.yaml", Hash: "h1"}},
	}
	before, err := Fingerprint(snapshot)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	snapshot.ConfigFiles[0].Hash = "h2"
	after, err := Fingerprint(snapshot)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if before == after {
		t.Error("hash change did not move the fingerprint")
	}
}

func TestFingerprintExcludesCollectionTime(t *testing.T) {
	snapshot := controlplane.MetadataSnapshot{RunnerID: "runner-1"}
	snapshot.CollectedAt = time.Unix(1000, 0)
	first, _ := Fingerprint(snapshot)
	snapshot.CollectedAt = time.Unix(2000, 0)
	second, _ := Fingerprint(snapshot)
	if first != second {
		t.Error("collection time leaked into the fingerprint")
	}
}

func TestShouldSync(t *testing.T) {
	now := time.Unix(10000, 0)
	tests := []struct {
		name     string
		current  string
		last     string
		lastSync time.Time
		maxAge   time.Duration
		want     bool
	}{
		{"firstSync", "f1", "", time.Time{}, time.Hour, true},
		{"changed", "f2", "f1", now.Add(-time.Minute), time.Hour, true},
		{"unchangedFresh", "f1", "f1", now.Add(-time.Minute), time.Hour, false},
		{"unchangedStale", "f1", "f1", now.Add(-2 * time.Hour), time.Hour, true},
		{"unchangedNoMaxAge", "f1", "f1", now.Add(-100 * time.Hour), 0, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := ShouldSync(test.current, test.last, test.lastSync, now, test.maxAge)
			if got != test.want {
				t.Errorf("ShouldSync = %v, want %v", got, test.want)
			}
		})
	}
}

func TestCollectDiscoversAndValidatesConfigs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploy.yaml", "gateway: gw-1\n")
	writeFile(t, root, "settings.jsonc", "{\n  // comment\n  \"a\": 1\n}\n")
	writeFile(t, root, "broken.json", "{not json")
	writeFile(t, root, "notes.txt", "ignored entirely")
	writeFile(t, root, filepath.Join(".git", "config.json"), `{"hidden":true}`)

	collector := &Collector{
		RepoRoot: root,
		RunnerID: "runner-1",
		Version:  "1.0.0",
		Logger:   slog.New(slog.DiscardHandler),
	}
	snapshot, err := collector.Collect(time.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(snapshot.ConfigFiles) != 2 {
		t.Fatalf("config files = %+v, want deploy.yaml and settings.jsonc", snapshot.ConfigFiles)
	}
	if snapshot.ConfigFiles[0].Path != "deploy.yaml" || snapshot.ConfigFiles[0].Format != "yaml" {
		t.Errorf("first file = %+v", snapshot.ConfigFiles[0])
	}
	if snapshot.ConfigFiles[1].Path != "settings.jsonc" || snapshot.ConfigFiles[1].Format != "jsonc" {
		t.Errorf("second file = %+v", snapshot.ConfigFiles[1])
	}
	if snapshot.Fingerprint == "" {
		t.Error("fingerprint not populated")
	}
	if snapshot.ConfigFiles[0].Hash == snapshot.ConfigFiles[1].Hash {
		t.Error("distinct contents share a hash")
	}
}

func TestCollectReadsProjectManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deckhand.jsonc", `{
  // fleet topology
  "hosts": [
    {"id": "host-a", "name": "primary", "address": "10.0.0.1"},
    {"id": "host-b", "address": "10.0.0.2"}
  ],
  "gateways": [
    {"id": "gw-1", "host": "host-a", "kind": "chat"}
  ],
  "secretWiring": [
    {"gateway": "gw-1", "secret": "API_TOKEN"}
  ]
}
`)

	collector := &Collector{
		RepoRoot: root,
		RunnerID: "runner-1",
		KeyID:    "abc123",
		Logger:   slog.New(slog.DiscardHandler),
	}
	snapshot, err := collector.Collect(time.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(snapshot.Hosts) != 2 || snapshot.Hosts[0].ID != "host-a" || snapshot.Hosts[0].Name != "primary" {
		t.Errorf("hosts = %+v", snapshot.Hosts)
	}
	if len(snapshot.Gateways) != 1 || snapshot.Gateways[0].HostID != "host-a" {
		t.Errorf("gateways = %+v", snapshot.Gateways)
	}
	if len(snapshot.SecretWiring) != 1 || snapshot.SecretWiring[0].SecretName != "API_TOKEN" {
		t.Errorf("secret wiring = %+v", snapshot.SecretWiring)
	}
	if len(snapshot.Credentials) != 1 || snapshot.Credentials[0].KeyID != "abc123" {
		t.Errorf("credentials = %+v", snapshot.Credentials)
	}
}

func TestCollectToleratesBrokenManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deckhand.yaml", "hosts: [unclosed\n")

	collector := &Collector{
		RepoRoot: root,
		RunnerID: "runner-1",
		Logger:   slog.New(slog.DiscardHandler),
	}
	snapshot, err := collector.Collect(time.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(snapshot.Hosts) != 0 || len(snapshot.Gateways) != 0 {
		t.Errorf("broken manifest produced topology: %+v", snapshot)
	}
}

type countingUploader struct {
	calls     int
	snapshots []controlplane.MetadataSnapshot
}

func (u *countingUploader) SyncMetadata(_ context.Context, snapshot controlplane.MetadataSnapshot) error {
	u.calls++
	u.snapshots = append(u.snapshots, snapshot)
	return nil
}

func TestSyncNowDeduplicates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploy.yaml", "gateway: gw-1\n")

	uploader := &countingUploader{}
	syncer := &Syncer{
		Collector: &Collector{RepoRoot: root, RunnerID: "runner-1", Logger: slog.New(slog.DiscardHandler)},
		Uploader:  uploader,
		Clock:     clock.Fake(time.Unix(50000, 0)),
		Logger:    slog.New(slog.DiscardHandler),
		MaxAge:    time.Hour,
	}

	for i := 0; i < 3; i++ {
		if err := syncer.SyncNow(context.Background()); err != nil {
			t.Fatalf("SyncNow %d: %v", i, err)
		}
	}
	if uploader.calls != 1 {
		t.Fatalf("uploads = %d, want 1 for unchanged snapshot", uploader.calls)
	}

	// Changing a config file moves the fingerprint and forces an
	// upload on the next sync.
	writeFile(t, root, "deploy.yaml", "gateway: gw-2\n")
	if err := syncer.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow after change: %v", err)
	}
	if uploader.calls != 2 {
		t.Fatalf("uploads = %d, want 2 after content change", uploader.calls)
	}
	if uploader.snapshots[0].Fingerprint == uploader.snapshots[1].Fingerprint {
		t.Error("changed snapshot kept the same fingerprint")
	}
}

func TestSyncNowHonorsMaxAge(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploy.yaml", "gateway: gw-1\n")

	fakeClock := clock.Fake(time.Unix(50000, 0))
	uploader := &countingUploader{}
	syncer := &Syncer{
		Collector: &Collector{RepoRoot: root, RunnerID: "runner-1", Logger: slog.New(slog.DiscardHandler)},
		Uploader:  uploader,
		Clock:     fakeClock,
		Logger:    slog.New(slog.DiscardHandler),
		MaxAge:    time.Hour,
	}

	if err := syncer.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	fakeClock.Advance(2 * time.Hour)
	if err := syncer.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow after age: %v", err)
	}
	if uploader.calls != 2 {
		t.Fatalf("uploads = %d, want age-forced re-upload", uploader.calls)
	}
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
