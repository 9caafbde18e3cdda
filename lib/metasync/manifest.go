// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package metasync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/lib/controlplane"
)

// manifestNames are the project manifest filenames probed at the
// repository root, in preference order.
var manifestNames = []string{
	"deckhand.json",
	"deckhand.jsonc",
	"deckhand.yaml",
	"deckhand.yml",
}

// projectManifest is the subset of the project manifest the runner
// reports upstream: the declared fleet topology and secret wiring.
// Unknown fields are ignored so manifest evolution does not break
// older runners.
type projectManifest struct {
	Hosts []struct {
		ID      string `json:"id" yaml:"id"`
		Name    string `json:"name" yaml:"name"`
		Address string `json:"address" yaml:"address"`
	} `json:"hosts" yaml:"hosts"`
	Gateways []struct {
		ID   string `json:"id" yaml:"id"`
		Host string `json:"host" yaml:"host"`
		Kind string `json:"kind" yaml:"kind"`
	} `json:"gateways" yaml:"gateways"`
	SecretWiring []struct {
		Gateway string `json:"gateway" yaml:"gateway"`
		Secret  string `json:"secret" yaml:"secret"`
	} `json:"secretWiring" yaml:"secretWiring"`
}

// loadManifest reads the project manifest at the repository root, if
// one exists. A missing manifest is not an error: the snapshot simply
// carries no topology. A present but unparseable manifest is logged
// and treated as absent so a broken edit does not silence metadata
// sync entirely.
func (c *Collector) loadManifest() ([]controlplane.HostInfo, []controlplane.GatewayInfo, []controlplane.SecretWiringInfo) {
	for _, name := range manifestNames {
		path := filepath.Join(c.RepoRoot, name)
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			c.Logger.Warn("reading project manifest", "path", path, "error", err)
			return nil, nil, nil
		}

		manifest, err := parseManifest(name, content)
		if err != nil {
			c.Logger.Warn("skipping unparseable project manifest", "path", path, "error", err)
			return nil, nil, nil
		}

		hosts := make([]controlplane.HostInfo, 0, len(manifest.Hosts))
		for _, host := range manifest.Hosts {
			hosts = append(hosts, controlplane.HostInfo{
				ID:      host.ID,
				Name:    host.Name,
				Address: host.Address,
			})
		}
		gateways := make([]controlplane.GatewayInfo, 0, len(manifest.Gateways))
		for _, gateway := range manifest.Gateways {
			gateways = append(gateways, controlplane.GatewayInfo{
				ID:     gateway.ID,
				HostID: gateway.Host,
				Kind:   gateway.Kind,
			})
		}
		wiring := make([]controlplane.SecretWiringInfo, 0, len(manifest.SecretWiring))
		for _, entry := range manifest.SecretWiring {
			wiring = append(wiring, controlplane.SecretWiringInfo{
				GatewayID:  entry.Gateway,
				SecretName: entry.Secret,
			})
		}
		return hosts, gateways, wiring
	}
	return nil, nil, nil
}

func parseManifest(name string, content []byte) (projectManifest, error) {
	var manifest projectManifest
	switch filepath.Ext(name) {
	case ".json":
		if err := json.Unmarshal(content, &manifest); err != nil {
			return projectManifest{}, fmt.Errorf("parsing manifest: %w", err)
		}
	case ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(content), &manifest); err != nil {
			return projectManifest{}, fmt.Errorf("parsing manifest: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &manifest); err != nil {
			return projectManifest{}, fmt.Errorf("parsing manifest: %w", err)
		}
	}
	return manifest, nil
}
