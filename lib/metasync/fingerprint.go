// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package metasync

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/deckhand-io/deckhand/lib/controlplane"
)

// fingerprintEncoder is a deterministic CBOR encoder: canonical map
// key ordering, no floating-point shenanigans, stable struct field
// order. Built once; EncMode is immutable and safe for concurrent use.
var fingerprintEncoder cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building canonical CBOR encoder: %v", err))
	}
	fingerprintEncoder = mode
}

// fingerprintView is the subset of a snapshot that participates in
// change detection. CollectedAt is volatile and Fingerprint is the
// output, so neither appears here.
type fingerprintView struct {
	RunnerID     string                          `cbor:"1,keyasint"`
	Hostname     string                          `cbor:"2,keyasint"`
	OS           string                          `cbor:"3,keyasint"`
	Arch         string                          `cbor:"4,keyasint"`
	Version      string                          `cbor:"5,keyasint"`
	ConfigFiles  []controlplane.ConfigFileInfo   `cbor:"6,keyasint"`
	Labels       map[string]string               `cbor:"7,keyasint"`
	Hosts        []controlplane.HostInfo         `cbor:"8,keyasint"`
	Gateways     []controlplane.GatewayInfo      `cbor:"9,keyasint"`
	SecretWiring []controlplane.SecretWiringInfo `cbor:"10,keyasint"`
	Credentials  []controlplane.CredentialInfo   `cbor:"11,keyasint"`
}

func sorted[T any](items []T, less func(a, b T) bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Fingerprint computes the order-insensitive content fingerprint of a
// snapshot: hex BLAKE3 over the canonical CBOR encoding of the
// normalized view. Every list-valued field is sorted first, so
// reordering-only changes never produce a new fingerprint.
func Fingerprint(snapshot controlplane.MetadataSnapshot) (string, error) {
	encoded, err := fingerprintEncoder.Marshal(fingerprintView{
		RunnerID: snapshot.RunnerID,
		Hostname: snapshot.Hostname,
		OS:       snapshot.OS,
		Arch:     snapshot.Arch,
		Version:  snapshot.Version,
		ConfigFiles: sorted(snapshot.ConfigFiles, func(a, b controlplane.ConfigFileInfo) bool {
			return a.Path < b.Path
		}),
		Labels: snapshot.Labels,
		Hosts: sorted(snapshot.Hosts, func(a, b controlplane.HostInfo) bool {
			return a.ID < b.ID
		}),
		Gateways: sorted(snapshot.Gateways, func(a, b controlplane.GatewayInfo) bool {
			return a.ID < b.ID
		}),
		SecretWiring: sorted(snapshot.SecretWiring, func(a, b controlplane.SecretWiringInfo) bool {
			if a.GatewayID != b.GatewayID {
				return a.GatewayID < b.GatewayID
			}
			return a.SecretName < b.SecretName
		}),
		Credentials: sorted(snapshot.Credentials, func(a, b controlplane.CredentialInfo) bool {
			return a.Name < b.Name
		}),
	})
	if err != nil {
		return "", fmt.Errorf("encoding snapshot for fingerprint: %w", err)
	}

	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
