// Copyright 2026 The Deckhand Authors
// SPDX-License-Identifier: Apache-2.0

package sealedinput

import "fmt"

// JobAAD derives the AAD string binding a sealed envelope to one job.
// The sealer and the unsealer must produce byte-identical strings, so
// the derivation is fixed: four fields joined by colons, in this
// order, no escaping. Job IDs, kinds, and runner IDs never contain
// colons (they are validated at the control-plane boundary).
func JobAAD(projectID, jobID, kind, targetRunnerID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", projectID, jobID, kind, targetRunnerID)
}

// SetupDraftAAD derives the AAD string for one section of a
// multi-section host setup draft. The "setup-draft." prefix on the
// section keeps draft AADs disjoint from job AADs (job kinds never
// contain a dot).
func SetupDraftAAD(projectID, hostID, section, runnerID string) string {
	return fmt.Sprintf("%s:%s:setup-draft.%s:%s", projectID, hostID, section, runnerID)
}
