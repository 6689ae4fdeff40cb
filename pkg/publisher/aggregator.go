// Package publisher advertises the node's serving capability to the
// backend: which models and versions can take traffic and how healthy
// they are. Pushes are snapshots, never deltas, so the backend can
// always rebuild its view from the latest one.
package publisher

import (
	"sort"
	"time"

	"github.com/visionworks/inferd/pkg/contract"
	"github.com/visionworks/inferd/pkg/registry"
	"github.com/visionworks/inferd/pkg/semver"
)

// VersionCapability describes one advertised version.
type VersionCapability struct {
	Version      string                `json:"version"`
	Health       registry.HealthStatus `json:"health"`
	InputKind    contract.InputKind    `json:"input_kind"`
	Events       []string              `json:"events"`
	Capabilities []string              `json:"capabilities,omitempty"`
}

// ModelCapability describes one model with its servable versions.
// UNHEALTHY versions are elided; a model with nothing servable is
// advertised as UNAVAILABLE so the backend stops routing to it.
type ModelCapability struct {
	ModelID     string               `json:"model_id"`
	DisplayName string               `json:"display_name,omitempty"`
	Health      registry.ModelHealth `json:"health"`
	Versions    []VersionCapability  `json:"versions"`
}

// Snapshot is one full capability push.
type Snapshot struct {
	NodeID    string            `json:"node_id"`
	Timestamp time.Time         `json:"timestamp"`
	Models    []ModelCapability `json:"models"`
}

// BuildSnapshot assembles the capability view from the registry. The
// result is deterministic: models sorted by ID, versions descending.
func BuildSnapshot(reg *registry.Registry, nodeID string) Snapshot {
	byModel := make(map[string][]registry.VersionRecord)
	for _, rec := range reg.Snapshot() {
		byModel[rec.Key.ModelID] = append(byModel[rec.Key.ModelID], rec)
	}

	snap := Snapshot{NodeID: nodeID, Timestamp: time.Now().UTC()}
	for modelID, records := range byModel {
		model := ModelCapability{
			ModelID: modelID,
			Health:  registry.DeriveModelHealth(records),
		}
		for _, rec := range records {
			if rec.State != registry.StateReady || rec.Health == registry.HealthUnhealthy {
				continue
			}
			if rec.Descriptor == nil {
				continue
			}
			if model.DisplayName == "" {
				model.DisplayName = rec.Descriptor.DisplayName
			}
			model.Versions = append(model.Versions, VersionCapability{
				Version:      rec.Key.Version,
				Health:       rec.Health,
				InputKind:    rec.Descriptor.Input.Kind,
				Events:       rec.Descriptor.Output.Events,
				Capabilities: rec.Descriptor.Capabilities,
			})
		}
		sort.Slice(model.Versions, func(i, j int) bool {
			a, errA := semver.Parse(model.Versions[i].Version)
			b, errB := semver.Parse(model.Versions[j].Version)
			if errA != nil || errB != nil {
				return model.Versions[i].Version > model.Versions[j].Version
			}
			return semver.Compare(a, b) > 0
		})
		snap.Models = append(snap.Models, model)
	}

	sort.Slice(snap.Models, func(i, j int) bool {
		return snap.Models[i].ModelID < snap.Models[j].ModelID
	})
	return snap
}
