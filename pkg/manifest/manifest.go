// Package manifest defines the governance dependency/constraint manifest:
// the declaration of which artifacts must be present and intact before each
// pipeline stage may run. A manifest is immutable once loaded and carries a
// semantic version so upgrades are explicit.
package manifest

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
)

// Dependency declares one required artifact for a stage.
type Dependency struct {
	ID            string `json:"id" yaml:"id"`
	Path          string `json:"path" yaml:"path"`
	IntegrityHash string `json:"integrity_hash" yaml:"integrity_hash"`
}

// StageRequirements groups the dependencies gating one stage index.
type StageRequirements struct {
	StageIndex   int          `json:"stage_index" yaml:"stage_index"`
	Dependencies []Dependency `json:"dependencies" yaml:"dependencies"`
}

// Manifest is the full dependency declaration for a pipeline run.
type Manifest struct {
	Version string              `json:"version" yaml:"version"`
	Stages  []StageRequirements `json:"stages" yaml:"stages"`

	hash string
}

// Validate checks structural invariants. A failure here is a fatal setup
// error, never a policy outcome.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("manifest: version %q is not semver: %w", m.Version, err)
	}

	seenStage := make(map[int]bool)
	for _, stage := range m.Stages {
		if stage.StageIndex < 0 {
			return fmt.Errorf("manifest: negative stage index %d", stage.StageIndex)
		}
		if seenStage[stage.StageIndex] {
			return fmt.Errorf("manifest: duplicate stage index %d", stage.StageIndex)
		}
		seenStage[stage.StageIndex] = true

		seenDep := make(map[string]bool)
		for _, dep := range stage.Dependencies {
			if dep.ID == "" || dep.Path == "" || dep.IntegrityHash == "" {
				return fmt.Errorf("manifest: stage %d dependency %q missing id, path or integrity_hash",
					stage.StageIndex, dep.ID)
			}
			if seenDep[dep.ID] {
				return fmt.Errorf("manifest: stage %d duplicate dependency id %q", stage.StageIndex, dep.ID)
			}
			seenDep[dep.ID] = true
		}
	}
	return nil
}

// DependenciesFor returns the dependencies declared for a stage index, in
// declaration order. A stage with no declaration has no prerequisites.
func (m *Manifest) DependenciesFor(stageIndex int) []Dependency {
	for _, stage := range m.Stages {
		if stage.StageIndex == stageIndex {
			return stage.Dependencies
		}
	}
	return nil
}

// Hash returns the manifest's canonical content hash, computed once.
func (m *Manifest) Hash() (string, error) {
	if m.hash != "" {
		return m.hash, nil
	}
	h, err := canonicalize.CanonicalHash(map[string]interface{}{
		"version": m.Version,
		"stages":  m.Stages,
	})
	if err != nil {
		return "", err
	}
	m.hash = h
	return h, nil
}
