// Package gate implements the prerequisite gate: the single-shot check that
// every artifact a stage depends on is present in the certified snapshot and
// hashes to its declared integrity value.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/manifest"
	"github.com/sovereignos/gsep/core/pkg/snapshot"
)

// Status is the gate outcome classification.
type Status string

const (
	StatusReady  Status = "READY"
	StatusFailed Status = "PREREQUISITE_FAILED"
)

// FailureType distinguishes a missing artifact from a corrupt one.
type FailureType string

const (
	PresenceFailure  FailureType = "PRESENCE_FAILURE"
	IntegrityFailure FailureType = "INTEGRITY_FAILURE"
)

// Outcome is the result of a gate check. On failure it cites exactly one
// violating dependency: the first one that failed, in manifest order.
type Outcome struct {
	Status      Status               `json:"status"`
	StageIndex  int                  `json:"stage_index"`
	FailureType FailureType          `json:"failure_type,omitempty"`
	Violating   *manifest.Dependency `json:"violating_dependency,omitempty"`
}

// Ready reports whether the gate passed.
func (o Outcome) Ready() bool { return o.Status == StatusReady }

// Check evaluates the manifest's dependencies for stageIndex against the
// snapshot. Evaluation is stateless and short-circuits on the first failing
// dependency: the manifest is a hard gate, not a diagnostic report, and one
// citation is enough for the halt record. Later dependencies are never
// touched once one fails.
//
// The error return is reserved for backing-store faults; those escalate to
// the caller instead of masquerading as policy outcomes.
func Check(ctx context.Context, stageIndex int, m *manifest.Manifest, snap *snapshot.Snapshot) (Outcome, error) {
	if m == nil {
		return Outcome{}, errors.New("gate: manifest is required")
	}
	if snap == nil {
		return Outcome{}, errors.New("gate: snapshot is required")
	}

	for _, dep := range m.DependenciesFor(stageIndex) {
		data, err := snap.Lookup(ctx, dep.Path)
		switch {
		case err == nil:
			// Present; integrity checked below.
		case errors.Is(err, snapshot.ErrArtifactNotFound):
			return failed(stageIndex, PresenceFailure, dep), nil
		case errors.Is(err, snapshot.ErrIntegrity):
			// The store drifted from the certified index.
			return failed(stageIndex, IntegrityFailure, dep), nil
		default:
			return Outcome{}, fmt.Errorf("gate: resolving %s: %w", dep.Path, err)
		}

		if canonicalize.HashBytes(data) != dep.IntegrityHash {
			return failed(stageIndex, IntegrityFailure, dep), nil
		}
	}

	return Outcome{Status: StatusReady, StageIndex: stageIndex}, nil
}

func failed(stageIndex int, ft FailureType, dep manifest.Dependency) Outcome {
	cited := dep
	return Outcome{
		Status:      StatusFailed,
		StageIndex:  stageIndex,
		FailureType: ft,
		Violating:   &cited,
	}
}
