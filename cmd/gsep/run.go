package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/contracts"
	"github.com/sovereignos/gsep/core/pkg/manifest"
	"github.com/sovereignos/gsep/core/pkg/observability"
	"github.com/sovereignos/gsep/core/pkg/pipeline"
	"github.com/sovereignos/gsep/core/pkg/snapshot"
)

// stateFile is the on-disk form of the current certified state: a map of
// artifact paths to their JSON values, plus where the chain left off. The
// snapshot is rebuilt from it at startup, so the index hashes always
// reflect what is actually on disk.
type stateFile struct {
	Epoch       uint64                     `json:"epoch"`
	PreviousRef string                     `json:"previous_ref,omitempty"`
	Artifacts   map[string]json.RawMessage `json:"artifacts"`
}

func newRunCommand() *cobra.Command {
	var (
		profilePath  string
		proposalPath string
		manifestPath string
		statePath    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate one transition proposal through the full pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			k, err := buildKernel(ctx, profilePath)
			if err != nil {
				return err
			}

			obs, err := observability.New(ctx, &observability.Config{
				Enabled:      k.cfg.Telemetry,
				ServiceName:  "gsep-kernel",
				OTLPEndpoint: k.cfg.OTLPEndpoint,
				SampleRate:   1.0,
				Insecure:     true,
			})
			if err != nil {
				return err
			}
			defer func() { _ = obs.Shutdown(context.Background()) }()

			m, err := manifest.LoadFile(manifestPath)
			if err != nil {
				return err
			}

			proposal, err := loadProposal(proposalPath)
			if err != nil {
				return err
			}

			snap, err := loadSnapshot(ctx, statePath)
			if err != nil {
				return err
			}

			ctx, done := obs.TrackRun(ctx, proposal.ProposalID)
			outcome, err := k.engine.Run(ctx, proposal, snap, m)
			done(err)
			if err != nil {
				return err
			}
			if outcome.State == pipeline.StateHalted {
				obs.RecordHalt(ctx)
			}

			return printOutcome(cmd, outcome)
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "governance.yaml", "governance profile YAML")
	cmd.Flags().StringVar(&proposalPath, "proposal", "", "transition proposal JSON (required)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "dependency manifest YAML (required)")
	cmd.Flags().StringVar(&statePath, "state", "", "certified state JSON (required)")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func loadProposal(path string) (*contracts.TransitionProposal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposal: %w", err)
	}
	var p contracts.TransitionProposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	return &p, nil
}

func loadSnapshot(ctx context.Context, path string) (*snapshot.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}

	store, err := snapshot.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	builder, err := snapshot.ResumeBuilder(store, sf.Epoch, sf.PreviousRef)
	if err != nil {
		return nil, err
	}
	for p, raw := range sf.Artifacts {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", p, err)
		}
		b, err := canonicalize.Canonical(v)
		if err != nil {
			return nil, err
		}
		if _, err := builder.AddArtifact(ctx, p, b); err != nil {
			return nil, err
		}
	}
	return builder.Seal(time.Now().UTC())
}

func printOutcome(cmd *cobra.Command, outcome *pipeline.Outcome) error {
	view := map[string]any{
		"state":       outcome.State,
		"stage_index": outcome.StageIndex,
		"stage_name":  outcome.StageName,
	}
	if outcome.Halt != nil {
		view["failure_type"] = outcome.Halt.FailureType
		view["detail"] = outcome.Halt.Detail
	}
	if outcome.Verdict != "" {
		view["verdict"] = outcome.Verdict
	}
	if outcome.Next != nil {
		view["next_state_ref"] = outcome.Next.Ref()
	}
	if outcome.Record != nil {
		view["record_hash"] = outcome.Record.Hash
		view["record_sequence"] = outcome.Record.Sequence
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
