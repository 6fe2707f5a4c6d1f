package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/consensus"
	"github.com/sovereignos/gsep/core/pkg/finality"
	"github.com/sovereignos/gsep/core/pkg/gate"
	"github.com/sovereignos/gsep/core/pkg/identity"
)

// Canonical stage names, lowest ordinal first.
const (
	StageInitiation   = "INITIATION"
	StageVetLockA     = "VET_LOCK_A"
	StageVetLockB     = "VET_LOCK_B"
	StageProof        = "PROOF"
	StageAdjudication = "ADJUDICATION"
	StageCommit       = "COMMIT"
	StageExecution    = "EXECUTION"
)

// delta is the wire shape of a proposal's state change: artifacts to write
// (any JSON value, stored canonically) and paths to retire.
type delta struct {
	Artifacts map[string]json.RawMessage `json:"artifacts"`
	Remove    []string                   `json:"remove,omitempty"`
}

// StandardConfig wires the canonical seven-stage protocol.
type StandardConfig struct {
	Consensus  *consensus.Evaluator
	Electorate func(ctx context.Context) ([]identity.Role, error)
	Threshold  float64 // quorum fraction in (0,1]

	Vetoes     *finality.VetoEvaluator
	RiskClient *finality.ThresholdClient

	// MaxProposalAge rejects stale proposals at initiation. Zero disables
	// the check.
	MaxProposalAge time.Duration

	// Executor runs after commit, outside the certification boundary. Its
	// error halts the run like any stage fault. Optional.
	Executor func(ctx context.Context, tr *Transition) error

	Logger *slog.Logger
}

// StandardStages builds the canonical stage sequence. Every dependency a
// stage needs is checked here; a nil requirement is a startup error, never a
// mid-run surprise.
func StandardStages(cfg StandardConfig) ([]Stage, error) {
	if cfg.Consensus == nil {
		return nil, fmt.Errorf("pipeline: consensus evaluator unavailable")
	}
	if cfg.Electorate == nil {
		return nil, fmt.Errorf("pipeline: electorate source unavailable")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("pipeline: quorum threshold %v out of range (0,1]", cfg.Threshold)
	}
	if cfg.Vetoes == nil {
		return nil, fmt.Errorf("pipeline: veto evaluator unavailable")
	}
	if cfg.RiskClient == nil {
		return nil, fmt.Errorf("pipeline: risk threshold client unavailable")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return []Stage{
		{
			Name: StageInitiation, Ordinal: 0, HaltCode: "HALT_L0_STRUCT",
			Run: stageInitiation(cfg.MaxProposalAge),
		},
		{
			Name: StageVetLockA, Ordinal: 1, HaltCode: "HALT_L1_VETO",
			Run: stageVetLock(cfg.Vetoes),
		},
		{
			Name: StageVetLockB, Ordinal: 2, HaltCode: "HALT_L2_PREREQ",
			Run: stagePrerequisites(),
		},
		{
			Name: StageProof, Ordinal: 3, HaltCode: "HALT_L3_CONSENSUS",
			Run: stageProof(cfg.Consensus, cfg.Electorate, cfg.Threshold),
		},
		{
			Name: StageAdjudication, Ordinal: 4, HaltCode: "HALT_L4_AXIOM",
			Run: stageAdjudication(cfg.Vetoes, cfg.RiskClient, logger),
		},
		{
			Name: StageCommit, Ordinal: 5, HaltCode: "HALT_L5_COMMIT",
			Run:      stageCommit(),
			Rollback: rollbackCommit(),
		},
		{
			Name: StageExecution, Ordinal: 6, HaltCode: "HALT_L6_EXEC",
			Run: stageExecution(cfg.Executor),
		},
	}, nil
}

// stageInitiation rejects structurally unsound proposals before any
// expensive evaluation runs.
func stageInitiation(maxAge time.Duration) func(context.Context, *Transition) (*Halt, error) {
	return func(_ context.Context, tr *Transition) (*Halt, error) {
		p := tr.Proposal
		if p.ProposalID == "" {
			return structural("proposal_id is empty"), nil
		}
		if len(p.Delta) == 0 {
			return structural("delta is empty"), nil
		}
		var d delta
		if err := json.Unmarshal(p.Delta, &d); err != nil {
			return structural(fmt.Sprintf("delta is not a valid change set: %v", err)), nil
		}
		if len(d.Artifacts) == 0 && len(d.Remove) == 0 {
			return structural("delta changes nothing"), nil
		}
		if len(p.Signatures) == 0 {
			return structural("proposal carries no endorsements"), nil
		}
		if p.StageIndex < 0 {
			return structural(fmt.Sprintf("stage_index %d is negative", p.StageIndex)), nil
		}
		if maxAge > 0 && !p.SubmittedAt.IsZero() && time.Since(p.SubmittedAt) > maxAge {
			return structural(fmt.Sprintf("proposal expired: submitted %s ago", time.Since(p.SubmittedAt).Round(time.Second))), nil
		}
		if _, err := tr.Manifest.Hash(); err != nil {
			return nil, fmt.Errorf("manifest hash: %w", err)
		}
		return nil, nil
	}
}

func structural(detail string) *Halt {
	return &Halt{FailureType: FailureStructural, Detail: detail}
}

// stageVetLock applies the policy rules early so a vetoed proposal never
// reaches the expensive stages. The same rules run again at adjudication
// against the final attribute set, with stage_index bound identically in
// both passes: the proposal's target stage.
func stageVetLock(vetoes *finality.VetoEvaluator) func(context.Context, *Transition) (*Halt, error) {
	return func(_ context.Context, tr *Transition) (*Halt, error) {
		if veto, rule := vetoes.Veto(tr.Proposal.Attributes, tr.Proposal.StageIndex); veto {
			tr.Veto = true
			tr.VetoRule = rule
			return &Halt{
				FailureType: FailurePolicyVeto,
				Detail:      "policy veto: " + rule,
			}, nil
		}
		return nil, nil
	}
}

// stagePrerequisites runs the dependency gate for the proposal's target
// stage against the certified snapshot.
func stagePrerequisites() func(context.Context, *Transition) (*Halt, error) {
	return func(ctx context.Context, tr *Transition) (*Halt, error) {
		outcome, err := gate.Check(ctx, tr.Proposal.StageIndex, tr.Manifest, tr.Snapshot)
		if err != nil {
			return nil, err
		}
		if !outcome.Ready() {
			ft := outcome.FailureType
			h := &Halt{
				FailureType: FailurePrerequisite,
				GateFailure: &ft,
			}
			if outcome.Violating != nil {
				h.Violating = outcome.Violating.ID
				h.Detail = fmt.Sprintf("%s: %s", ft, outcome.Violating.Path)
			}
			return h, nil
		}
		return nil, nil
	}
}

// stageProof establishes quorum over the proposal's endorsements.
func stageProof(eval *consensus.Evaluator, electorate func(ctx context.Context) ([]identity.Role, error), threshold float64) func(context.Context, *Transition) (*Halt, error) {
	return func(ctx context.Context, tr *Transition) (*Halt, error) {
		roles, err := electorate(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve electorate: %w", err)
		}
		result, err := eval.Evaluate(ctx, tr.Proposal, roles, threshold)
		if err != nil {
			return nil, err
		}
		tr.Consensus = result
		if !result.Approved {
			return &Halt{
				FailureType: FailureConsensus,
				Detail: fmt.Sprintf("quorum not reached: %.2f of %.2f required weight",
					result.AccumulatedWeight, result.RequiredWeight),
			}, nil
		}
		return nil, nil
	}
}

// stageAdjudication applies the finality axiom. The viability margin and the
// final policy lock resolve concurrently; both must land before the verdict.
func stageAdjudication(vetoes *finality.VetoEvaluator, risk *finality.ThresholdClient, logger *slog.Logger) func(context.Context, *Transition) (*Halt, error) {
	return func(ctx context.Context, tr *Transition) (*Halt, error) {
		efficacy, ok := floatAttr(tr.Proposal.Attributes, "efficacy_score")
		if !ok {
			return structural("efficacy_score attribute missing or not numeric"), nil
		}
		riskScore, ok := floatAttr(tr.Proposal.Attributes, "risk_score")
		if !ok {
			return structural("risk_score attribute missing or not numeric"), nil
		}
		tr.EfficacyScore = efficacy
		tr.RiskScore = riskScore

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			margin, live := risk.Margin(gctx, map[string]float64{
				"efficacy_score": efficacy,
				"risk_score":     riskScore,
				"stage_index":    float64(tr.Proposal.StageIndex),
			})
			tr.Margin = margin
			tr.MarginLive = live
			return nil
		})
		g.Go(func() error {
			veto, rule := vetoes.Veto(tr.Proposal.Attributes, tr.Proposal.StageIndex)
			tr.Veto = veto
			tr.VetoRule = rule
			return nil
		})
		_ = g.Wait()

		if !tr.MarginLive {
			logger.Warn("adjudicating with safe default margin",
				"proposal_id", tr.Proposal.ProposalID, "margin", tr.Margin)
		}

		inputs, err := finality.NewInputs(efficacy, riskScore, tr.Veto, tr.Margin)
		if err != nil {
			return structural(err.Error()), nil
		}
		tr.Verdict = finality.Evaluate(inputs)
		if tr.Verdict != finality.Pass {
			detail := fmt.Sprintf("efficacy %.4f does not clear risk %.4f + margin %.4f",
				efficacy, riskScore, tr.Margin)
			if tr.Veto {
				detail = "policy veto: " + tr.VetoRule
			}
			return &Halt{FailureType: FailureFinality, Detail: detail}, nil
		}
		return nil, nil
	}
}

// stageCommit materializes the delta into a sealed successor snapshot.
func stageCommit() func(context.Context, *Transition) (*Halt, error) {
	return func(ctx context.Context, tr *Transition) (*Halt, error) {
		var d delta
		if err := json.Unmarshal(tr.Proposal.Delta, &d); err != nil {
			return structural(fmt.Sprintf("delta unreadable at commit: %v", err)), nil
		}
		builder := tr.Snapshot.Next()
		for path, raw := range d.Artifacts {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return structural(fmt.Sprintf("artifact %s is not valid JSON: %v", path, err)), nil
			}
			data, err := canonicalize.Canonical(v)
			if err != nil {
				return nil, fmt.Errorf("canonicalize artifact %s: %w", path, err)
			}
			if _, err := builder.AddArtifact(ctx, path, data); err != nil {
				return nil, fmt.Errorf("store artifact %s: %w", path, err)
			}
		}
		for _, path := range d.Remove {
			builder.Remove(path)
		}
		next, err := builder.Seal(time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("seal snapshot: %w", err)
		}
		tr.Next = next
		return nil, nil
	}
}

// rollbackCommit drops the provisional snapshot reference so a halt in the
// execution stage leaves no half-adopted state behind.
func rollbackCommit() func(context.Context, *Transition) {
	return func(_ context.Context, tr *Transition) {
		tr.Next = nil
	}
}

// stageExecution hands the committed transition to the caller's executor.
func stageExecution(executor func(ctx context.Context, tr *Transition) error) func(context.Context, *Transition) (*Halt, error) {
	return func(ctx context.Context, tr *Transition) (*Halt, error) {
		if executor == nil {
			return nil, nil
		}
		if err := executor(ctx, tr); err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
		return nil, nil
	}
}

func floatAttr(attrs map[string]interface{}, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
