// Package pipeline implements the staged certification protocol. A proposal
// enters at stage zero and either traverses every stage in order or halts at
// the first failure; there is no skipping, reordering, or resumption. Every
// terminal outcome is sealed onto the ledger before the caller hears about it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sovereignos/gsep/core/pkg/audit"
	"github.com/sovereignos/gsep/core/pkg/consensus"
	"github.com/sovereignos/gsep/core/pkg/contracts"
	"github.com/sovereignos/gsep/core/pkg/finality"
	"github.com/sovereignos/gsep/core/pkg/gate"
	"github.com/sovereignos/gsep/core/pkg/ledger"
	"github.com/sovereignos/gsep/core/pkg/manifest"
	"github.com/sovereignos/gsep/core/pkg/snapshot"
)

// State is the run lifecycle position.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateHalted    State = "HALTED"
	StateCommitted State = "COMMITTED"
)

// Failure classifications carried into halt manifests.
const (
	FailureStructural   = "STRUCTURAL_FAILURE"
	FailurePolicyVeto   = "POLICY_VETO"
	FailurePrerequisite = "PREREQUISITE_FAILURE"
	FailureConsensus    = "CONSENSUS_FAILURE"
	FailureFinality     = "FINALITY_FAILURE"
	FailurePanic        = "STAGE_PANIC"
	FailureSystemFault  = "SYSTEM_FAULT"
)

// Halt is a stage's governance verdict to block the transition. It is a
// result value, not an error: the pipeline worked correctly by producing it.
type Halt struct {
	FailureType string
	Detail      string
	Violating   string
	GateFailure *gate.FailureType
}

// Transition is the mutable evaluation context threaded through the stages.
// Stages write their findings here; later stages and the final ledger
// records read them.
type Transition struct {
	Proposal *contracts.TransitionProposal
	Snapshot *snapshot.Snapshot
	Manifest *manifest.Manifest

	Consensus      *consensus.Result
	EfficacyScore  float64
	RiskScore      float64
	Margin         float64
	MarginLive     bool
	Veto           bool
	VetoRule       string
	Verdict        finality.Verdict
	Next           *snapshot.Snapshot
}

// Stage is one rung of the protocol. Run returns a Halt to block the
// transition, an error for infrastructure faults, or neither to advance.
// Rollback, when set, is invoked on every later halt so the stage can undo
// side effects; rollbacks run in reverse completion order.
type Stage struct {
	Name     string
	Ordinal  int
	HaltCode string
	Run      func(ctx context.Context, tr *Transition) (*Halt, error)
	Rollback func(ctx context.Context, tr *Transition)
}

// Outcome is the terminal result of a pipeline run.
type Outcome struct {
	State      State
	StageIndex int
	StageName  string
	Halt       *Halt
	Verdict    finality.Verdict
	Next       *snapshot.Snapshot
	Record     *ledger.Record
}

// Engine drives proposals through a fixed stage sequence.
type Engine struct {
	stages  []Stage
	ledger  *ledger.Ledger
	emitter *audit.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewEngine validates the stage sequence and its dependencies up front so a
// misconfigured kernel refuses to start instead of failing mid-run.
func NewEngine(stages []Stage, led *ledger.Ledger, emitter *audit.Emitter, logger *slog.Logger) (*Engine, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}
	if led == nil {
		return nil, errors.New("pipeline: ledger is required")
	}
	for i, st := range stages {
		if st.Run == nil {
			return nil, fmt.Errorf("pipeline: stage %q has no executor", st.Name)
		}
		if st.Ordinal != i {
			return nil, fmt.Errorf("pipeline: stage %q ordinal %d, want %d", st.Name, st.Ordinal, i)
		}
		if st.HaltCode == "" {
			return nil, fmt.Errorf("pipeline: stage %q has no halt code", st.Name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = audit.NewEmitter(0)
	}
	return &Engine{
		stages:  stages,
		ledger:  led,
		emitter: emitter,
		logger:  logger,
		tracer:  otel.Tracer("gsep/pipeline"),
	}, nil
}

// Run evaluates one proposal to a terminal state. The returned error is
// reserved for infrastructure faults; governance rejections arrive as a
// StateHalted outcome with a nil error. In both halt cases a halt manifest
// is sealed onto the ledger before Run returns.
func (e *Engine) Run(ctx context.Context, proposal *contracts.TransitionProposal, snap *snapshot.Snapshot, m *manifest.Manifest) (*Outcome, error) {
	if proposal == nil {
		return nil, errors.New("pipeline: proposal is required")
	}
	if snap == nil {
		return nil, errors.New("pipeline: snapshot is required")
	}
	if m == nil {
		return nil, errors.New("pipeline: manifest is required")
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("proposal_id", proposal.ProposalID)))
	defer span.End()

	tr := &Transition{Proposal: proposal, Snapshot: snap, Manifest: m}
	var completed []Stage

	for _, st := range e.stages {
		e.emitter.Emit(ctx, audit.Event{
			Type:       audit.EventStageEnter,
			ProposalID: proposal.ProposalID,
			StageIndex: st.Ordinal,
			StageName:  st.Name,
		})
		e.logger.Debug("stage entered", "stage", st.Name, "ordinal", st.Ordinal,
			"proposal_id", proposal.ProposalID)

		halt, err := e.runStage(ctx, st, tr)
		if err != nil {
			e.rollback(ctx, completed, tr)
			if _, recErr := e.sealHalt(ctx, st, tr, &Halt{
				FailureType: FailureSystemFault,
				Detail:      err.Error(),
			}); recErr != nil {
				return nil, errors.Join(err, recErr)
			}
			return nil, fmt.Errorf("pipeline: stage %s: %w", st.Name, err)
		}
		if halt != nil {
			e.rollback(ctx, completed, tr)
			rec, recErr := e.sealHalt(ctx, st, tr, halt)
			if recErr != nil {
				return nil, recErr
			}
			span.SetAttributes(attribute.String("outcome", string(StateHalted)),
				attribute.String("halted_stage", st.Name))
			return &Outcome{
				State:      StateHalted,
				StageIndex: st.Ordinal,
				StageName:  st.Name,
				Halt:       halt,
				Record:     rec,
			}, nil
		}
		completed = append(completed, st)
	}

	rec, err := e.sealCommit(ctx, tr)
	if err != nil {
		return nil, err
	}
	last := e.stages[len(e.stages)-1]
	span.SetAttributes(attribute.String("outcome", string(StateCommitted)))
	return &Outcome{
		State:      StateCommitted,
		StageIndex: last.Ordinal,
		StageName:  last.Name,
		Verdict:    tr.Verdict,
		Next:       tr.Next,
		Record:     rec,
	}, nil
}

// runStage executes one stage with panic containment. A panicking stage is
// indistinguishable from a veto to the rest of the system: it halts the run
// and leaves a manifest.
func (e *Engine) runStage(ctx context.Context, st Stage, tr *Transition) (halt *Halt, err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage."+st.Name,
		trace.WithAttributes(attribute.Int("ordinal", st.Ordinal)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("stage panicked", "stage", st.Name, "panic", r)
			halt = &Halt{
				FailureType: FailurePanic,
				Detail:      fmt.Sprintf("stage %s panicked: %v", st.Name, r),
			}
			err = nil
		}
	}()
	return st.Run(ctx, tr)
}

func (e *Engine) rollback(ctx context.Context, completed []Stage, tr *Transition) {
	for i := len(completed) - 1; i >= 0; i-- {
		if completed[i].Rollback == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("rollback panicked", "stage", completed[i].Name, "panic", r)
				}
			}()
			completed[i].Rollback(ctx, tr)
		}()
	}
}

func (e *Engine) sealHalt(ctx context.Context, st Stage, tr *Transition, halt *Halt) (*ledger.Record, error) {
	hm := &ledger.HaltManifest{
		ProposalID:          tr.Proposal.ProposalID,
		Timestamp:           time.Now().UTC(),
		HaltCode:            st.HaltCode,
		FailureType:         halt.FailureType,
		ViolatingDependency: halt.Violating,
		StateRef:            tr.Snapshot.Ref(),
		StageIndex:          st.Ordinal,
		StageName:           st.Name,
		Detail:              halt.Detail,
		GateFailure:         halt.GateFailure,
	}
	rec, err := e.ledger.AppendHalt(ctx, hm)
	if err != nil {
		// A halt the ledger will not accept is an infrastructure fault: the
		// transition stays blocked, but the operator must be told the trail
		// is incomplete.
		e.logger.Error("halt manifest rejected by ledger", "error", err,
			"proposal_id", tr.Proposal.ProposalID)
		return nil, fmt.Errorf("pipeline: seal halt manifest: %w", err)
	}
	e.emitter.Emit(ctx, audit.Event{
		Type:       audit.EventStageHalt,
		ProposalID: tr.Proposal.ProposalID,
		StageIndex: st.Ordinal,
		StageName:  st.Name,
		Payload: map[string]any{
			"halt_code":    hm.HaltCode,
			"failure_type": hm.FailureType,
			"detail":       hm.Detail,
		},
	})
	e.logger.Warn("transition halted",
		"proposal_id", tr.Proposal.ProposalID,
		"stage", st.Name,
		"halt_code", hm.HaltCode,
		"failure_type", hm.FailureType)
	return rec, nil
}

func (e *Engine) sealCommit(ctx context.Context, tr *Transition) (*ledger.Record, error) {
	cb := &ledger.CommittedBlock{
		ProposalID:      tr.Proposal.ProposalID,
		Timestamp:       time.Now().UTC(),
		StateRef:        tr.Snapshot.Ref(),
		EfficacyScore:   tr.EfficacyScore,
		RiskScore:       tr.RiskScore,
		ViabilityMargin: tr.Margin,
		Verdict:         tr.Verdict,
	}
	if tr.Next != nil {
		cb.NextStateRef = tr.Next.Ref()
	}
	if tr.Consensus != nil {
		cb.ConsensusWeight = tr.Consensus.AccumulatedWeight
		cb.Approvers = tr.Consensus.UniqueApprovers
	}
	rec, err := e.ledger.AppendCommit(ctx, cb)
	if err != nil {
		return nil, fmt.Errorf("pipeline: seal committed block: %w", err)
	}
	e.emitter.Emit(ctx, audit.Event{
		Type:       audit.EventCommit,
		ProposalID: tr.Proposal.ProposalID,
		StageIndex: len(e.stages) - 1,
		Payload: map[string]any{
			"state_ref":      cb.StateRef,
			"next_state_ref": cb.NextStateRef,
			"verdict":        string(cb.Verdict),
		},
	})
	e.logger.Info("transition committed",
		"proposal_id", tr.Proposal.ProposalID,
		"state_ref", cb.StateRef,
		"next_state_ref", cb.NextStateRef)
	return rec, nil
}
