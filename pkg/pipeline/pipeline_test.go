package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignos/gsep/core/pkg/audit"
	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/consensus"
	"github.com/sovereignos/gsep/core/pkg/contracts"
	"github.com/sovereignos/gsep/core/pkg/crypto"
	"github.com/sovereignos/gsep/core/pkg/finality"
	"github.com/sovereignos/gsep/core/pkg/gate"
	"github.com/sovereignos/gsep/core/pkg/identity"
	"github.com/sovereignos/gsep/core/pkg/ledger"
	"github.com/sovereignos/gsep/core/pkg/manifest"
	"github.com/sovereignos/gsep/core/pkg/snapshot"
)

type fixture struct {
	engine         *Engine
	ledger         *ledger.Ledger
	authority      *crypto.Ed25519Signer
	signers        []*crypto.Ed25519Signer
	snapshot       *snapshot.Snapshot
	manifest       *manifest.Manifest
	sink           *audit.MemorySink
	electorateHits *atomic.Int64
}

type fixtureOpts struct {
	vetoRules   []string
	riskService finality.ThresholdService
	safeDefault float64
	missingDep  bool
	executor    func(ctx context.Context, tr *Transition) error
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	registry := identity.NewRegistry()
	var signers []*crypto.Ed25519Signer
	for i := 0; i < 3; i++ {
		s, err := crypto.NewEd25519Signer(fmt.Sprintf("guardian-%d", i))
		require.NoError(t, err)
		require.NoError(t, registry.Register(identity.Role{
			ID:           fmt.Sprintf("guardian-%d", i),
			KeyID:        s.KeyID(),
			PublicKeyHex: s.PublicKeyHex(),
			Weight:       1,
		}))
		signers = append(signers, s)
	}

	verifier, err := crypto.NewRoleVerifier(registry, nil)
	require.NoError(t, err)
	eval, err := consensus.NewEvaluator(verifier, nil)
	require.NoError(t, err)

	var hits atomic.Int64
	electorate := func(context.Context) ([]identity.Role, error) {
		hits.Add(1)
		return registry.Roles(), nil
	}

	store := snapshot.NewMemoryStore()
	builder, err := snapshot.NewBuilder(store)
	require.NoError(t, err)
	coreConfig := []byte(`{"mode":"sovereign"}`)
	_, err = builder.AddArtifact(context.Background(), "core/config", coreConfig)
	require.NoError(t, err)
	snap, err := builder.Seal(time.Now().UTC())
	require.NoError(t, err)

	deps := []manifest.Dependency{{
		ID:            "core-config",
		Path:          "core/config",
		IntegrityHash: canonicalize.HashBytes(coreConfig),
	}}
	if opts.missingDep {
		deps = append(deps, manifest.Dependency{
			ID:            "absent",
			Path:          "core/absent",
			IntegrityHash: "00",
		})
	}
	m := &manifest.Manifest{
		Version: "1.0.0",
		Stages:  []manifest.StageRequirements{{StageIndex: 0, Dependencies: deps}},
	}
	require.NoError(t, m.Validate())

	rules := opts.vetoRules
	if rules == nil {
		rules = []string{`proposal.risk_class == "CRITICAL"`}
	}
	vetoes, err := finality.NewVetoEvaluator(rules)
	require.NoError(t, err)

	safeDefault := opts.safeDefault
	risk, err := finality.NewThresholdClient(opts.riskService, finality.ThresholdClientConfig{
		SafeDefault: safeDefault,
		Timeout:     200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	stages, err := StandardStages(StandardConfig{
		Consensus:  eval,
		Electorate: electorate,
		Threshold:  0.67,
		Vetoes:     vetoes,
		RiskClient: risk,
		Executor:   opts.executor,
	})
	require.NoError(t, err)

	authority, err := crypto.NewEd25519Signer("ledger-authority")
	require.NoError(t, err)
	led, err := ledger.New(authority, nil)
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	engine, err := NewEngine(stages, led, audit.NewEmitter(0, sink), nil)
	require.NoError(t, err)

	return &fixture{
		engine:         engine,
		ledger:         led,
		authority:      authority,
		signers:        signers,
		snapshot:       snap,
		manifest:       m,
		sink:           sink,
		electorateHits: &hits,
	}
}

func (f *fixture) proposal(t *testing.T, signerCount int, attrs map[string]interface{}) *contracts.TransitionProposal {
	t.Helper()
	if attrs == nil {
		attrs = map[string]interface{}{
			"risk_class":     "LOW",
			"efficacy_score": 0.9,
			"risk_score":     0.2,
		}
	}
	p := &contracts.TransitionProposal{
		ProposalID:  "prop-1",
		StageIndex:  0,
		Delta:       json.RawMessage(`{"artifacts":{"app/module":{"version":"2.0.0"}}}`),
		SubmittedAt: time.Now().UTC(),
		Attributes:  attrs,
	}
	for i := 0; i < signerCount && i < len(f.signers); i++ {
		nonce := fmt.Sprintf("nonce-%d", i)
		sig, err := f.signers[i].SignCanonical(p.EndorsementPayload(nonce))
		require.NoError(t, err)
		p.Signatures = append(p.Signatures, contracts.AttachedSignature{
			Identity:  f.signers[i].KeyID(),
			Signature: sig,
			Nonce:     nonce,
		})
	}
	return p
}

func TestRunCommitsValidProposal(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05})
	p := f.proposal(t, 3, nil)

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, outcome.State)
	assert.Equal(t, finality.Pass, outcome.Verdict)
	require.NotNil(t, outcome.Next)
	assert.True(t, outcome.Next.Contains("app/module"))
	assert.Equal(t, f.snapshot.Ref(), outcome.Next.PreviousRef())

	records := f.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ledger.RecordCommit, records[0].RecordType)

	var block ledger.CommittedBlock
	require.NoError(t, json.Unmarshal(records[0].Payload, &block))
	assert.Equal(t, "prop-1", block.ProposalID)
	assert.Equal(t, f.snapshot.Ref(), block.StateRef)
	assert.Equal(t, outcome.Next.Ref(), block.NextStateRef)
	assert.InDelta(t, 3.0, block.ConsensusWeight, 1e-9)

	idx, err := ledger.VerifyChain(records, f.authority.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestRunHaltsOnPolicyVetoBeforeConsensus(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05})
	p := f.proposal(t, 3, map[string]interface{}{
		"risk_class":     "CRITICAL",
		"efficacy_score": 0.9,
		"risk_score":     0.1,
	})

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageVetLockA, outcome.StageName)
	assert.Equal(t, FailurePolicyVeto, outcome.Halt.FailureType)

	// Consensus was never consulted.
	assert.Equal(t, int64(0), f.electorateHits.Load())

	records := f.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ledger.RecordHalt, records[0].RecordType)
	var hm ledger.HaltManifest
	require.NoError(t, json.Unmarshal(records[0].Payload, &hm))
	assert.Equal(t, "HALT_L1_VETO", hm.HaltCode)
	assert.Equal(t, f.snapshot.Ref(), hm.StateRef)
}

// A rule over stage_index sees the proposal's target stage in the early
// pass, not the vet-lock stage's own ordinal.
func TestVetLockBindsProposalStageIndex(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		safeDefault: 0.05,
		vetoRules:   []string{`stage_index >= 3`},
	})
	p := f.proposal(t, 3, nil)
	p.StageIndex = 4

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageVetLockA, outcome.StageName)
	assert.Equal(t, FailurePolicyVeto, outcome.Halt.FailureType)
	assert.Equal(t, int64(0), f.electorateHits.Load())
}

func TestRunHaltsOnMissingPrerequisite(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05, missingDep: true})
	p := f.proposal(t, 3, nil)

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageVetLockB, outcome.StageName)
	assert.Equal(t, FailurePrerequisite, outcome.Halt.FailureType)
	require.NotNil(t, outcome.Halt.GateFailure)
	assert.Equal(t, gate.PresenceFailure, *outcome.Halt.GateFailure)
	assert.Equal(t, "absent", outcome.Halt.Violating)
	assert.Equal(t, int64(0), f.electorateHits.Load())

	var hm ledger.HaltManifest
	require.NoError(t, json.Unmarshal(f.ledger.Records()[0].Payload, &hm))
	assert.Equal(t, "HALT_L2_PREREQ", hm.HaltCode)
	assert.Equal(t, "absent", hm.ViolatingDependency)
}

func TestRunHaltsWithoutQuorum(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05})
	// 1 of 3 weights cannot reach the 0.67 fraction.
	p := f.proposal(t, 1, nil)

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageProof, outcome.StageName)
	assert.Equal(t, FailureConsensus, outcome.Halt.FailureType)
}

func TestRunHaltsWhenEfficacyInsideMargin(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05})
	p := f.proposal(t, 3, map[string]interface{}{
		"risk_class":     "LOW",
		"efficacy_score": 0.24,
		"risk_score":     0.2,
	})

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageAdjudication, outcome.StageName)
	assert.Equal(t, FailureFinality, outcome.Halt.FailureType)
}

func TestRunHaltsOnStructurallyEmptyDelta(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.05})
	p := f.proposal(t, 3, nil)
	p.Delta = json.RawMessage(`{}`)

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, StageInitiation, outcome.StageName)
	assert.Equal(t, FailureStructural, outcome.Halt.FailureType)
}

type failingRiskService struct{}

func (failingRiskService) ComputeThreshold(context.Context, map[string]float64) (float64, error) {
	return 0, errors.New("threshold service unreachable")
}

// An unreachable risk service degrades to the conservative default margin;
// the pipeline still completes.
func TestRunCompletesWithDegradedRiskService(t *testing.T) {
	f := newFixture(t, fixtureOpts{safeDefault: 0.3, riskService: failingRiskService{}})
	p := f.proposal(t, 3, map[string]interface{}{
		"risk_class":     "LOW",
		"efficacy_score": 0.9,
		"risk_score":     0.2,
	})

	outcome, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, outcome.State)

	var block ledger.CommittedBlock
	require.NoError(t, json.Unmarshal(f.ledger.Records()[0].Payload, &block))
	assert.Equal(t, 0.3, block.ViabilityMargin)
}

func TestExecutorFaultHaltsAndRollsBackCommit(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		safeDefault: 0.05,
		executor: func(context.Context, *Transition) error {
			return errors.New("downstream rejected the transition")
		},
	})
	p := f.proposal(t, 3, nil)

	_, err := f.engine.Run(context.Background(), p, f.snapshot, f.manifest)
	require.Error(t, err)

	var hm ledger.HaltManifest
	require.NoError(t, json.Unmarshal(f.ledger.Records()[0].Payload, &hm))
	assert.Equal(t, "HALT_L6_EXEC", hm.HaltCode)
	assert.Equal(t, FailureSystemFault, hm.FailureType)
}

func TestPanicBecomesHalt(t *testing.T) {
	authority, err := crypto.NewEd25519Signer("ledger-authority")
	require.NoError(t, err)
	led, err := ledger.New(authority, nil)
	require.NoError(t, err)

	stages := []Stage{
		{Name: "A", Ordinal: 0, HaltCode: "HALT_A", Run: func(context.Context, *Transition) (*Halt, error) {
			return nil, nil
		}},
		{Name: "B", Ordinal: 1, HaltCode: "HALT_B", Run: func(context.Context, *Transition) (*Halt, error) {
			panic("stage exploded")
		}},
	}
	engine, err := NewEngine(stages, led, nil, nil)
	require.NoError(t, err)

	snap := sealedSnapshot(t)
	outcome, err := engine.Run(context.Background(),
		&contracts.TransitionProposal{ProposalID: "p"}, snap, &manifest.Manifest{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, "B", outcome.StageName)
	assert.Equal(t, FailurePanic, outcome.Halt.FailureType)
	require.Len(t, led.Records(), 1)
}

func TestRollbacksRunInReverseOrder(t *testing.T) {
	authority, err := crypto.NewEd25519Signer("ledger-authority")
	require.NoError(t, err)
	led, err := ledger.New(authority, nil)
	require.NoError(t, err)

	var order []string
	mk := func(name string) Stage {
		return Stage{
			Name: name, HaltCode: "HALT_" + name,
			Run:      func(context.Context, *Transition) (*Halt, error) { return nil, nil },
			Rollback: func(context.Context, *Transition) { order = append(order, name) },
		}
	}
	a, b := mk("A"), mk("B")
	b.Ordinal = 1
	halting := Stage{Name: "C", Ordinal: 2, HaltCode: "HALT_C",
		Run: func(context.Context, *Transition) (*Halt, error) {
			return &Halt{FailureType: FailurePolicyVeto}, nil
		}}

	engine, err := NewEngine([]Stage{a, b, halting}, led, nil, nil)
	require.NoError(t, err)

	outcome, err := engine.Run(context.Background(),
		&contracts.TransitionProposal{ProposalID: "p"}, sealedSnapshot(t), &manifest.Manifest{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, StateHalted, outcome.State)
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestNewEngineRejectsBadStageSequence(t *testing.T) {
	authority, err := crypto.NewEd25519Signer("a")
	require.NoError(t, err)
	led, err := ledger.New(authority, nil)
	require.NoError(t, err)

	_, err = NewEngine(nil, led, nil, nil)
	assert.Error(t, err)

	_, err = NewEngine([]Stage{{Name: "A", Ordinal: 5, HaltCode: "H",
		Run: func(context.Context, *Transition) (*Halt, error) { return nil, nil }}}, led, nil, nil)
	assert.Error(t, err)

	_, err = NewEngine([]Stage{{Name: "A", Ordinal: 0, HaltCode: "H",
		Run: func(context.Context, *Transition) (*Halt, error) { return nil, nil }}}, nil, nil, nil)
	assert.Error(t, err)
}

func TestStandardStagesRequireDependencies(t *testing.T) {
	_, err := StandardStages(StandardConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func sealedSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	builder, err := snapshot.NewBuilder(snapshot.NewMemoryStore())
	require.NoError(t, err)
	snap, err := builder.Seal(time.Now().UTC())
	require.NoError(t, err)
	return snap
}
