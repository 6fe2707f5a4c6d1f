// Package ledger maintains the append-only governance record chain: halt
// manifests for every blocked transition and committed blocks for every
// certified one. Records are canonical JSON, hash-chained through a
// previous_hash field, signed by the bootstrap-trusted ledger authority and
// independently re-verifiable on replay.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/sovereignos/gsep/core/pkg/finality"
	"github.com/sovereignos/gsep/core/pkg/gate"
)

// RecordType distinguishes the two chain record kinds.
type RecordType string

const (
	RecordHalt   RecordType = "HALT_MANIFEST"
	RecordCommit RecordType = "COMMITTED_BLOCK"
)

// HaltManifest documents exactly why a transition was blocked. Write-once;
// a disputed halt is answered with a new record, never an edit.
type HaltManifest struct {
	ProposalID          string            `json:"proposal_id"`
	Timestamp           time.Time         `json:"timestamp"`
	HaltCode            string            `json:"halt_code"`
	FailureType         string            `json:"failure_type"`
	ViolatingDependency string            `json:"violating_dependency,omitempty"`
	StateRef            string            `json:"state_ref"`
	StageIndex          int               `json:"stage_index"`
	StageName           string            `json:"stage_name,omitempty"`
	Detail              string            `json:"detail,omitempty"`
	GateFailure         *gate.FailureType `json:"gate_failure,omitempty"`
}

// CommittedBlock is the final artifact of a fully certified transition.
type CommittedBlock struct {
	ProposalID      string           `json:"proposal_id"`
	Timestamp       time.Time        `json:"timestamp"`
	StateRef        string           `json:"state_ref"`
	NextStateRef    string           `json:"next_state_ref,omitempty"`
	EfficacyScore   float64          `json:"efficacy_score"`
	RiskScore       float64          `json:"risk_score"`
	ViabilityMargin float64          `json:"viability_margin"`
	Verdict         finality.Verdict `json:"verdict"`
	ConsensusWeight float64          `json:"consensus_weight"`
	Approvers       []string         `json:"approvers,omitempty"`
}

// Record is one sealed entry in the chain. Payload carries the canonical
// JSON of a HaltManifest or CommittedBlock; Hash covers everything except
// the signature, and the signature covers the hash.
type Record struct {
	RecordID     string          `json:"record_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	RecordType   RecordType      `json:"record_type"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	SignerKeyID  string          `json:"signer_key_id"`
	Signature    string          `json:"signature"`
}
