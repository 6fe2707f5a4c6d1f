// Package contracts holds the shared data model exchanged between the
// governance pipeline stages. Types here are plain records with JSON tags;
// behavior lives in the packages that consume them.
package contracts

import (
	"encoding/json"
	"time"
)

// AttachedSignature is one identity's endorsement of a proposal. The nonce
// is chosen by the endorser and covered by the signature, so an
// orchestrator can enforce endorsement freshness and a tampered nonce
// invalidates the endorsement.
type AttachedSignature struct {
	Identity  string `json:"identity"`  // key ID or public key hex
	Signature string `json:"signature"` // hex Ed25519 signature
	Nonce     string `json:"nonce"`
}

// TransitionProposal is the payload under evaluation: a candidate state
// delta plus its endorsements. Produced by an external orchestrator and
// consumed read-only by the pipeline.
type TransitionProposal struct {
	ProposalID  string              `json:"proposal_id"`
	StageIndex  int                 `json:"stage_index"`
	Delta       json.RawMessage     `json:"delta"`
	Signatures  []AttachedSignature `json:"signatures"`
	SubmittedAt time.Time           `json:"submitted_at"`

	// Attributes feed the policy veto evaluator. Optional.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SigningPayload is the canonical structure common to every endorsement:
// the delta and the stage it targets, never the signature set itself.
func (p *TransitionProposal) SigningPayload() map[string]interface{} {
	return map[string]interface{}{
		"proposal_id": p.ProposalID,
		"stage_index": p.StageIndex,
		"delta":       p.Delta,
	}
}

// EndorsementPayload is what one endorser actually signs: the signing
// payload bound to that endorsement's nonce.
func (p *TransitionProposal) EndorsementPayload(nonce string) map[string]interface{} {
	payload := p.SigningPayload()
	payload["nonce"] = nonce
	return payload
}
