// Package consensus aggregates verified signatures into a weighted approval
// decision against a quorum threshold.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/contracts"
	"github.com/sovereignos/gsep/core/pkg/crypto"
	"github.com/sovereignos/gsep/core/pkg/identity"
)

// Result is the outcome of a quorum evaluation.
type Result struct {
	Approved          bool     `json:"approved"`
	AccumulatedWeight float64  `json:"accumulated_weight"`
	RequiredWeight    float64  `json:"required_weight"`
	TotalWeight       float64  `json:"total_weight"`
	UniqueApprovers   []string `json:"unique_approvers"`
	RejectedCount     int      `json:"rejected_count"`
}

// Evaluator verifies endorsements and accumulates identity weights.
type Evaluator struct {
	verifier    *crypto.RoleVerifier
	logger      *slog.Logger
	concurrency int
}

// NewEvaluator constructs an evaluator. verifier is required.
func NewEvaluator(verifier *crypto.RoleVerifier, logger *slog.Logger) (*Evaluator, error) {
	if verifier == nil {
		return nil, fmt.Errorf("consensus: role verifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{verifier: verifier, logger: logger, concurrency: 8}, nil
}

// Evaluate checks the proposal's signatures against the electorate and a
// threshold fraction (0,1].
//
// Each identity's weight is counted at most once no matter how many
// signatures it attaches; an identity counts if at least one of its
// signatures verifies. Only electorate members carry weight; a verified
// signature from any other identity is rejected, and the weight applied
// is the electorate's, not the resolver's. An empty electorate can never
// reach consensus.
// Signature verification fans out across goroutines; accumulation is
// order-independent, so the parallel result matches a sequential scan.
func (e *Evaluator) Evaluate(ctx context.Context, proposal *contracts.TransitionProposal, electorate []identity.Role, thresholdFraction float64) (*Result, error) {
	if thresholdFraction <= 0 || thresholdFraction > 1 {
		return nil, fmt.Errorf("consensus: threshold fraction %v out of range (0,1]", thresholdFraction)
	}

	totalWeight := 0.0
	eligible := make(map[string]float64, len(electorate)) // identity ID -> weight
	for _, role := range electorate {
		totalWeight += role.Weight
		eligible[role.ID] = role.Weight
	}
	required := totalWeight * thresholdFraction

	res := &Result{
		RequiredWeight: required,
		TotalWeight:    totalWeight,
	}
	if len(electorate) == 0 {
		// Zero electorate: quorum is unreachable by definition.
		return res, nil
	}

	var (
		mu       sync.Mutex
		counted  = make(map[string]float64) // identity ID -> weight
		running  float64
		rejected int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, sig := range proposal.Signatures {
		g.Go(func() error {
			// Early exit: once quorum is reached, remaining signatures
			// cannot change the boolean outcome.
			mu.Lock()
			reached := required > 0 && running >= required
			mu.Unlock()
			if reached {
				return nil
			}

			// Each endorsement signs the payload bound to its own nonce.
			message, err := canonicalize.Canonical(proposal.EndorsementPayload(sig.Nonce))
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				return nil
			}

			ok, role := e.verifier.Verify(gctx, message, sig.Signature, sig.Identity)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				rejected++
				return nil
			}
			weight, member := eligible[role.ID]
			if !member {
				// Valid signature from outside the electorate carries no
				// weight toward this quorum.
				rejected++
				return nil
			}
			if _, seen := counted[role.ID]; seen {
				// Duplicate endorsement: weight already accounted for.
				return nil
			}
			counted[role.ID] = weight
			running += weight
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for id, w := range counted {
		res.AccumulatedWeight += w
		res.UniqueApprovers = append(res.UniqueApprovers, id)
	}
	sort.Strings(res.UniqueApprovers)
	res.RejectedCount = rejected
	res.Approved = res.AccumulatedWeight >= required && required > 0

	e.logger.Debug("consensus evaluated",
		"proposal", proposal.ProposalID,
		"approved", res.Approved,
		"accumulated", res.AccumulatedWeight,
		"required", required,
		"rejected", rejected)
	return res, nil
}
