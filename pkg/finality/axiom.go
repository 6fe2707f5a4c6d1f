// Package finality implements the finality axiom: the single legal authority
// for certifying a state transition. The evaluation is a pure function so
// any auditor can re-execute it against a recorded input set and obtain the
// same verdict.
package finality

import (
	"fmt"
	"math"
)

// Verdict is the binary certification outcome.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// Inputs are computed fresh per evaluation and never cached across
// proposals.
type Inputs struct {
	EfficacyScore   float64 `json:"efficacy_score"`
	RiskScore       float64 `json:"risk_score"`
	VetoSignal      bool    `json:"veto_signal"`
	ViabilityMargin float64 `json:"viability_margin"`
}

// NewInputs validates and constructs the axiom inputs. A negative margin is
// a configuration error, not a lenient setting; NaN scores are rejected
// here so the comparison below is never evaluated on malformed numbers.
func NewInputs(efficacy, risk float64, veto bool, margin float64) (Inputs, error) {
	if margin < 0 {
		return Inputs{}, fmt.Errorf("finality: viability margin %v is negative", margin)
	}
	if math.IsNaN(efficacy) || math.IsNaN(risk) || math.IsNaN(margin) {
		return Inputs{}, fmt.Errorf("finality: NaN input")
	}
	if efficacy < 0 || risk < 0 {
		return Inputs{}, fmt.Errorf("finality: scores must be non-negative (efficacy=%v, risk=%v)", efficacy, risk)
	}
	return Inputs{
		EfficacyScore:   efficacy,
		RiskScore:       risk,
		VetoSignal:      veto,
		ViabilityMargin: margin,
	}, nil
}

// Evaluate applies the axiom:
//
//	PASS ⟺ veto == false AND efficacy > risk + margin
//
// The veto is checked first and is absolute: no efficacy/risk ratio can
// override it. The inequality is strict; efficacy exactly at the margin
// boundary fails.
func Evaluate(in Inputs) Verdict {
	if in.VetoSignal {
		return Fail
	}
	if in.EfficacyScore > in.RiskScore+in.ViabilityMargin {
		return Pass
	}
	return Fail
}
