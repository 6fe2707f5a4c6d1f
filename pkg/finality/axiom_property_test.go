//go:build property
// +build property

package finality

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestAxiomProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	nonNeg := gen.Float64Range(0, 1e6)

	properties.Property("veto always fails", prop.ForAll(
		func(efficacy, risk, margin float64) bool {
			in, err := NewInputs(efficacy, risk, true, margin)
			if err != nil {
				return false
			}
			return Evaluate(in) == Fail
		},
		nonNeg, nonNeg, nonNeg,
	))

	properties.Property("verdict matches strict inequality when veto is clear", prop.ForAll(
		func(efficacy, risk, margin float64) bool {
			in, err := NewInputs(efficacy, risk, false, margin)
			if err != nil {
				return false
			}
			want := Fail
			if efficacy > risk+margin {
				want = Pass
			}
			return Evaluate(in) == want
		},
		nonNeg, nonNeg, nonNeg,
	))

	properties.TestingRun(t)
}
