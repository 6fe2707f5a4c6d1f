package finality

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// VetoEvaluator runs configured CEL veto rules against a proposal's
// attributes. Any rule evaluating to true, or failing to evaluate at all,
// raises the veto signal: the policy layer is fail-closed.
type VetoEvaluator struct {
	env      *cel.Env
	rules    []string
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewVetoEvaluator compiles an environment over the proposal attribute map.
// Rules are CEL boolean expressions, e.g.
//
//	proposal.risk_class == "CRITICAL"
//	double(proposal.delta_size) > 10000.0
func NewVetoEvaluator(rules []string) (*VetoEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
		cel.Variable("stage_index", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("finality: CEL environment: %w", err)
	}

	e := &VetoEvaluator{
		env:      env,
		rules:    rules,
		prgCache: make(map[string]cel.Program),
	}
	// Compile eagerly so malformed policy is a startup fault, not a
	// mid-run veto surprise.
	for _, rule := range rules {
		if _, err := e.program(rule); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Veto evaluates all rules. Returns the veto signal and, when raised, the
// rule that raised it.
func (e *VetoEvaluator) Veto(attributes map[string]interface{}, stageIndex int) (bool, string) {
	input := map[string]interface{}{
		"proposal":    attributes,
		"stage_index": stageIndex,
	}
	if attributes == nil {
		input["proposal"] = map[string]interface{}{}
	}

	for _, rule := range e.rules {
		prg, err := e.program(rule)
		if err != nil {
			return true, rule
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			// Evaluation fault vetoes: unknown attributes must not
			// slip past policy.
			return true, rule
		}
		if triggered, ok := out.Value().(bool); ok && triggered {
			return true, rule
		}
	}
	return false, ""
}

func (e *VetoEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("finality: compile veto rule %q: %w", expr, issues.Err())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("finality: program veto rule %q: %w", expr, err)
	}
	e.prgCache[expr] = p
	return p, nil
}
