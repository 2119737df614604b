// Package compliance evaluates proposed actions against policy rules
// before they may reach the approval gate. Rules are CEL expressions
// compiled once at engine construction, so a malformed rule fails the
// process at startup instead of mid-session.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Verdict is the outcome of a compliance evaluation.
type Verdict string

const (
	// VerdictActionProposed means the action passed every rule and needs
	// human approval before execution.
	VerdictActionProposed Verdict = "COMPLIANT_ACTION_PROPOSED"
	// VerdictNoActionRequired means there is nothing to execute.
	VerdictNoActionRequired Verdict = "NO_ACTION_REQUIRED"
	// VerdictViolation means a blocking rule failed.
	VerdictViolation Verdict = "VIOLATION"
)

// Rule is one policy check. The expression must evaluate to a boolean
// over the `action`, `confidence` and `entity` inputs; false is a
// violation.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	// Blocking rules move the session to FAILED; advisory ones are
	// reported but do not stop the workflow.
	Blocking bool `yaml:"blocking" json:"blocking"`
}

// RuleViolation names a failed rule.
type RuleViolation struct {
	Rule     string `json:"rule"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
}

// Evaluation is the full result of one compliance pass.
type Evaluation struct {
	Verdict    Verdict         `json:"verdict"`
	Violations []RuleViolation `json:"violations,omitempty"`
}

// ViolationError is returned when a blocking rule fails. It is never
// auto-retried; the session moves to FAILED.
type ViolationError struct {
	Violations []RuleViolation
}

func (e *ViolationError) Error() string {
	names := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		names = append(names, v.Rule)
	}
	return "compliance: blocking rule(s) violated: " + strings.Join(names, ", ")
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Engine holds the compiled rule set.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles rules against a fixed environment. Compilation
// errors are returned eagerly with the offending rule named.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("entity", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("compliance env: %w", err)
	}

	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, program: prg})
	}
	return e, nil
}

// Evaluate runs every rule against the proposed action. A nil or empty
// action short-circuits to NO_ACTION_REQUIRED without touching rules.
// If any blocking rule fails the error is a *ViolationError; advisory
// failures are reported on the evaluation only.
func (e *Engine) Evaluate(ctx context.Context, entityID string, action map[string]any, confidence float64) (*Evaluation, error) {
	if len(action) == 0 {
		return &Evaluation{Verdict: VerdictNoActionRequired}, nil
	}

	input := map[string]any{
		"action":     action,
		"confidence": confidence,
		"entity":     entityID,
	}

	eval := &Evaluation{Verdict: VerdictActionProposed}
	var blocking []RuleViolation
	for _, cr := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, _, err := cr.program.Eval(input)
		if err != nil {
			// Runtime failure of a rule is indistinguishable from a
			// violation for safety purposes; fail closed.
			v := RuleViolation{Rule: cr.rule.Name, Blocking: cr.rule.Blocking,
				Message: fmt.Sprintf("rule evaluation failed: %v", err)}
			eval.Violations = append(eval.Violations, v)
			if cr.rule.Blocking {
				blocking = append(blocking, v)
			}
			continue
		}
		passed, ok := val.Value().(bool)
		if !ok || !passed {
			v := RuleViolation{Rule: cr.rule.Name, Blocking: cr.rule.Blocking, Message: "rule returned false"}
			eval.Violations = append(eval.Violations, v)
			if cr.rule.Blocking {
				blocking = append(blocking, v)
			}
		}
	}

	if len(blocking) > 0 {
		eval.Verdict = VerdictViolation
		return eval, &ViolationError{Violations: blocking}
	}
	return eval, nil
}
