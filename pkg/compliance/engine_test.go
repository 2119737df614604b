package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() []Rule {
	return []Rule{
		{Name: "confidence-floor", Expression: `confidence >= 0.75`, Blocking: true},
		{Name: "amount-ceiling", Expression: `!has(action.amount) || double(action.amount) <= 10000.0`, Blocking: true},
		{Name: "prefer-reversible", Expression: `!has(action.irreversible) || action.irreversible == false`, Blocking: false},
	}
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	_, err := NewEngine([]Rule{{Name: "broken", Expression: `confidence >=`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = NewEngine([]Rule{{Name: "not-bool", Expression: `confidence + 1.0`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}

func TestEvaluateNoActionRequired(t *testing.T) {
	engine, err := NewEngine(testRules())
	require.NoError(t, err)

	eval, err := engine.Evaluate(context.Background(), "acct-1", nil, 0.0)
	require.NoError(t, err)
	assert.Equal(t, VerdictNoActionRequired, eval.Verdict)
	assert.Empty(t, eval.Violations)
}

func TestEvaluateCompliantActionProposed(t *testing.T) {
	engine, err := NewEngine(testRules())
	require.NoError(t, err)

	action := map[string]any{"type": "limit-adjustment", "amount": 2500.0}
	eval, err := engine.Evaluate(context.Background(), "acct-1", action, 0.9)
	require.NoError(t, err)
	assert.Equal(t, VerdictActionProposed, eval.Verdict)
	assert.Empty(t, eval.Violations)
}

func TestEvaluateBlockingViolation(t *testing.T) {
	engine, err := NewEngine(testRules())
	require.NoError(t, err)

	action := map[string]any{"type": "limit-adjustment", "amount": 50000.0}
	eval, err := engine.Evaluate(context.Background(), "acct-1", action, 0.9)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, VerdictViolation, eval.Verdict)
	require.Len(t, violation.Violations, 1)
	assert.Equal(t, "amount-ceiling", violation.Violations[0].Rule)
}

func TestEvaluateAdvisoryViolationDoesNotBlock(t *testing.T) {
	engine, err := NewEngine(testRules())
	require.NoError(t, err)

	action := map[string]any{"type": "close-account", "irreversible": true}
	eval, err := engine.Evaluate(context.Background(), "acct-1", action, 0.95)
	require.NoError(t, err)
	assert.Equal(t, VerdictActionProposed, eval.Verdict)
	require.Len(t, eval.Violations, 1)
	assert.Equal(t, "prefer-reversible", eval.Violations[0].Rule)
	assert.False(t, eval.Violations[0].Blocking)
}

func TestEvaluateRuleRuntimeErrorFailsClosed(t *testing.T) {
	engine, err := NewEngine([]Rule{
		{Name: "needs-field", Expression: `double(action.amount) > 0.0`, Blocking: true},
	})
	require.NoError(t, err)

	// The action lacks the field the rule dereferences.
	action := map[string]any{"type": "noop"}
	eval, err := engine.Evaluate(context.Background(), "acct-1", action, 0.9)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, VerdictViolation, eval.Verdict)
}
