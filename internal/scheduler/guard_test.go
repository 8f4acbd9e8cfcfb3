package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/alphred/internal/domain"
)

func TestGuardEvaluator_Condition(t *testing.T) {
	ge := NewGuardEvaluator()

	g := domain.NewCondition("score", domain.OpGreaterEqual, float64(80))
	matched, err := ge.Evaluate(&g, map[string]any{"score": float64(92)})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = ge.Evaluate(&g, map[string]any{"score": float64(10)})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestGuardEvaluator_MissingFieldIsFalse(t *testing.T) {
	ge := NewGuardEvaluator()
	g := domain.NewCondition("absent", domain.OpEqual, "x")
	matched, err := ge.Evaluate(&g, map[string]any{})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestGuardEvaluator_CrossTypeComparisonIsFalseNotCoerced(t *testing.T) {
	ge := NewGuardEvaluator()
	g := domain.NewCondition("count", domain.OpEqual, float64(3))
	// "count" arrives as a string, not a number: no coercion, just false.
	matched, err := ge.Evaluate(&g, map[string]any{"count": "3"})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestGuardEvaluator_GroupAndOr(t *testing.T) {
	ge := NewGuardEvaluator()

	a := domain.NewCondition("a", domain.OpEqual, true)
	b := domain.NewCondition("b", domain.OpEqual, true)
	and := domain.NewGroup(domain.LogicAnd, a, b)
	or := domain.NewGroup(domain.LogicOr, a, b)

	env := map[string]any{"a": true, "b": false}

	matched, err := ge.Evaluate(&and, env)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = ge.Evaluate(&or, env)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestGuardEvaluator_NilGuardAlwaysMatches(t *testing.T) {
	ge := NewGuardEvaluator()
	matched, err := ge.Evaluate(nil, map[string]any{})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestDecisionContext_FallsBackToSimpleDecision(t *testing.T) {
	env := DecisionContext(domain.PhaseArtifact{Content: "approved"})
	assert.Equal(t, "approved", env["decision"])

	env = DecisionContext(domain.PhaseArtifact{Content: "true"})
	assert.Equal(t, true, env["decision"])

	env = DecisionContext(domain.PhaseArtifact{Metadata: map[string]any{"decision": "explicit"}, Content: "true"})
	assert.Equal(t, "explicit", env["decision"])
}
