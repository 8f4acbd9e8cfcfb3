package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/alphred/internal/domain"
)

func buildRoutingTree(t *testing.T, edges []domain.TreeEdge) *domain.WorkflowTree {
	t.Helper()
	tree, err := domain.NewWorkflowTree("routing", 1, []domain.TreeNode{
		domain.NewStandardTreeNode("a", domain.NodeTypeAgent, 0, 0),
		domain.NewStandardTreeNode("low", domain.NodeTypeAgent, 1, 0),
		domain.NewStandardTreeNode("high", domain.NodeTypeAgent, 2, 0),
	}, edges)
	require.NoError(t, err)
	return tree
}

func TestRoutingEvaluator_Select_PriorityOrder(t *testing.T) {
	tree := buildRoutingTree(t, []domain.TreeEdge{
		{ID: 1, SourceNodeKey: "a", TargetNodeKey: "high", RouteOn: domain.RouteOnSuccess, Priority: 0, Auto: true},
		{ID: 2, SourceNodeKey: "a", TargetNodeKey: "low", RouteOn: domain.RouteOnSuccess, Priority: 1, Auto: true},
	})
	re := NewRoutingEvaluator(NewGuardEvaluator())

	sel, err := re.Select(tree, "a", domain.RunNodeStatusCompleted, nil)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "high", sel.Edge.TargetNodeKey, "lower priority number wins")
}

func TestRoutingEvaluator_Select_GuardSkipsToNextCandidate(t *testing.T) {
	guard := domain.NewCondition("tier", domain.OpEqual, "gold")
	tree := buildRoutingTree(t, []domain.TreeEdge{
		{ID: 1, SourceNodeKey: "a", TargetNodeKey: "high", RouteOn: domain.RouteOnSuccess, Priority: 0, GuardExpression: &guard},
		{ID: 2, SourceNodeKey: "a", TargetNodeKey: "low", RouteOn: domain.RouteOnSuccess, Priority: 1, Auto: true},
	})
	re := NewRoutingEvaluator(NewGuardEvaluator())

	artifact := &domain.PhaseArtifact{ID: 7, Metadata: map[string]any{"tier": "silver"}}
	sel, err := re.Select(tree, "a", domain.RunNodeStatusCompleted, artifact)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "low", sel.Edge.TargetNodeKey)
	require.NotNil(t, sel.InformingArtifactID)
	assert.Equal(t, int64(7), *sel.InformingArtifactID)
}

func TestRoutingEvaluator_Select_NoCandidatesReturnsNil(t *testing.T) {
	tree := buildRoutingTree(t, nil)
	re := NewRoutingEvaluator(NewGuardEvaluator())
	sel, err := re.Select(tree, "a", domain.RunNodeStatusCompleted, nil)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestRoutingEvaluator_Select_CancelledNeverFires(t *testing.T) {
	tree := buildRoutingTree(t, []domain.TreeEdge{
		{ID: 1, SourceNodeKey: "a", TargetNodeKey: "high", RouteOn: domain.RouteOnSuccess, Auto: true},
	})
	re := NewRoutingEvaluator(NewGuardEvaluator())
	sel, err := re.Select(tree, "a", domain.RunNodeStatusCancelled, nil)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestDecisionApplicable(t *testing.T) {
	id := int64(5)
	decision := domain.RoutingDecision{InformingArtifactID: &id}

	assert.True(t, DecisionApplicable(decision, &domain.PhaseArtifact{ID: 5}), "same artifact is still applicable")
	assert.True(t, DecisionApplicable(decision, &domain.PhaseArtifact{ID: 3}), "an older artifact can't invalidate a decision")
	assert.False(t, DecisionApplicable(decision, &domain.PhaseArtifact{ID: 6}), "a fresher artifact invalidates the decision")
	assert.True(t, DecisionApplicable(decision, nil))
}
