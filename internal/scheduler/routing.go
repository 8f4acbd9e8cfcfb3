package scheduler

import (
	"sort"

	"github.com/smilemakc/alphred/internal/domain"
)

// RoutingEvaluator picks, for a newly-terminal run-node attempt, the one
// outgoing edge that fires — respecting route_on, priority ordering, guard
// expressions, and artifact freshness.
type RoutingEvaluator struct {
	guards *GuardEvaluator
}

func NewRoutingEvaluator(guards *GuardEvaluator) *RoutingEvaluator {
	return &RoutingEvaluator{guards: guards}
}

// Selection is the outcome of evaluating routing for one terminal attempt.
type Selection struct {
	Edge                domain.TreeEdge
	InformingArtifactID *int64
}

// Select implements §4.C: filter by route_on, sort by the stable total
// order, then take the first edge whose guard matches (auto edges always
// match). It returns (nil, nil) when no outgoing edge applies — the
// terminal frontier.
func (re *RoutingEvaluator) Select(
	tree *domain.WorkflowTree,
	sourceNodeKey string,
	status domain.RunNodeStatus,
	latestArtifact *domain.PhaseArtifact,
) (*Selection, error) {
	var routeOn domain.RouteOn
	switch status {
	case domain.RunNodeStatusCompleted:
		routeOn = domain.RouteOnSuccess
	case domain.RunNodeStatusFailed:
		routeOn = domain.RouteOnFailure
	default:
		// cancelled and skipped never fire outgoing edges.
		return nil, nil
	}

	candidates := make([]domain.TreeEdge, 0)
	for _, e := range tree.OutgoingEdges(sourceNodeKey) {
		if e.RouteOn == routeOn {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return lessEdge(tree, candidates[i], candidates[j])
	})

	var env map[string]any
	var informing *int64
	if latestArtifact != nil {
		env = DecisionContext(*latestArtifact)
		id := latestArtifact.ID
		informing = &id
	}

	for _, e := range candidates {
		if e.Auto {
			return &Selection{Edge: e, InformingArtifactID: informing}, nil
		}
		matched, err := re.guards.Evaluate(e.GuardExpression, env)
		if err != nil {
			// A malformed guard is treated as non-matching and the
			// evaluator moves on to the next candidate, per the error
			// handling design for InvalidGuardExpression.
			continue
		}
		if matched {
			return &Selection{Edge: e, InformingArtifactID: informing}, nil
		}
	}
	return nil, nil
}

// lessEdge implements the total order: (priority ascending, sequence_index
// of target ascending, source_node_key, target_node_key).
func lessEdge(tree *domain.WorkflowTree, a, b domain.TreeEdge) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	aTarget, _ := tree.Node(a.TargetNodeKey)
	bTarget, _ := tree.Node(b.TargetNodeKey)
	if aTarget.SequenceIndex != bTarget.SequenceIndex {
		return aTarget.SequenceIndex < bTarget.SequenceIndex
	}
	if a.SourceNodeKey != b.SourceNodeKey {
		return a.SourceNodeKey < b.SourceNodeKey
	}
	return a.TargetNodeKey < b.TargetNodeKey
}

// DecisionApplicable implements resolveApplicableRoutingDecision: a
// decision is applicable only if its source run-node has no non-noise
// artifact with an id strictly greater than the artifact that informed it.
// Failed-command-output artifacts never invalidate a decision because they
// are excluded from latestArtifact selection upstream.
func DecisionApplicable(decision domain.RoutingDecision, latestArtifact *domain.PhaseArtifact) bool {
	if decision.InformingArtifactID == nil {
		return latestArtifact == nil
	}
	if latestArtifact == nil {
		return true
	}
	return latestArtifact.ID <= *decision.InformingArtifactID
}
