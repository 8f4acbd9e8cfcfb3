package scheduler

import (
	"context"
	"sort"

	"github.com/smilemakc/alphred/internal/domain"
)

// ContextAssembler implements §4.D: for a run-node about to start a new
// attempt, gather the freshest upstream artifacts, synthesize a
// failure-route context when applicable, and emit the manifest recording
// exactly what was included.
type ContextAssembler struct {
	store domain.Store
	joins *JoinSubsystem
}

func NewContextAssembler(store domain.Store, joins *JoinSubsystem) *ContextAssembler {
	return &ContextAssembler{store: store, joins: joins}
}

// semanticSource is one upstream run-node contributing context to a target
// attempt via a success edge.
type semanticSource struct {
	nodeKey       string
	sequenceIndex int
	runNodeID     int64
}

// Assemble builds the AssembledContext for target's new attempt
// targetAttempt. triggeringDecision is the routing decision that caused
// this attempt to be created, or nil for an initially-runnable node with no
// predecessor.
func (a *ContextAssembler) Assemble(
	ctx context.Context,
	tree *domain.WorkflowTree,
	runID int64,
	target domain.TreeNode,
	targetRunNodeID int64,
	targetAttempt int,
	triggeringDecision *domain.RoutingDecision,
) (*domain.AssembledContext, error) {
	if target.NodeRole == domain.NodeRoleJoin {
		return a.assembleJoin(ctx, target, targetRunNodeID)
	}
	return a.assembleStandard(ctx, tree, runID, target, targetRunNodeID, targetAttempt, triggeringDecision)
}

func (a *ContextAssembler) assembleStandard(
	ctx context.Context,
	tree *domain.WorkflowTree,
	runID int64,
	target domain.TreeNode,
	targetRunNodeID int64,
	targetAttempt int,
	triggeringDecision *domain.RoutingDecision,
) (*domain.AssembledContext, error) {
	latestAttempts, err := a.store.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	latestArtifacts, err := a.store.LoadLatestArtifactsByRunNode(ctx, runID)
	if err != nil {
		return nil, err
	}
	byNodeKey := make(map[string]domain.RunNode, len(latestAttempts))
	for _, rn := range latestAttempts {
		byNodeKey[rn.NodeKey] = rn
	}

	var sources []semanticSource
	for _, e := range tree.IncomingEdges(target.NodeKey) {
		if e.RouteOn != domain.RouteOnSuccess {
			continue
		}
		srcRunNode, ok := byNodeKey[e.SourceNodeKey]
		if !ok || srcRunNode.Status != domain.RunNodeStatusCompleted {
			continue
		}
		srcTreeNode, ok := tree.Node(e.SourceNodeKey)
		if !ok {
			continue
		}
		sources = append(sources, semanticSource{
			nodeKey:       e.SourceNodeKey,
			sequenceIndex: srcTreeNode.SequenceIndex,
			runNodeID:     srcRunNode.ID,
		})
	}
	sort.Slice(sources, func(i, k int) bool {
		if sources[i].sequenceIndex != sources[k].sequenceIndex {
			return sources[i].sequenceIndex < sources[k].sequenceIndex
		}
		return sources[i].nodeKey < sources[k].nodeKey
	})

	var entries []domain.ContextEntry
	var includedKeys []string
	var includedIDs []int64
	for _, src := range sources {
		artifact, ok := latestArtifacts[src.runNodeID]
		if !ok {
			continue
		}
		entries = append(entries, domain.ContextEntry{SourceNodeKey: src.nodeKey, ArtifactID: artifact.ID, Content: artifact.Content})
		includedKeys = append(includedKeys, src.nodeKey)
		includedIDs = append(includedIDs, artifact.ID)
	}

	result := &domain.AssembledContext{
		Entries: entries,
		Manifest: domain.Manifest{
			IncludedSourceNodeKeys: sortedStrings(includedKeys),
			IncludedArtifactIDs:    sortedInt64s(includedIDs),
		},
	}

	failureCtx, err := a.assembleFailureRoute(ctx, runID, target, targetRunNodeID, targetAttempt, triggeringDecision, byNodeKey)
	if err != nil {
		return nil, err
	}
	if failureCtx != nil {
		result.FailureRouteContext = failureCtx
		result.Manifest.FailureRouteContextIncluded = true
		result.Manifest.FailureRouteSourceNodeKey = &failureCtx.SourceNodeKey
		result.Manifest.FailureRouteFailureArtifactID = &failureCtx.FailureArtifactID
		result.Manifest.FailureRouteRetrySummaryArtifactID = failureCtx.RetrySummaryArtifactID
	}
	return result, nil
}

// assembleFailureRoute implements §4.D steps 4-6. It returns nil when the
// immediate predecessor edge was not a failure route, or when no *current*
// failure cycle exists (the predecessor has since refreshed via success).
func (a *ContextAssembler) assembleFailureRoute(
	ctx context.Context,
	runID int64,
	target domain.TreeNode,
	targetRunNodeID int64,
	targetAttempt int,
	triggeringDecision *domain.RoutingDecision,
	byNodeKey map[string]domain.RunNode,
) (*domain.FailureRouteContext, error) {
	if triggeringDecision == nil || triggeringDecision.DecisionType != domain.DecisionTypeFailure {
		return nil, nil
	}

	sourceRunNode, err := a.store.GetRunNode(ctx, triggeringDecision.RunNodeID)
	if err != nil {
		return nil, err
	}

	previousArtifactID, err := a.previousTargetArtifactID(ctx, runID, target.NodeKey, targetAttempt)
	if err != nil {
		return nil, err
	}

	sourceArtifacts, err := a.store.ListArtifacts(ctx, sourceRunNode.ID)
	if err != nil {
		return nil, err
	}

	var currentCycle []domain.PhaseArtifact
	for _, art := range sourceArtifacts {
		if art.IsNoise() || art.IsErrorHandlerSummary() {
			continue
		}
		if previousArtifactID != nil && art.ID <= *previousArtifactID {
			continue
		}
		currentCycle = append(currentCycle, art)
	}
	if len(currentCycle) == 0 {
		// No current failure cycle: the predecessor's failure artifacts
		// are all from before the target's own previous attempt, so this
		// re-entry is not a fresh failure — suppress failure-route context.
		return nil, nil
	}

	highest := currentCycle[0]
	for _, art := range currentCycle[1:] {
		if art.ID > highest.ID {
			highest = art
		}
	}

	var retrySummaryID *int64
	var best *domain.PhaseArtifact
	for i := range sourceArtifacts {
		art := sourceArtifacts[i]
		if !art.IsErrorHandlerSummary() {
			continue
		}
		if previousArtifactID != nil && art.ID <= *previousArtifactID {
			continue
		}
		sourceAttempt, ok1 := art.SourceAttempt()
		targetAttemptField, ok2 := art.TargetAttempt()
		if !ok1 || !ok2 {
			continue
		}
		if sourceAttempt != highest.Attempt || targetAttemptField != targetAttempt {
			continue
		}
		if best == nil || art.ID > best.ID {
			a := art
			best = &a
		}
	}
	if best != nil {
		id := best.ID
		retrySummaryID = &id
	}

	return &domain.FailureRouteContext{
		SourceNodeKey:          sourceRunNode.NodeKey,
		FailureArtifactID:      highest.ID,
		RetrySummaryArtifactID: retrySummaryID,
	}, nil
}

// previousTargetArtifactID returns the highest non-noise artifact id from
// the target's own previous attempt, or nil if there is no previous attempt
// or it produced no semantic artifact.
func (a *ContextAssembler) previousTargetArtifactID(ctx context.Context, runID int64, nodeKey string, currentAttempt int) (*int64, error) {
	if currentAttempt <= 1 {
		return nil, nil
	}
	previousRunNode, err := a.store.GetRunNodeByAttempt(ctx, runID, nodeKey, currentAttempt-1)
	if err != nil {
		return nil, err
	}
	artifacts, err := a.store.ListArtifacts(ctx, previousRunNode.ID)
	if err != nil {
		return nil, err
	}
	freshest, ok := freshestNonNoise(artifacts)
	if !ok {
		return nil, nil
	}
	id := freshest.ID
	return &id, nil
}

func (a *ContextAssembler) assembleJoin(ctx context.Context, target domain.TreeNode, targetRunNodeID int64) (*domain.AssembledContext, error) {
	cohort, err := a.joins.ResolveCohort(ctx, targetRunNodeID)
	if err != nil {
		return nil, err
	}

	var entries []domain.ContextEntry
	var includedKeys []string
	var includedIDs []int64
	total, terminal, succeeded, failed := 0, 0, 0, 0

	for _, barrier := range cohort.Barriers {
		for _, child := range cohort.Children[barrier.ID] {
			total++
			rn, err := a.store.GetRunNode(ctx, child.RunNodeID)
			if err != nil {
				return nil, err
			}
			if child.TerminalStatus != nil {
				terminal++
				switch *child.TerminalStatus {
				case domain.RunNodeStatusCompleted:
					succeeded++
				case domain.RunNodeStatusFailed:
					failed++
				}
			}
			artifacts, err := a.store.ListArtifacts(ctx, rn.ID)
			if err != nil {
				return nil, err
			}
			freshest, ok := freshestNonNoise(artifacts)
			if !ok {
				continue
			}
			entries = append(entries, domain.ContextEntry{SourceNodeKey: rn.NodeKey, ArtifactID: freshest.ID, Content: freshest.Content})
			includedKeys = append(includedKeys, rn.NodeKey)
			includedIDs = append(includedIDs, freshest.ID)
		}
	}

	return &domain.AssembledContext{
		Entries: entries,
		Manifest: domain.Manifest{
			IncludedSourceNodeKeys: sortedStrings(includedKeys),
			IncludedArtifactIDs:    sortedInt64s(includedIDs),
			SpawnerRunNodeIDs:      cohort.SpawnerRunNodeIDs(),
			SubtasksTotal:          total,
			SubtasksTerminal:       terminal,
			SubtasksSucceeded:      succeeded,
			SubtasksFailed:         failed,
		},
	}, nil
}

func freshestNonNoise(artifacts []domain.PhaseArtifact) (domain.PhaseArtifact, bool) {
	var best domain.PhaseArtifact
	found := false
	for _, art := range artifacts {
		if art.IsNoise() {
			continue
		}
		if !found || art.ID > best.ID {
			best = art
			found = true
		}
	}
	return best, found
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedInt64s(in []int64) []int64 {
	out := append([]int64(nil), in...)
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}
