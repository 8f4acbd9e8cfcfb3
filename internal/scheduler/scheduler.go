package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/smilemakc/alphred/internal/domain"
)

// Scheduler ties the run-node state machine, routing evaluator, upstream
// context assembler and fan-out/join subsystem together behind one
// advancement step.
type Scheduler struct {
	store   domain.Store
	routing *RoutingEvaluator
	context *ContextAssembler
	joins   *JoinSubsystem
	log     zerolog.Logger

	// maxCASRetries bounds how many times a transient StaleTransition is
	// retried locally within one Advance call before being surfaced.
	maxCASRetries int
}

func New(store domain.Store, log zerolog.Logger, maxCASRetries int) *Scheduler {
	guards := NewGuardEvaluator()
	joins := NewJoinSubsystem(store)
	return &Scheduler{
		store:         store,
		routing:       NewRoutingEvaluator(guards),
		context:       NewContextAssembler(store, joins),
		joins:         joins,
		log:           log,
		maxCASRetries: maxCASRetries,
	}
}

// Advance runs one scheduling step against runID: it observes run state,
// applies routing/retry/join logic to every newly-terminal attempt,
// assembles upstream context for every pending attempt, applies the rerun
// cascade, and marks the run terminal when quiescent. The whole step
// executes inside one store transaction.
func (s *Scheduler) Advance(ctx context.Context, runID int64) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxCASRetries; attempt++ {
		lastErr = s.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
			return s.advanceOnce(ctx, tx, runID)
		})
		if lastErr == nil {
			return nil
		}
		if !isStale(lastErr) {
			return lastErr
		}
		s.log.Warn().Int64("run_id", runID).Int("attempt", attempt).Err(lastErr).Msg("advance: stale transition, retrying")
	}
	return lastErr
}

func isStale(err error) bool {
	domainErr, ok := err.(*domain.Error)
	return ok && domainErr.Code == domain.ErrCodeStaleTransition
}

func (s *Scheduler) advanceOnce(ctx context.Context, tx domain.Store, runID int64) error {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		// Cancelling a run makes every future advance a no-op.
		return nil
	}

	tree, err := tx.GetTree(ctx, run.TreeID)
	if err != nil {
		return err
	}

	latest, err := tx.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return err
	}
	decisions, err := tx.LoadLatestRoutingDecisions(ctx, runID)
	if err != nil {
		return err
	}
	artifacts, err := tx.LoadLatestArtifactsByRunNode(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status == domain.RunStatusPending && len(latest) > 0 {
		if err := tx.TransitionRunStatus(ctx, runID, domain.RunStatusPending, domain.RunStatusRunning); err != nil {
			return err
		}
	}

	anyFailedTerminal := false

	for _, rn := range latest {
		if !rn.Status.IsTerminal() {
			continue
		}
		if _, hasDecision := decisions[rn.ID]; hasDecision {
			continue
		}

		node, ok := tree.Node(rn.NodeKey)
		if !ok {
			return domain.UnknownNodeKey(rn.NodeKey)
		}

		if err := s.observeBarrierTermination(ctx, tx, rn); err != nil {
			return err
		}

		if rn.Status == domain.RunNodeStatusFailed {
			if rn.Attempt < node.MaxRetries+1 {
				if _, err := tx.CreateNextAttempt(ctx, runID, rn.NodeKey, rn.Attempt, rn.Attempt+1, domain.RunNodeStatusPending); err != nil {
					return err
				}
				continue
			}
			anyFailedTerminal = true
		}

		if node.NodeRole == domain.NodeRoleSpawner && rn.Status == domain.RunNodeStatusCompleted {
			if err := s.handleSpawn(ctx, tx, tree, runID, node, rn, artifacts[rn.ID]); err != nil {
				return err
			}
			continue
		}

		var latestArtifact *domain.PhaseArtifact
		if art, ok := artifacts[rn.ID]; ok {
			latestArtifact = &art
		}
		selection, err := s.routing.Select(tree, rn.NodeKey, rn.Status, latestArtifact)
		if err != nil {
			return err
		}
		if selection == nil {
			continue
		}

		decisionType := domain.DecisionTypeSuccess
		if selection.Edge.RouteOn == domain.RouteOnFailure {
			decisionType = domain.DecisionTypeFailure
		}
		decision, err := tx.InsertRoutingDecision(ctx, domain.RoutingDecision{
			RunNodeID: rn.ID, Attempt: rn.Attempt, DecisionType: decisionType,
			TargetNodeKey: selection.Edge.TargetNodeKey, EdgeID: selection.Edge.ID,
			InformingArtifactID: selection.InformingArtifactID,
		})
		if err != nil {
			return err
		}

		targetNode, ok := tree.Node(selection.Edge.TargetNodeKey)
		if !ok {
			return domain.UnknownNodeKey(selection.Edge.TargetNodeKey)
		}
		if targetNode.NodeRole == domain.NodeRoleJoin {
			// Join attempts are spawned by barrier release, not directly
			// by an ordinary routing decision targeting them.
			continue
		}
		if err := s.ensureNextAttempt(ctx, tx, runID, targetNode, decision); err != nil {
			return err
		}
	}

	if err := s.releaseReadyJoins(ctx, tx, tree, runID); err != nil {
		return err
	}

	if err := s.applyRerunCascade(ctx, tx, runID, latest, decisions, artifacts); err != nil {
		return err
	}

	if err := s.assemblePending(ctx, tx, tree, runID); err != nil {
		return err
	}

	return s.maybeComplete(ctx, tx, tree, runID, anyFailedTerminal)
}

// applyRerunCascade implements §4.F's rerun cascade. It never runs as a
// standalone freshness comparison: it reuses the same DecisionApplicable
// check the routing evaluator's freshness guard is built on, applied here to
// decisions whose source run-node has since accrued a fresher non-noise
// artifact than the one that informed the decision. When that happens, the
// decision's target - if it already completed against the stale input - is
// given a new pending attempt so it observes the fresher upstream output.
func (s *Scheduler) applyRerunCascade(
	ctx context.Context,
	tx domain.Store,
	runID int64,
	latest []domain.RunNode,
	decisions map[int64]domain.RoutingDecision,
	artifacts map[int64]domain.PhaseArtifact,
) error {
	byNodeKey := make(map[string]domain.RunNode, len(latest))
	for _, rn := range latest {
		byNodeKey[rn.NodeKey] = rn
	}

	for sourceRunNodeID, decision := range decisions {
		var current *domain.PhaseArtifact
		if art, ok := artifacts[sourceRunNodeID]; ok {
			current = &art
		}
		if DecisionApplicable(decision, current) {
			continue
		}

		target, ok := byNodeKey[decision.TargetNodeKey]
		if !ok || target.Status != domain.RunNodeStatusCompleted {
			// Still pending/running: it will pick up the fresher artifact
			// the next time its context is assembled or it is routed to.
			continue
		}

		if _, err := tx.CreateNextAttempt(ctx, runID, target.NodeKey, target.Attempt, target.Attempt+1, domain.RunNodeStatusPending); err != nil {
			if isStale(err) {
				continue
			}
			return err
		}
		s.log.Info().Int64("run_id", runID).Str("node_key", target.NodeKey).Msg("rerun cascade: scheduling fresh attempt")
	}
	return nil
}

// observeBarrierTermination marks rn's terminal status on every barrier it
// is attached to as a spawned child, reopening a ready/released barrier
// instead if rn's new status followed a retry of an already-recorded child.
func (s *Scheduler) observeBarrierTermination(ctx context.Context, tx domain.Store, rn domain.RunNode) error {
	barriers, err := tx.FindBarriersForChild(ctx, rn.ID)
	if err != nil {
		return err
	}
	for _, b := range barriers {
		if rn.Attempt > 1 && (b.State == domain.JoinBarrierReady || b.State == domain.JoinBarrierReleased) {
			if err := s.joins.Reopen(ctx, b.ID, rn.ID); err != nil {
				return err
			}
		}
		if err := s.joins.ObserveChildTerminal(ctx, b.ID, rn.ID, rn.Status); err != nil {
			return err
		}
	}
	return nil
}

// handleSpawn extracts a spawner's emitted subtask list from its terminal
// artifact's metadata and materializes the fan-out.
func (s *Scheduler) handleSpawn(ctx context.Context, tx domain.Store, tree *domain.WorkflowTree, runID int64, spawner domain.TreeNode, rn domain.RunNode, artifact domain.PhaseArtifact) error {
	outgoing := tree.OutgoingEdges(spawner.NodeKey)
	var joinKey string
	for _, e := range outgoing {
		if e.RouteOn == domain.RouteOnSuccess {
			if target, ok := tree.Node(e.TargetNodeKey); ok && target.NodeRole == domain.NodeRoleJoin {
				joinKey = e.TargetNodeKey
				break
			}
		}
	}
	if joinKey == "" {
		return domain.NewError(domain.ErrCodeInvalidInput, fmt.Sprintf("spawner %q has no join target", spawner.NodeKey), nil)
	}
	joinRunNode, err := tx.GetRunNodeByAttempt(ctx, runID, joinKey, 1)
	if err != nil {
		return err
	}

	subtasks := parseSubtasks(artifact.Metadata)
	_, err = s.joins.Spawn(ctx, runID, spawner, rn.ID, joinRunNode.ID, artifact.ID, subtasks)
	if err != nil {
		if domainErr, ok := err.(*domain.Error); ok && domainErr.Code == domain.ErrCodeSpawnerOverflow {
			_, insertErr := tx.InsertArtifact(ctx, runID, rn.ID, rn.Attempt, "spawn_overflow", "text/plain", domainErr.Error(), map[string]any{"kind": "spawn_overflow"})
			if insertErr != nil {
				return insertErr
			}
			return nil
		}
		return err
	}
	return nil
}

func parseSubtasks(metadata map[string]any) []domain.Subtask {
	raw, ok := metadata["subtasks"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.Subtask, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		st := domain.Subtask{}
		if v, ok := m["node_key"].(string); ok {
			st.NodeKey = v
		}
		if v, ok := m["title"].(string); ok {
			st.Title = v
		}
		if v, ok := m["prompt"].(string); ok {
			st.Prompt = v
		}
		if v, ok := m["provider"].(string); ok {
			st.Provider = &v
		}
		if v, ok := m["model"].(string); ok {
			st.Model = &v
		}
		if v, ok := m["metadata"].(map[string]any); ok {
			st.Metadata = v
		}
		out = append(out, st)
	}
	return out
}

// ensureNextAttempt creates a new pending attempt for target when it has no
// non-terminal attempt already in flight.
func (s *Scheduler) ensureNextAttempt(ctx context.Context, tx domain.Store, runID int64, target domain.TreeNode, decision *domain.RoutingDecision) error {
	latestTarget, err := tx.GetRunNodeByAttempt(ctx, runID, target.NodeKey, 1)
	if err != nil {
		// Only initially-runnable nodes get a row at launch; a node with
		// incoming edges materializes its attempt 1 the first time something
		// routes to it.
		_, err = tx.CreateNextAttempt(ctx, runID, target.NodeKey, 0, 1, domain.RunNodeStatusPending)
		if err != nil && !isStale(err) {
			return err
		}
		return nil
	}
	current := latestTarget
	for {
		next, err := tx.GetRunNodeByAttempt(ctx, runID, target.NodeKey, current.Attempt+1)
		if err != nil {
			break
		}
		current = next
	}
	if !current.Status.IsTerminal() {
		return nil
	}
	_, err = tx.CreateNextAttempt(ctx, runID, target.NodeKey, current.Attempt, current.Attempt+1, domain.RunNodeStatusPending)
	if err != nil && !isStale(err) {
		return err
	}
	return nil
}

// releaseReadyJoins releases every ready barrier for every join node in the
// tree and spawns/refreshes that join node's next attempt when at least one
// barrier was released.
func (s *Scheduler) releaseReadyJoins(ctx context.Context, tx domain.Store, tree *domain.WorkflowTree, runID int64) error {
	for _, node := range tree.Nodes() {
		if node.NodeRole != domain.NodeRoleJoin {
			continue
		}
		joinRunNode, err := tx.GetRunNodeByAttempt(ctx, runID, node.NodeKey, 1)
		if err != nil {
			continue
		}
		released, err := s.joins.ReleaseReady(ctx, joinRunNode.ID)
		if err != nil {
			return err
		}
		if len(released) == 0 {
			continue
		}
		if err := s.ensureNextAttempt(ctx, tx, runID, node, nil); err != nil {
			return err
		}
	}
	return nil
}

// assemblePending computes upstream context for every latest attempt
// currently in pending, persisting its manifest. The attempt's status is
// left pending; an external dispatcher observes it and invokes the
// provider.
func (s *Scheduler) assemblePending(ctx context.Context, tx domain.Store, tree *domain.WorkflowTree, runID int64) error {
	latest, err := tx.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return err
	}
	decisions, err := tx.LoadLatestRoutingDecisions(ctx, runID)
	if err != nil {
		return err
	}
	byTarget := make(map[string]domain.RoutingDecision, len(decisions))
	for _, d := range decisions {
		byTarget[d.TargetNodeKey] = d
	}

	for _, rn := range latest {
		if rn.Status != domain.RunNodeStatusPending {
			continue
		}
		node, ok := tree.Node(rn.NodeKey)
		if !ok {
			return domain.UnknownNodeKey(rn.NodeKey)
		}
		if existing, err := tx.GetManifest(ctx, rn.ID, rn.Attempt); err == nil && existing != nil {
			continue
		}
		var triggering *domain.RoutingDecision
		if d, ok := byTarget[rn.NodeKey]; ok {
			triggering = &d
		}
		assembled, err := s.context.Assemble(ctx, tree, runID, node, rn.ID, rn.Attempt, triggering)
		if err != nil {
			return err
		}
		if err := tx.SaveManifest(ctx, rn.ID, rn.Attempt, assembled.Manifest); err != nil {
			return err
		}
	}
	return nil
}

// maybeComplete marks the run completed or failed once no non-terminal
// attempts remain and no barriers are open.
func (s *Scheduler) maybeComplete(ctx context.Context, tx domain.Store, tree *domain.WorkflowTree, runID int64, anyFailedTerminal bool) error {
	latest, err := tx.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return err
	}
	for _, rn := range latest {
		if !rn.Status.IsTerminal() {
			return nil
		}
	}
	for _, node := range tree.Nodes() {
		if node.NodeRole != domain.NodeRoleJoin {
			continue
		}
		joinRunNode, err := tx.GetRunNodeByAttempt(ctx, runID, node.NodeKey, 1)
		if err != nil {
			continue
		}
		open, err := tx.ListBarriers(ctx, joinRunNode.ID, domain.JoinBarrierOpen)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return nil
		}
	}

	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	target := domain.RunStatusCompleted
	if anyFailedTerminal {
		target = domain.RunStatusFailed
	}
	return tx.TransitionRunStatus(ctx, runID, run.Status, target)
}
