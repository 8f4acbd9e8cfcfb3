package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/smilemakc/alphred/internal/domain"
)

// Executor is the public entry point onto the workflow engine: launching
// runs, driving them forward, recording attempt results, cancelling them,
// and reading back a point-in-time snapshot.
type Executor struct {
	store domain.Store
	sched *Scheduler
	log   zerolog.Logger
}

func NewExecutor(store domain.Store, log zerolog.Logger, maxCASRetries int) *Executor {
	return &Executor{
		store: store,
		sched: New(store, log, maxCASRetries),
		log:   log,
	}
}

// LaunchRun materializes a new WorkflowRun from the latest published version
// of treeKey, creates attempt-1 run-nodes for every initially-runnable node,
// and runs one Advance pass to assemble their upstream context.
func (ex *Executor) LaunchRun(ctx context.Context, treeKey string) (*domain.WorkflowRun, error) {
	tree, err := ex.store.GetLatestTreeByKey(ctx, treeKey)
	if err != nil {
		return nil, err
	}

	var run *domain.WorkflowRun
	err = ex.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
		created, err := tx.CreateRun(ctx, tree)
		if err != nil {
			return err
		}
		run = created
		for _, nodeKey := range tree.InitialRunnableNodeKeys() {
			node, _ := tree.Node(nodeKey)
			if node.NodeRole == domain.NodeRoleJoin {
				// A join can never be initially runnable: it has no
				// incoming edges only if it is never fed by a spawner,
				// which is a malformed tree, but defensively skip it
				// rather than create an attempt nothing will release.
				continue
			}
			if _, err := tx.CreateNextAttempt(ctx, run.ID, nodeKey, 0, 1, domain.RunNodeStatusPending); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := ex.sched.Advance(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// Advance drives one scheduling step for runID.
func (ex *Executor) Advance(ctx context.Context, runID int64) error {
	return ex.sched.Advance(ctx, runID)
}

// ReportAttemptResult records an external dispatcher's outcome for a
// run-node attempt: it transitions pending->running->terminal (or
// pending->running directly when the caller only reports the start),
// inserts any artifacts produced, and then runs one Advance pass so the
// consequences (retry, routing, join release) are applied immediately.
func (ex *Executor) ReportAttemptResult(
	ctx context.Context,
	runID int64,
	runNodeID int64,
	attempt int,
	status domain.RunNodeStatus,
	artifacts []ArtifactInput,
) error {
	err := ex.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
		rn, err := tx.GetRunNode(ctx, runNodeID)
		if err != nil {
			return err
		}
		if rn.Attempt != attempt {
			return domain.StaleTransition("attempt mismatch on report_attempt_result")
		}

		if rn.Status == domain.RunNodeStatusPending && status != domain.RunNodeStatusPending {
			if err := tx.TransitionRunNodeStatus(ctx, runNodeID, domain.RunNodeStatusPending, domain.RunNodeStatusRunning); err != nil {
				return err
			}
			rn.Status = domain.RunNodeStatusRunning
		}

		for _, a := range artifacts {
			if _, err := tx.InsertArtifact(ctx, runID, runNodeID, attempt, a.ArtifactType, a.ContentType, a.Content, a.Metadata); err != nil {
				return err
			}
		}

		if status.IsTerminal() && rn.Status == domain.RunNodeStatusRunning {
			if err := tx.TransitionRunNodeStatus(ctx, runNodeID, domain.RunNodeStatusRunning, status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return ex.sched.Advance(ctx, runID)
}

// ArtifactInput is the caller-supplied shape of one produced artifact.
type ArtifactInput struct {
	ArtifactType string
	ContentType  string
	Content      string
	Metadata     map[string]any
}

// CancelRun transitions the run and every one of its non-terminal run-node
// attempts to cancelled. Already-terminal attempts are left as history.
func (ex *Executor) CancelRun(ctx context.Context, runID int64) error {
	return ex.store.RunInTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		latest, err := tx.LoadLatestAttempts(ctx, runID)
		if err != nil {
			return err
		}
		for _, rn := range latest {
			if rn.Status.IsTerminal() {
				continue
			}
			if err := tx.TransitionRunNodeStatus(ctx, rn.ID, rn.Status, domain.RunNodeStatusCancelled); err != nil {
				return err
			}
		}
		return tx.TransitionRunStatus(ctx, runID, run.Status, domain.RunStatusCancelled)
	})
}

// GetRunSnapshot returns a point-in-time read of a run's latest run-nodes,
// latest routing decisions, and join barriers.
func (ex *Executor) GetRunSnapshot(ctx context.Context, runID int64) (*domain.RunSnapshot, error) {
	run, err := ex.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest, err := ex.store.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := ex.store.LoadLatestRoutingDecisions(ctx, runID)
	if err != nil {
		return nil, err
	}
	decisionList := make([]domain.RoutingDecision, 0, len(decisions))
	for _, d := range decisions {
		decisionList = append(decisionList, d)
	}

	tree, err := ex.store.GetTree(ctx, run.TreeID)
	if err != nil {
		return nil, err
	}
	var barriers []domain.JoinBarrier
	for _, node := range tree.Nodes() {
		if node.NodeRole != domain.NodeRoleJoin {
			continue
		}
		joinRunNode, err := ex.store.GetRunNodeByAttempt(ctx, runID, node.NodeKey, 1)
		if err != nil {
			continue
		}
		bs, err := ex.store.ListAllBarriersForJoin(ctx, joinRunNode.ID)
		if err != nil {
			return nil, err
		}
		barriers = append(barriers, bs...)
	}

	return &domain.RunSnapshot{
		Run:              *run,
		LatestRunNodes:   latest,
		RoutingDecisions: decisionList,
		Barriers:         barriers,
	}, nil
}
