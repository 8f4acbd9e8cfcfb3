package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/smilemakc/alphred/internal/domain"
)

// JoinSubsystem materializes dynamic children from a spawner's subtask
// list, gates a join node on per-batch barriers, and resolves which
// batches' artifacts a join attempt's upstream context should consume.
type JoinSubsystem struct {
	store domain.Store
}

func NewJoinSubsystem(store domain.Store) *JoinSubsystem {
	return &JoinSubsystem{store: store}
}

// Spawn materializes subtasks emitted by a completed spawner attempt as new
// RunNodes and opens the join barrier that gates on their completion. It
// enforces the spawner's max_children cap: an overflow is a SpawnerOverflow
// error and no barrier is opened.
func (j *JoinSubsystem) Spawn(
	ctx context.Context,
	runID int64,
	spawnerNode domain.TreeNode,
	spawnerRunNodeID int64,
	joinRunNodeID int64,
	spawnArtifactID int64,
	subtasks []domain.Subtask,
) (*domain.JoinBarrier, error) {
	maxChildren := spawnerNode.MaxChildren
	if maxChildren == 0 {
		maxChildren = domain.DefaultMaxChildren
	}
	if len(subtasks) > maxChildren {
		return nil, domain.SpawnerOverflow(spawnerNode.NodeKey, len(subtasks), maxChildren)
	}

	barrier, err := j.store.OpenBarrier(ctx, runID, joinRunNodeID, spawnerRunNodeID, spawnArtifactID)
	if err != nil {
		return nil, err
	}

	if len(subtasks) == 0 {
		// An empty subtask list closes the barrier immediately with an
		// empty child set: there is nothing to wait on.
		if err := j.store.MarkReady(ctx, barrier.ID); err != nil {
			return nil, err
		}
		barrier.State = domain.JoinBarrierReady
		return barrier, nil
	}

	for _, st := range subtasks {
		child, err := j.store.CreateNextAttempt(ctx, runID, st.NodeKey, 0, 1, domain.RunNodeStatusPending)
		if err != nil {
			return nil, err
		}
		if err := j.store.AttachChild(ctx, barrier.ID, child.ID); err != nil {
			return nil, err
		}
	}
	return barrier, nil
}

// ObserveChildTerminal records a child's terminal status on every barrier it
// belongs to, promoting the barrier to ready once every child is terminal.
// It does not reopen a ready or released barrier; that is Reopen's job.
func (j *JoinSubsystem) ObserveChildTerminal(ctx context.Context, barrierID, childRunNodeID int64, status domain.RunNodeStatus) error {
	return j.store.MarkChildTerminal(ctx, barrierID, childRunNodeID, status)
}

// Reopen transitions a barrier back to open because one of its children
// received a new (non-terminal) attempt while the barrier was ready or
// released.
func (j *JoinSubsystem) Reopen(ctx context.Context, barrierID, childRunNodeID int64) error {
	return j.store.ReopenForRetriedChild(ctx, barrierID, childRunNodeID)
}

// ReleaseReady transitions every currently-ready barrier for joinRunNodeID
// to released, returning them so the caller can spawn or refresh the join
// node's next attempt.
func (j *JoinSubsystem) ReleaseReady(ctx context.Context, joinRunNodeID int64) ([]domain.JoinBarrier, error) {
	readyBarriers, err := j.store.ListBarriers(ctx, joinRunNodeID, domain.JoinBarrierReady)
	if err != nil {
		return nil, err
	}
	for i := range readyBarriers {
		if err := j.store.MarkReleased(ctx, readyBarriers[i].ID); err != nil {
			return nil, err
		}
		readyBarriers[i].State = domain.JoinBarrierReleased
	}
	return readyBarriers, nil
}

// Cohort is the result of resolving which barriers' children a join
// attempt's upstream context should consume.
type Cohort struct {
	Barriers []domain.JoinBarrier
	Children map[int64][]domain.JoinBarrierChild // barrier id -> children
}

// ResolveCohort implements the partitioning rule pinned by the join cohort
// batching scenario: the cohort is the union of (a) the children of the
// most-recently reopened barrier, and (b) the children of every currently
// ready barrier whose batch_index is >= that reopened barrier's index.
// "Reopened" is detected structurally: a ready barrier whose batch_index is
// not above the highest released batch_index must have passed through
// release once already and come back, since release only ever advances
// forward. When nothing has been reopened, the cohort is simply every
// currently ready barrier — released batches are never revisited.
func (j *JoinSubsystem) ResolveCohort(ctx context.Context, joinRunNodeID int64) (*Cohort, error) {
	all, err := j.store.ListAllBarriersForJoin(ctx, joinRunNodeID)
	if err != nil {
		return nil, err
	}

	var ready, released []domain.JoinBarrier
	for _, b := range all {
		switch b.State {
		case domain.JoinBarrierReady:
			ready = append(ready, b)
		case domain.JoinBarrierReleased:
			released = append(released, b)
		}
	}

	maxReleasedIndex := 0
	for _, b := range released {
		if b.BatchIndex > maxReleasedIndex {
			maxReleasedIndex = b.BatchIndex
		}
	}

	var reopenedIndex int
	for _, b := range ready {
		if b.BatchIndex <= maxReleasedIndex && b.BatchIndex > reopenedIndex {
			reopenedIndex = b.BatchIndex
		}
	}

	var cohortBarriers []domain.JoinBarrier
	if reopenedIndex > 0 {
		for _, b := range ready {
			if b.BatchIndex >= reopenedIndex {
				cohortBarriers = append(cohortBarriers, b)
			}
		}
	} else {
		cohortBarriers = append(cohortBarriers, ready...)
	}

	sort.Slice(cohortBarriers, func(i, k int) bool { return cohortBarriers[i].BatchIndex < cohortBarriers[k].BatchIndex })

	children := make(map[int64][]domain.JoinBarrierChild, len(cohortBarriers))
	for _, b := range cohortBarriers {
		cs, err := j.store.ListBarrierChildren(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("listing children for barrier %d: %w", b.ID, err)
		}
		children[b.ID] = cs
	}

	return &Cohort{Barriers: cohortBarriers, Children: children}, nil
}

// SpawnerRunNodeIDs returns the sorted, deduplicated set of spawner
// run-node ids across a cohort's barriers: the manifest's
// spawner_run_node_ids field for a multi-spawner join.
func (c *Cohort) SpawnerRunNodeIDs() []int64 {
	seen := make(map[int64]struct{}, len(c.Barriers))
	var out []int64
	for _, b := range c.Barriers {
		if _, ok := seen[b.SpawnerRunNodeID]; !ok {
			seen[b.SpawnerRunNodeID] = struct{}{}
			out = append(out, b.SpawnerRunNodeID)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}
