package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/alphred/internal/domain"
)

func TestJoinSubsystem_Spawn_OverflowRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	joins := NewJoinSubsystem(store)

	spawner := domain.TreeNode{NodeKey: "spawner", NodeRole: domain.NodeRoleSpawner, MaxChildren: 1}
	subtasks := []domain.Subtask{{NodeKey: "child"}, {NodeKey: "child"}}

	_, err := joins.Spawn(ctx, 1, spawner, 10, 20, 30, subtasks)
	require.Error(t, err)
	domainErr, ok := err.(*domain.Error)
	require.True(t, ok)
	assert.Equal(t, domain.ErrCodeSpawnerOverflow, domainErr.Code)
}

func TestJoinSubsystem_Spawn_EmptySubtasksIsImmediatelyReady(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	joins := NewJoinSubsystem(store)

	spawner := domain.TreeNode{NodeKey: "spawner", NodeRole: domain.NodeRoleSpawner, MaxChildren: 5}
	barrier, err := joins.Spawn(ctx, 1, spawner, 10, 20, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinBarrierReady, barrier.State)
}

func TestJoinSubsystem_Spawn_BarrierReadyOnceAllChildrenTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	joins := NewJoinSubsystem(store)

	spawner := domain.TreeNode{NodeKey: "spawner", NodeRole: domain.NodeRoleSpawner, MaxChildren: 5}
	subtasks := []domain.Subtask{{NodeKey: "child_a"}, {NodeKey: "child_b"}}
	barrier, err := joins.Spawn(ctx, 1, spawner, 10, 20, 30, subtasks)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinBarrierOpen, barrier.State)

	children, err := store.ListBarrierChildren(ctx, barrier.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	require.NoError(t, joins.ObserveChildTerminal(ctx, barrier.ID, children[0].RunNodeID, domain.RunNodeStatusCompleted))
	still, err := store.ListBarriers(ctx, 20, domain.JoinBarrierOpen)
	require.NoError(t, err)
	assert.Len(t, still, 1, "barrier stays open until every child is terminal")

	require.NoError(t, joins.ObserveChildTerminal(ctx, barrier.ID, children[1].RunNodeID, domain.RunNodeStatusFailed))
	ready, err := store.ListBarriers(ctx, 20, domain.JoinBarrierReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestJoinSubsystem_ResolveCohort_ReopenedBarrierPullsLaterReadyBatchIn(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	joins := NewJoinSubsystem(store)

	spawner := domain.TreeNode{NodeKey: "spawner", NodeRole: domain.NodeRoleSpawner, MaxChildren: 5}

	completeChild := func(barrier *domain.JoinBarrier) {
		children, err := store.ListBarrierChildren(ctx, barrier.ID)
		require.NoError(t, err)
		require.NoError(t, joins.ObserveChildTerminal(ctx, barrier.ID, children[0].RunNodeID, domain.RunNodeStatusCompleted))
	}

	b1, err := joins.Spawn(ctx, 1, spawner, 10, 20, 30, []domain.Subtask{{NodeKey: "c1"}})
	require.NoError(t, err)
	b2, err := joins.Spawn(ctx, 1, spawner, 11, 20, 31, []domain.Subtask{{NodeKey: "c2"}})
	require.NoError(t, err)
	completeChild(b1)
	completeChild(b2)

	// batch 1 and 2 both release; batch 3 then completes and sits ready,
	// not yet released.
	_, err = joins.ReleaseReady(ctx, 20)
	require.NoError(t, err)
	b3, err := joins.Spawn(ctx, 1, spawner, 12, 20, 32, []domain.Subtask{{NodeKey: "c3"}})
	require.NoError(t, err)
	completeChild(b3)

	// batch 1's child retries: this reopens the already-released batch 1
	// and, once it re-completes, promotes it back to ready.
	c1, err := store.ListBarrierChildren(ctx, b1.ID)
	require.NoError(t, err)
	require.NoError(t, joins.Reopen(ctx, b1.ID, c1[0].RunNodeID))
	require.NoError(t, joins.ObserveChildTerminal(ctx, b1.ID, c1[0].RunNodeID, domain.RunNodeStatusCompleted))

	cohort, err := joins.ResolveCohort(ctx, 20)
	require.NoError(t, err)
	// batch 2 stays excluded: it is already released and was never touched
	// by the reopen. Batch 1 (reopened) and batch 3 (still ready, never
	// released) form the cohort the join attempt now consumes.
	require.Len(t, cohort.Barriers, 2)
	assert.Equal(t, 1, cohort.Barriers[0].BatchIndex)
	assert.Equal(t, 3, cohort.Barriers[1].BatchIndex)
	_ = b2
}

func TestCohort_SpawnerRunNodeIDs_SortedDeduplicated(t *testing.T) {
	c := &Cohort{Barriers: []domain.JoinBarrier{
		{SpawnerRunNodeID: 5}, {SpawnerRunNodeID: 2}, {SpawnerRunNodeID: 5},
	}}
	assert.Equal(t, []int64{2, 5}, c.SpawnerRunNodeIDs())
}
