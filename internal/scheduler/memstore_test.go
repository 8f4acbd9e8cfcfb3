package scheduler

import (
	"context"
	"fmt"

	"github.com/smilemakc/alphred/internal/domain"
)

// memStore is an in-memory domain.Store used only by this package's tests.
// It reproduces the store's documented contracts (CAS transitions, monotonic
// artifact ids, barrier auto-promotion on last child terminal) without a
// database, so the scheduler/join/routing/context logic can be exercised
// directly.
type memStore struct {
	nextID int64

	trees      map[int64]*domain.WorkflowTree
	treeByKey  map[string]int64
	runs       map[int64]*domain.WorkflowRun
	runNodes   map[int64]*domain.RunNode
	attemptsBy map[int64]map[string][]int64 // runID -> nodeKey -> runNodeIDs by attempt order

	artifacts      map[int64]*domain.PhaseArtifact
	artifactsByRun map[int64][]int64 // runNodeID -> artifact ids, insertion order

	decisions map[int64]domain.RoutingDecision // keyed by source run_node_id
	manifests map[string]domain.Manifest       // "runNodeID:attempt"

	barriers        map[int64]*domain.JoinBarrier
	barrierChildren map[int64][]*domain.JoinBarrierChild
	childBarriers   map[int64][]int64 // child run_node_id -> barrier ids
	batchCounter    map[int64]int     // join_run_node_id -> next batch index
}

func newMemStore() *memStore {
	return &memStore{
		trees:           make(map[int64]*domain.WorkflowTree),
		treeByKey:       make(map[string]int64),
		runs:            make(map[int64]*domain.WorkflowRun),
		runNodes:        make(map[int64]*domain.RunNode),
		attemptsBy:      make(map[int64]map[string][]int64),
		artifacts:       make(map[int64]*domain.PhaseArtifact),
		artifactsByRun:  make(map[int64][]int64),
		decisions:       make(map[int64]domain.RoutingDecision),
		manifests:       make(map[string]domain.Manifest),
		barriers:        make(map[int64]*domain.JoinBarrier),
		barrierChildren: make(map[int64][]*domain.JoinBarrierChild),
		childBarriers:   make(map[int64][]int64),
		batchCounter:    make(map[int64]int),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) SaveTree(ctx context.Context, tree *domain.WorkflowTree) (*domain.WorkflowTree, error) {
	tree.ID = s.id()
	s.trees[tree.ID] = tree
	s.treeByKey[tree.TreeKey] = tree.ID
	return tree, nil
}

func (s *memStore) GetLatestTreeByKey(ctx context.Context, treeKey string) (*domain.WorkflowTree, error) {
	id, ok := s.treeByKey[treeKey]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("tree_key %q", treeKey))
	}
	return s.trees[id], nil
}

func (s *memStore) GetTree(ctx context.Context, treeID int64) (*domain.WorkflowTree, error) {
	t, ok := s.trees[treeID]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("tree %d", treeID))
	}
	return t, nil
}

func (s *memStore) CreateRun(ctx context.Context, tree *domain.WorkflowTree) (*domain.WorkflowRun, error) {
	run := &domain.WorkflowRun{ID: s.id(), TreeID: tree.ID, Status: domain.RunStatusPending}
	s.runs[run.ID] = run
	s.attemptsBy[run.ID] = make(map[string][]int64)
	return run, nil
}

func (s *memStore) GetRun(ctx context.Context, runID int64) (*domain.WorkflowRun, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("run %d", runID))
	}
	return r, nil
}

func (s *memStore) TransitionRunStatus(ctx context.Context, runID int64, expectedFrom, to domain.RunStatus) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != expectedFrom {
		return domain.StaleTransition(fmt.Sprintf("run %d: expected %s, got %s", runID, expectedFrom, run.Status))
	}
	run.Status = to
	return nil
}

func (s *memStore) LoadLatestAttempts(ctx context.Context, runID int64) ([]domain.RunNode, error) {
	var out []domain.RunNode
	for _, ids := range s.attemptsBy[runID] {
		if len(ids) == 0 {
			continue
		}
		out = append(out, *s.runNodes[ids[len(ids)-1]])
	}
	return out, nil
}

func (s *memStore) GetRunNode(ctx context.Context, runNodeID int64) (*domain.RunNode, error) {
	rn, ok := s.runNodes[runNodeID]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("run_node %d", runNodeID))
	}
	return rn, nil
}

func (s *memStore) GetRunNodeByAttempt(ctx context.Context, runID int64, nodeKey string, attempt int) (*domain.RunNode, error) {
	for _, id := range s.attemptsBy[runID][nodeKey] {
		rn := s.runNodes[id]
		if rn.Attempt == attempt {
			return rn, nil
		}
	}
	return nil, domain.NotFound(fmt.Sprintf("run %d node %q attempt %d", runID, nodeKey, attempt))
}

func (s *memStore) LoadLatestRoutingDecisions(ctx context.Context, runID int64) (map[int64]domain.RoutingDecision, error) {
	out := make(map[int64]domain.RoutingDecision)
	latest, _ := s.LoadLatestAttempts(ctx, runID)
	for _, rn := range latest {
		if d, ok := s.decisions[rn.ID]; ok {
			out[rn.ID] = d
		}
	}
	return out, nil
}

func (s *memStore) LoadLatestArtifactsByRunNode(ctx context.Context, runID int64) (map[int64]domain.PhaseArtifact, error) {
	out := make(map[int64]domain.PhaseArtifact)
	for runNodeID, ids := range s.artifactsByRun {
		rn, ok := s.runNodes[runNodeID]
		if !ok || rn.RunID != runID {
			continue
		}
		var best *domain.PhaseArtifact
		for _, aid := range ids {
			a := s.artifacts[aid]
			if a.IsNoise() {
				continue
			}
			if best == nil || a.ID > best.ID {
				best = a
			}
		}
		if best != nil {
			out[runNodeID] = *best
		}
	}
	return out, nil
}

func (s *memStore) TransitionRunNodeStatus(ctx context.Context, runNodeID int64, expectedFrom, to domain.RunNodeStatus) error {
	rn, err := s.GetRunNode(ctx, runNodeID)
	if err != nil {
		return err
	}
	if rn.Status != expectedFrom {
		return domain.StaleTransition(fmt.Sprintf("run_node %d: expected %s, got %s", runNodeID, expectedFrom, rn.Status))
	}
	rn.Status = to
	return nil
}

func (s *memStore) CreateNextAttempt(ctx context.Context, runID int64, nodeKey string, currentAttempt, nextAttempt int, initialStatus domain.RunNodeStatus) (*domain.RunNode, error) {
	existing := s.attemptsBy[runID][nodeKey]
	for _, id := range existing {
		if s.runNodes[id].Attempt >= nextAttempt {
			return nil, domain.StaleTransition(fmt.Sprintf("run %d node %q: attempt %d already exists", runID, nodeKey, nextAttempt))
		}
	}
	rn := &domain.RunNode{ID: s.id(), RunID: runID, NodeKey: nodeKey, Attempt: nextAttempt, Status: initialStatus}
	s.runNodes[rn.ID] = rn
	if s.attemptsBy[runID] == nil {
		s.attemptsBy[runID] = make(map[string][]int64)
	}
	s.attemptsBy[runID][nodeKey] = append(existing, rn.ID)
	return rn, nil
}

func (s *memStore) InsertArtifact(ctx context.Context, runID, runNodeID int64, attempt int, artifactType, contentType, content string, metadata map[string]any) (*domain.PhaseArtifact, error) {
	a := &domain.PhaseArtifact{
		ID: s.id(), RunID: runID, RunNodeID: runNodeID, Attempt: attempt,
		ArtifactType: artifactType, ContentType: contentType, Content: content, Metadata: metadata,
	}
	s.artifacts[a.ID] = a
	s.artifactsByRun[runNodeID] = append(s.artifactsByRun[runNodeID], a.ID)
	return a, nil
}

func (s *memStore) GetArtifact(ctx context.Context, artifactID int64) (*domain.PhaseArtifact, error) {
	a, ok := s.artifacts[artifactID]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("artifact %d", artifactID))
	}
	return a, nil
}

func (s *memStore) ListArtifacts(ctx context.Context, runNodeID int64) ([]domain.PhaseArtifact, error) {
	var out []domain.PhaseArtifact
	for _, id := range s.artifactsByRun[runNodeID] {
		out = append(out, *s.artifacts[id])
	}
	return out, nil
}

func (s *memStore) ListArtifactsSince(ctx context.Context, runNodeID int64, sinceID int64) ([]domain.PhaseArtifact, error) {
	var out []domain.PhaseArtifact
	for _, id := range s.artifactsByRun[runNodeID] {
		if id > sinceID {
			out = append(out, *s.artifacts[id])
		}
	}
	return out, nil
}

func (s *memStore) InsertRoutingDecision(ctx context.Context, d domain.RoutingDecision) (*domain.RoutingDecision, error) {
	d.ID = s.id()
	s.decisions[d.RunNodeID] = d
	return &d, nil
}

func (s *memStore) GetRoutingDecision(ctx context.Context, runNodeID int64, attempt int) (*domain.RoutingDecision, error) {
	d, ok := s.decisions[runNodeID]
	if !ok || d.Attempt != attempt {
		return nil, domain.NotFound(fmt.Sprintf("routing decision for run_node %d attempt %d", runNodeID, attempt))
	}
	return &d, nil
}

func (s *memStore) SaveManifest(ctx context.Context, runNodeID int64, attempt int, m domain.Manifest) error {
	s.manifests[manifestKey(runNodeID, attempt)] = m
	return nil
}

func (s *memStore) GetManifest(ctx context.Context, runNodeID int64, attempt int) (*domain.Manifest, error) {
	m, ok := s.manifests[manifestKey(runNodeID, attempt)]
	if !ok {
		return nil, domain.NotFound(fmt.Sprintf("manifest for run_node %d attempt %d", runNodeID, attempt))
	}
	return &m, nil
}

func manifestKey(runNodeID int64, attempt int) string {
	return fmt.Sprintf("%d:%d", runNodeID, attempt)
}

func (s *memStore) FindBarriersForChild(ctx context.Context, childRunNodeID int64) ([]domain.JoinBarrier, error) {
	var out []domain.JoinBarrier
	for _, id := range s.childBarriers[childRunNodeID] {
		out = append(out, *s.barriers[id])
	}
	return out, nil
}

func (s *memStore) OpenBarrier(ctx context.Context, runID, joinRunNodeID, spawnerRunNodeID, spawnSourceArtifactID int64) (*domain.JoinBarrier, error) {
	s.batchCounter[joinRunNodeID]++
	b := &domain.JoinBarrier{
		ID: s.id(), RunID: runID, JoinRunNodeID: joinRunNodeID, SpawnerRunNodeID: spawnerRunNodeID,
		SpawnSourceArtifactID: spawnSourceArtifactID, BatchIndex: s.batchCounter[joinRunNodeID],
		State: domain.JoinBarrierOpen,
	}
	s.barriers[b.ID] = b
	return b, nil
}

func (s *memStore) AttachChild(ctx context.Context, barrierID, childRunNodeID int64) error {
	s.barrierChildren[barrierID] = append(s.barrierChildren[barrierID], &domain.JoinBarrierChild{BarrierID: barrierID, RunNodeID: childRunNodeID})
	s.childBarriers[childRunNodeID] = append(s.childBarriers[childRunNodeID], barrierID)
	return nil
}

func (s *memStore) MarkChildTerminal(ctx context.Context, barrierID, childRunNodeID int64, status domain.RunNodeStatus) error {
	children := s.barrierChildren[barrierID]
	found := false
	allTerminal := true
	for _, c := range children {
		if c.RunNodeID == childRunNodeID {
			st := status
			c.TerminalStatus = &st
			found = true
		}
		if c.TerminalStatus == nil {
			allTerminal = false
		}
	}
	if !found {
		return domain.NotFound(fmt.Sprintf("barrier %d has no child run_node %d", barrierID, childRunNodeID))
	}
	if b := s.barriers[barrierID]; b.State == domain.JoinBarrierOpen && allTerminal {
		b.State = domain.JoinBarrierReady
	}
	return nil
}

func (s *memStore) MarkReady(ctx context.Context, barrierID int64) error {
	s.barriers[barrierID].State = domain.JoinBarrierReady
	return nil
}

func (s *memStore) MarkReleased(ctx context.Context, barrierID int64) error {
	s.barriers[barrierID].State = domain.JoinBarrierReleased
	return nil
}

func (s *memStore) ReopenForRetriedChild(ctx context.Context, barrierID, childRunNodeID int64) error {
	b, ok := s.barriers[barrierID]
	if !ok {
		return domain.NotFound(fmt.Sprintf("barrier %d", barrierID))
	}
	b.State = domain.JoinBarrierOpen
	for _, c := range s.barrierChildren[barrierID] {
		if c.RunNodeID == childRunNodeID {
			c.TerminalStatus = nil
		}
	}
	return nil
}

func (s *memStore) ListBarriers(ctx context.Context, joinRunNodeID int64, state domain.JoinBarrierState) ([]domain.JoinBarrier, error) {
	var out []domain.JoinBarrier
	for _, b := range s.barriers {
		if b.JoinRunNodeID == joinRunNodeID && b.State == state {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) ListBarrierChildren(ctx context.Context, barrierID int64) ([]domain.JoinBarrierChild, error) {
	var out []domain.JoinBarrierChild
	for _, c := range s.barrierChildren[barrierID] {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) ListAllBarriersForJoin(ctx context.Context, joinRunNodeID int64) ([]domain.JoinBarrier, error) {
	var out []domain.JoinBarrier
	for _, b := range s.barriers {
		if b.JoinRunNodeID == joinRunNodeID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *memStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	return fn(ctx, s)
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }
