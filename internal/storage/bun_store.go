// Package storage persists the workflow tree executor's entities through
// bun over PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/alphred/internal/domain"
)

// BunStore is the bun-backed implementation of domain.Store. db is a
// bun.IDB so the same type serves both the top-level pooled connection and
// a transaction-scoped handle handed to callers inside RunInTransaction.
type BunStore struct {
	db bun.IDB
}

// NewBunStore opens a connection pool against dsn without validating it;
// call Ping to verify connectivity.
func NewBunStore(dsn string) *BunStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunStore{db: db}
}

func (s *BunStore) Ping(ctx context.Context) error {
	return s.db.(*bun.DB).PingContext(ctx)
}

func (s *BunStore) Close() error {
	return s.db.(*bun.DB).Close()
}

// InitSchema creates every table this store needs if it does not already
// exist. Schema migration beyond this is out of scope for the core.
func (s *BunStore) InitSchema(ctx context.Context) error {
	models := []any{
		(*treeModel)(nil),
		(*treeNodeModel)(nil),
		(*treeEdgeModel)(nil),
		(*runModel)(nil),
		(*runNodeModel)(nil),
		(*routingDecisionModel)(nil),
		(*phaseArtifactModel)(nil),
		(*joinBarrierModel)(nil),
		(*joinBarrierChildModel)(nil),
		(*manifestModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunInTransaction executes fn against a store handle bound to one
// serializable transaction.
func (s *BunStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	db, ok := s.db.(*bun.DB)
	if !ok {
		// Already inside a transaction: nested RunInTransaction reuses it
		// rather than opening a second one.
		return fn(ctx, s)
	}
	return db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &BunStore{db: tx})
	})
}

// ---- tree ----

type treeModel struct {
	bun.BaseModel `bun:"table:workflow_trees,alias:t"`

	ID        int64     `bun:"id,pk,autoincrement"`
	TreeKey   string    `bun:"tree_key,notnull"`
	Version   int       `bun:"version,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type treeNodeModel struct {
	bun.BaseModel `bun:"table:tree_nodes,alias:tn"`

	ID             int64   `bun:"id,pk,autoincrement"`
	TreeID         int64   `bun:"tree_id,notnull"`
	NodeKey        string  `bun:"node_key,notnull"`
	NodeType       string  `bun:"node_type,notnull"`
	NodeRole       string  `bun:"node_role,notnull"`
	Provider       *string `bun:"provider"`
	Model          *string `bun:"model"`
	PromptTemplate *string `bun:"prompt_template"`
	MaxRetries     int     `bun:"max_retries,notnull"`
	MaxChildren    int     `bun:"max_children,notnull"`
	SequenceIndex  int     `bun:"sequence_index,notnull"`
}

type treeEdgeModel struct {
	bun.BaseModel `bun:"table:tree_edges,alias:te"`

	ID              int64  `bun:"id,pk,autoincrement"`
	TreeID          int64  `bun:"tree_id,notnull"`
	SourceNodeKey   string `bun:"source_node_key,notnull"`
	TargetNodeKey   string `bun:"target_node_key,notnull"`
	RouteOn         string `bun:"route_on,notnull"`
	Priority        int    `bun:"priority,notnull"`
	Auto            bool   `bun:"auto,notnull"`
	GuardExpression []byte `bun:"guard_expression_json"`
}

func (s *BunStore) SaveTree(ctx context.Context, tree *domain.WorkflowTree) (*domain.WorkflowTree, error) {
	model := &treeModel{TreeKey: tree.TreeKey, Version: tree.Version}
	if _, err := s.db.NewInsert().Model(model).Returning("id").Exec(ctx); err != nil {
		return nil, err
	}
	nodes := tree.Nodes()
	nodeModels := make([]*treeNodeModel, len(nodes))
	for i, n := range nodes {
		nodeModels[i] = &treeNodeModel{
			TreeID:         model.ID,
			NodeKey:        n.NodeKey,
			NodeType:       n.NodeType.String(),
			NodeRole:       n.NodeRole.String(),
			Provider:       n.Provider,
			Model:          n.Model,
			PromptTemplate: n.PromptTemplate,
			MaxRetries:     n.MaxRetries,
			MaxChildren:    n.MaxChildren,
			SequenceIndex:  n.SequenceIndex,
		}
	}
	if len(nodeModels) > 0 {
		if _, err := s.db.NewInsert().Model(&nodeModels).Exec(ctx); err != nil {
			return nil, err
		}
	}
	edges := tree.Edges()
	edgeModels := make([]*treeEdgeModel, len(edges))
	for i, e := range edges {
		guardJSON, err := domain.MarshalGuardExpression(e.GuardExpression)
		if err != nil {
			return nil, err
		}
		edgeModels[i] = &treeEdgeModel{
			TreeID:          model.ID,
			SourceNodeKey:   e.SourceNodeKey,
			TargetNodeKey:   e.TargetNodeKey,
			RouteOn:         e.RouteOn.String(),
			Priority:        e.Priority,
			Auto:            e.Auto,
			GuardExpression: guardJSON,
		}
	}
	if len(edgeModels) > 0 {
		if _, err := s.db.NewInsert().Model(&edgeModels).Exec(ctx); err != nil {
			return nil, err
		}
	}
	tree.ID = model.ID
	return tree, nil
}

func (s *BunStore) GetTree(ctx context.Context, treeID int64) (*domain.WorkflowTree, error) {
	model := new(treeModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", treeID).Scan(ctx); err != nil {
		return nil, err
	}
	return s.hydrateTree(ctx, model)
}

func (s *BunStore) GetLatestTreeByKey(ctx context.Context, treeKey string) (*domain.WorkflowTree, error) {
	model := new(treeModel)
	err := s.db.NewSelect().Model(model).
		Where("tree_key = ?", treeKey).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return s.hydrateTree(ctx, model)
}

func (s *BunStore) hydrateTree(ctx context.Context, model *treeModel) (*domain.WorkflowTree, error) {
	var nodeModels []*treeNodeModel
	if err := s.db.NewSelect().Model(&nodeModels).Where("tree_id = ?", model.ID).Scan(ctx); err != nil {
		return nil, err
	}
	var edgeModels []*treeEdgeModel
	if err := s.db.NewSelect().Model(&edgeModels).Where("tree_id = ?", model.ID).Scan(ctx); err != nil {
		return nil, err
	}

	nodes := make([]domain.TreeNode, len(nodeModels))
	for i, m := range nodeModels {
		nodes[i] = domain.TreeNode{
			NodeKey:        m.NodeKey,
			NodeType:       domain.NodeType(m.NodeType),
			NodeRole:       domain.NodeRole(m.NodeRole),
			Provider:       m.Provider,
			Model:          m.Model,
			PromptTemplate: m.PromptTemplate,
			MaxRetries:     m.MaxRetries,
			MaxChildren:    m.MaxChildren,
			SequenceIndex:  m.SequenceIndex,
		}
	}
	edges := make([]domain.TreeEdge, len(edgeModels))
	for i, m := range edgeModels {
		guard, err := domain.UnmarshalGuardExpression(m.GuardExpression)
		if err != nil {
			return nil, err
		}
		edges[i] = domain.TreeEdge{
			ID:              m.ID,
			SourceNodeKey:   m.SourceNodeKey,
			TargetNodeKey:   m.TargetNodeKey,
			RouteOn:         domain.RouteOn(m.RouteOn),
			Priority:        m.Priority,
			Auto:            m.Auto,
			GuardExpression: guard,
		}
	}
	tree, err := domain.NewWorkflowTree(model.TreeKey, model.Version, nodes, edges)
	if err != nil {
		return nil, err
	}
	tree.ID = model.ID
	return tree, nil
}

// ---- run ----

type runModel struct {
	bun.BaseModel `bun:"table:workflow_runs,alias:r"`

	ID        int64     `bun:"id,pk,autoincrement"`
	TreeID    int64     `bun:"tree_id,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (m *runModel) toDomain() *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID: m.ID, TreeID: m.TreeID, Status: domain.RunStatus(m.Status),
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

type runNodeModel struct {
	bun.BaseModel `bun:"table:run_nodes,alias:rn"`

	ID        int64     `bun:"id,pk,autoincrement"`
	RunID     int64     `bun:"run_id,notnull"`
	NodeKey   string    `bun:"node_key,notnull"`
	Attempt   int       `bun:"attempt,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (m *runNodeModel) toDomain() domain.RunNode {
	return domain.RunNode{
		ID: m.ID, RunID: m.RunID, NodeKey: m.NodeKey, Attempt: m.Attempt,
		Status: domain.RunNodeStatus(m.Status), CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

// CreateRun inserts only the run row itself. Attempt-1 run-nodes are
// created separately by the caller, one per initially-runnable node key:
// a node with incoming edges has no row until something routes to it.
func (s *BunStore) CreateRun(ctx context.Context, tree *domain.WorkflowTree) (*domain.WorkflowRun, error) {
	model := &runModel{TreeID: tree.ID, Status: domain.RunStatusPending.String()}
	if _, err := s.db.NewInsert().Model(model).Returning("id, created_at, updated_at").Exec(ctx); err != nil {
		return nil, err
	}
	return model.toDomain(), nil
}

func (s *BunStore) GetRun(ctx context.Context, runID int64) (*domain.WorkflowRun, error) {
	model := new(runModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", runID).Scan(ctx); err != nil {
		return nil, err
	}
	return model.toDomain(), nil
}

func (s *BunStore) TransitionRunStatus(ctx context.Context, runID int64, expectedFrom, to domain.RunStatus) error {
	res, err := s.db.NewUpdate().Model((*runModel)(nil)).
		Set("status = ?", to.String()).
		Set("updated_at = current_timestamp").
		Where("id = ? AND status = ?", runID, expectedFrom.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return checkCAS(res, fmt.Sprintf("run %d: expected status %s", runID, expectedFrom))
}

func checkCAS(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.StaleTransition(what)
	}
	return nil
}

func (s *BunStore) GetRunNode(ctx context.Context, runNodeID int64) (*domain.RunNode, error) {
	model := new(runNodeModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", runNodeID).Scan(ctx); err != nil {
		return nil, err
	}
	rn := model.toDomain()
	return &rn, nil
}

func (s *BunStore) GetRunNodeByAttempt(ctx context.Context, runID int64, nodeKey string, attempt int) (*domain.RunNode, error) {
	model := new(runNodeModel)
	err := s.db.NewSelect().Model(model).
		Where("run_id = ? AND node_key = ? AND attempt = ?", runID, nodeKey, attempt).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	rn := model.toDomain()
	return &rn, nil
}

// LoadLatestAttempts returns, per node_key, the run_nodes row with the
// maximal attempt number using PostgreSQL's DISTINCT ON.
func (s *BunStore) LoadLatestAttempts(ctx context.Context, runID int64) ([]domain.RunNode, error) {
	var models []*runNodeModel
	err := s.db.NewSelect().Model(&models).
		ColumnExpr("DISTINCT ON (node_key) *").
		Where("run_id = ?", runID).
		Order("node_key ASC").
		Order("attempt DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunNode, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (s *BunStore) TransitionRunNodeStatus(ctx context.Context, runNodeID int64, expectedFrom, to domain.RunNodeStatus) error {
	res, err := s.db.NewUpdate().Model((*runNodeModel)(nil)).
		Set("status = ?", to.String()).
		Set("updated_at = current_timestamp").
		Where("id = ? AND status = ?", runNodeID, expectedFrom.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return checkCAS(res, fmt.Sprintf("run_node %d: expected status %s", runNodeID, expectedFrom))
}

func (s *BunStore) CreateNextAttempt(ctx context.Context, runID int64, nodeKey string, currentAttempt, nextAttempt int, initialStatus domain.RunNodeStatus) (*domain.RunNode, error) {
	var existing int
	count, err := s.db.NewSelect().Model((*runNodeModel)(nil)).
		Where("run_id = ? AND node_key = ? AND attempt >= ?", runID, nodeKey, nextAttempt).
		Count(ctx)
	if err != nil {
		return nil, err
	}
	existing = count
	if existing > 0 {
		return nil, domain.StaleTransition(fmt.Sprintf("run_node %s attempt %d already exists", nodeKey, nextAttempt))
	}
	model := &runNodeModel{RunID: runID, NodeKey: nodeKey, Attempt: nextAttempt, Status: initialStatus.String()}
	if _, err := s.db.NewInsert().Model(model).Returning("id, created_at, updated_at").Exec(ctx); err != nil {
		return nil, err
	}
	rn := model.toDomain()
	return &rn, nil
}

// ---- routing decisions ----

type routingDecisionModel struct {
	bun.BaseModel `bun:"table:routing_decisions,alias:rd"`

	ID                  int64     `bun:"id,pk,autoincrement"`
	RunNodeID           int64     `bun:"run_node_id,notnull"`
	Attempt             int       `bun:"attempt,notnull"`
	DecisionType        string    `bun:"decision_type,notnull"`
	TargetNodeKey       string    `bun:"target_node_key,notnull"`
	EdgeID              int64     `bun:"edge_id,notnull"`
	InformingArtifactID *int64    `bun:"informing_artifact_id"`
	CreatedAt           time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (m *routingDecisionModel) toDomain() domain.RoutingDecision {
	return domain.RoutingDecision{
		ID: m.ID, RunNodeID: m.RunNodeID, Attempt: m.Attempt,
		DecisionType: domain.DecisionType(m.DecisionType), TargetNodeKey: m.TargetNodeKey,
		EdgeID: m.EdgeID, InformingArtifactID: m.InformingArtifactID, CreatedAt: m.CreatedAt,
	}
}

func (s *BunStore) LoadLatestRoutingDecisions(ctx context.Context, runID int64) (map[int64]domain.RoutingDecision, error) {
	latest, err := s.LoadLatestAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.RoutingDecision, len(latest))
	for _, rn := range latest {
		d, err := s.GetRoutingDecision(ctx, rn.ID, rn.Attempt)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		out[rn.ID] = *d
	}
	return out, nil
}

func (s *BunStore) InsertRoutingDecision(ctx context.Context, d domain.RoutingDecision) (*domain.RoutingDecision, error) {
	model := &routingDecisionModel{
		RunNodeID: d.RunNodeID, Attempt: d.Attempt, DecisionType: d.DecisionType.String(),
		TargetNodeKey: d.TargetNodeKey, EdgeID: d.EdgeID, InformingArtifactID: d.InformingArtifactID,
	}
	_, err := s.db.NewInsert().Model(model).
		On("CONFLICT (run_node_id, attempt) DO NOTHING").
		Returning("id, created_at").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	out := model.toDomain()
	return &out, nil
}

func (s *BunStore) GetRoutingDecision(ctx context.Context, runNodeID int64, attempt int) (*domain.RoutingDecision, error) {
	model := new(routingDecisionModel)
	err := s.db.NewSelect().Model(model).Where("run_node_id = ? AND attempt = ?", runNodeID, attempt).Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := model.toDomain()
	return &out, nil
}

// ---- phase artifacts ----

type phaseArtifactModel struct {
	bun.BaseModel `bun:"table:phase_artifacts,alias:pa"`

	ID           int64          `bun:"id,pk,autoincrement"`
	RunID        int64          `bun:"run_id,notnull"`
	RunNodeID    int64          `bun:"run_node_id,notnull"`
	Attempt      int            `bun:"attempt,notnull"`
	ArtifactType string         `bun:"artifact_type,notnull"`
	ContentType  string         `bun:"content_type,notnull"`
	Content      string         `bun:"content,notnull"`
	Metadata     map[string]any `bun:"metadata_json,type:jsonb"`
	CreatedAt    time.Time      `bun:"created_at,notnull,default:current_timestamp"`
}

func (m *phaseArtifactModel) toDomain() domain.PhaseArtifact {
	return domain.PhaseArtifact{
		ID: m.ID, RunID: m.RunID, RunNodeID: m.RunNodeID, Attempt: m.Attempt,
		ArtifactType: m.ArtifactType, ContentType: m.ContentType, Content: m.Content,
		Metadata: m.Metadata, CreatedAt: m.CreatedAt,
	}
}

func (s *BunStore) InsertArtifact(ctx context.Context, runID, runNodeID int64, attempt int, artifactType, contentType, content string, metadata map[string]any) (*domain.PhaseArtifact, error) {
	model := &phaseArtifactModel{
		RunID: runID, RunNodeID: runNodeID, Attempt: attempt,
		ArtifactType: artifactType, ContentType: contentType, Content: content, Metadata: metadata,
	}
	if _, err := s.db.NewInsert().Model(model).Returning("id, created_at").Exec(ctx); err != nil {
		return nil, err
	}
	out := model.toDomain()
	return &out, nil
}

func (s *BunStore) GetArtifact(ctx context.Context, artifactID int64) (*domain.PhaseArtifact, error) {
	model := new(phaseArtifactModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", artifactID).Scan(ctx); err != nil {
		return nil, err
	}
	out := model.toDomain()
	return &out, nil
}

func (s *BunStore) ListArtifacts(ctx context.Context, runNodeID int64) ([]domain.PhaseArtifact, error) {
	var models []*phaseArtifactModel
	if err := s.db.NewSelect().Model(&models).Where("run_node_id = ?", runNodeID).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.PhaseArtifact, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (s *BunStore) ListArtifactsSince(ctx context.Context, runNodeID int64, sinceID int64) ([]domain.PhaseArtifact, error) {
	var models []*phaseArtifactModel
	err := s.db.NewSelect().Model(&models).
		Where("run_node_id = ? AND id > ?", runNodeID, sinceID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PhaseArtifact, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

// LoadLatestArtifactsByRunNode returns the highest-id non-noise artifact per
// run-node. Noise filtering happens in SQL so it composes with the
// DISTINCT ON / MAX(id) selection rather than needing a second pass.
func (s *BunStore) LoadLatestArtifactsByRunNode(ctx context.Context, runID int64) (map[int64]domain.PhaseArtifact, error) {
	var models []*phaseArtifactModel
	err := s.db.NewSelect().Model(&models).
		ColumnExpr("DISTINCT ON (run_node_id) *").
		Where("run_id = ? AND metadata_json ->> 'kind' IS DISTINCT FROM ?", runID, domain.MetadataKindFailedCommandOutput).
		Order("run_node_id ASC").
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.PhaseArtifact, len(models))
	for _, m := range models {
		out[m.RunNodeID] = m.toDomain()
	}
	return out, nil
}

// ---- join barriers ----

type joinBarrierModel struct {
	bun.BaseModel `bun:"table:join_barriers,alias:jb"`

	ID                    int64     `bun:"id,pk,autoincrement"`
	RunID                 int64     `bun:"run_id,notnull"`
	JoinRunNodeID         int64     `bun:"join_run_node_id,notnull"`
	SpawnerRunNodeID      int64     `bun:"spawner_run_node_id,notnull"`
	SpawnSourceArtifactID int64     `bun:"spawn_source_artifact_id,notnull"`
	BatchIndex            int       `bun:"batch_index,notnull"`
	State                 string    `bun:"state,notnull"`
	CreatedAt             time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (m *joinBarrierModel) toDomain() domain.JoinBarrier {
	return domain.JoinBarrier{
		ID: m.ID, RunID: m.RunID, JoinRunNodeID: m.JoinRunNodeID, SpawnerRunNodeID: m.SpawnerRunNodeID,
		SpawnSourceArtifactID: m.SpawnSourceArtifactID, BatchIndex: m.BatchIndex,
		State: domain.JoinBarrierState(m.State), CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

type joinBarrierChildModel struct {
	bun.BaseModel `bun:"table:join_barrier_children,alias:jbc"`

	BarrierID      int64   `bun:"barrier_id,pk"`
	RunNodeID      int64   `bun:"run_node_id,pk"`
	TerminalStatus *string `bun:"terminal_status"`
}

func (m *joinBarrierChildModel) toDomain() domain.JoinBarrierChild {
	var status *domain.RunNodeStatus
	if m.TerminalStatus != nil {
		s := domain.RunNodeStatus(*m.TerminalStatus)
		status = &s
	}
	return domain.JoinBarrierChild{BarrierID: m.BarrierID, RunNodeID: m.RunNodeID, TerminalStatus: status}
}

func (s *BunStore) OpenBarrier(ctx context.Context, runID, joinRunNodeID, spawnerRunNodeID, spawnSourceArtifactID int64) (*domain.JoinBarrier, error) {
	var maxBatch sql.NullInt64
	if err := s.db.NewSelect().Model((*joinBarrierModel)(nil)).
		ColumnExpr("MAX(batch_index)").
		Where("join_run_node_id = ?", joinRunNodeID).
		Scan(ctx, &maxBatch); err != nil {
		return nil, err
	}
	batchIndex := 1
	if maxBatch.Valid {
		batchIndex = int(maxBatch.Int64) + 1
	}
	model := &joinBarrierModel{
		RunID: runID, JoinRunNodeID: joinRunNodeID, SpawnerRunNodeID: spawnerRunNodeID,
		SpawnSourceArtifactID: spawnSourceArtifactID, BatchIndex: batchIndex, State: domain.JoinBarrierOpen.String(),
	}
	if _, err := s.db.NewInsert().Model(model).Returning("id, created_at, updated_at").Exec(ctx); err != nil {
		return nil, err
	}
	out := model.toDomain()
	return &out, nil
}

func (s *BunStore) AttachChild(ctx context.Context, barrierID, childRunNodeID int64) error {
	model := &joinBarrierChildModel{BarrierID: barrierID, RunNodeID: childRunNodeID}
	_, err := s.db.NewInsert().Model(model).Exec(ctx)
	return err
}

func (s *BunStore) MarkChildTerminal(ctx context.Context, barrierID, childRunNodeID int64, status domain.RunNodeStatus) error {
	statusStr := status.String()
	_, err := s.db.NewUpdate().Model((*joinBarrierChildModel)(nil)).
		Set("terminal_status = ?", statusStr).
		Where("barrier_id = ? AND run_node_id = ?", barrierID, childRunNodeID).
		Exec(ctx)
	if err != nil {
		return err
	}
	// Atomically promote to ready if every child is now terminal.
	remaining, err := s.db.NewSelect().Model((*joinBarrierChildModel)(nil)).
		Where("barrier_id = ? AND terminal_status IS NULL", barrierID).
		Count(ctx)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.MarkReady(ctx, barrierID)
	}
	return nil
}

func (s *BunStore) MarkReady(ctx context.Context, barrierID int64) error {
	res, err := s.db.NewUpdate().Model((*joinBarrierModel)(nil)).
		Set("state = ?", domain.JoinBarrierReady.String()).
		Set("updated_at = current_timestamp").
		Where("id = ? AND state = ?", barrierID, domain.JoinBarrierOpen.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return checkCAS(res, fmt.Sprintf("barrier %d: expected state open", barrierID))
}

func (s *BunStore) MarkReleased(ctx context.Context, barrierID int64) error {
	res, err := s.db.NewUpdate().Model((*joinBarrierModel)(nil)).
		Set("state = ?", domain.JoinBarrierReleased.String()).
		Set("updated_at = current_timestamp").
		Where("id = ? AND state = ?", barrierID, domain.JoinBarrierReady.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return checkCAS(res, fmt.Sprintf("barrier %d: expected state ready", barrierID))
}

func (s *BunStore) ReopenForRetriedChild(ctx context.Context, barrierID, childRunNodeID int64) error {
	_, err := s.db.NewUpdate().Model((*joinBarrierModel)(nil)).
		Set("state = ?", domain.JoinBarrierOpen.String()).
		Set("updated_at = current_timestamp").
		Where("id = ?", barrierID).
		Exec(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.NewUpdate().Model((*joinBarrierChildModel)(nil)).
		Set("terminal_status = NULL").
		Where("barrier_id = ? AND run_node_id = ?", barrierID, childRunNodeID).
		Exec(ctx)
	return err
}

func (s *BunStore) ListBarriers(ctx context.Context, joinRunNodeID int64, state domain.JoinBarrierState) ([]domain.JoinBarrier, error) {
	var models []*joinBarrierModel
	err := s.db.NewSelect().Model(&models).
		Where("join_run_node_id = ? AND state = ?", joinRunNodeID, state.String()).
		Order("batch_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.JoinBarrier, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (s *BunStore) ListAllBarriersForJoin(ctx context.Context, joinRunNodeID int64) ([]domain.JoinBarrier, error) {
	var models []*joinBarrierModel
	err := s.db.NewSelect().Model(&models).
		Where("join_run_node_id = ?", joinRunNodeID).
		Order("batch_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.JoinBarrier, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (s *BunStore) ListBarrierChildren(ctx context.Context, barrierID int64) ([]domain.JoinBarrierChild, error) {
	var models []*joinBarrierChildModel
	if err := s.db.NewSelect().Model(&models).Where("barrier_id = ?", barrierID).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.JoinBarrierChild, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (s *BunStore) FindBarriersForChild(ctx context.Context, childRunNodeID int64) ([]domain.JoinBarrier, error) {
	var childModels []*joinBarrierChildModel
	if err := s.db.NewSelect().Model(&childModels).Where("run_node_id = ?", childRunNodeID).Scan(ctx); err != nil {
		return nil, err
	}
	if len(childModels) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(childModels))
	for i, c := range childModels {
		ids[i] = c.BarrierID
	}
	var models []*joinBarrierModel
	if err := s.db.NewSelect().Model(&models).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.JoinBarrier, len(models))
	for i, m := range models {
		out[i] = m.toDomain()
	}
	return out, nil
}

// ---- manifests ----

type manifestModel struct {
	bun.BaseModel `bun:"table:attempt_manifests,alias:am"`

	RunNodeID int64          `bun:"run_node_id,pk"`
	Attempt   int            `bun:"attempt,pk"`
	Manifest  map[string]any `bun:"manifest_json,type:jsonb"`
}

func (s *BunStore) SaveManifest(ctx context.Context, runNodeID int64, attempt int, m domain.Manifest) error {
	raw, err := manifestToMap(m)
	if err != nil {
		return err
	}
	model := &manifestModel{RunNodeID: runNodeID, Attempt: attempt, Manifest: raw}
	_, err = s.db.NewInsert().Model(model).
		On("CONFLICT (run_node_id, attempt) DO UPDATE").
		Set("manifest_json = EXCLUDED.manifest_json").
		Exec(ctx)
	return err
}

func (s *BunStore) GetManifest(ctx context.Context, runNodeID int64, attempt int) (*domain.Manifest, error) {
	model := new(manifestModel)
	err := s.db.NewSelect().Model(model).Where("run_node_id = ? AND attempt = ?", runNodeID, attempt).Scan(ctx)
	if err != nil {
		return nil, err
	}
	m, err := mapToManifest(model.Manifest)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func manifestToMap(m domain.Manifest) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapToManifest(raw map[string]any) (*domain.Manifest, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
