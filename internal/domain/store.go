package domain

import "context"

// Store is the transactional persistence boundary the scheduler runs
// against. Every scheduler step runs inside one transaction that reads a
// consistent snapshot and writes zero or more mutations atomically; the
// store guarantees monotonic artifact IDs per run, CAS on every status
// transition, and that barrier state changes are atomic with child
// attachment/termination.
type Store interface {
	// Tree and run lifecycle.
	SaveTree(ctx context.Context, tree *WorkflowTree) (*WorkflowTree, error)
	GetLatestTreeByKey(ctx context.Context, treeKey string) (*WorkflowTree, error)
	GetTree(ctx context.Context, treeID int64) (*WorkflowTree, error)

	CreateRun(ctx context.Context, tree *WorkflowTree) (*WorkflowRun, error)
	GetRun(ctx context.Context, runID int64) (*WorkflowRun, error)
	TransitionRunStatus(ctx context.Context, runID int64, expectedFrom, to RunStatus) error

	// LoadLatestAttempts returns one row per (run_id, node_key): the
	// attempt with the maximal attempt number.
	LoadLatestAttempts(ctx context.Context, runID int64) ([]RunNode, error)
	GetRunNode(ctx context.Context, runNodeID int64) (*RunNode, error)
	GetRunNodeByAttempt(ctx context.Context, runID int64, nodeKey string, attempt int) (*RunNode, error)

	// LoadLatestRoutingDecisions returns the decision on the latest
	// attempt of each run-node that has one.
	LoadLatestRoutingDecisions(ctx context.Context, runID int64) (map[int64]RoutingDecision, error)

	// LoadLatestArtifactsByRunNode returns, per run-node, the highest-id
	// artifact whose metadata is not failed_command_output.
	LoadLatestArtifactsByRunNode(ctx context.Context, runID int64) (map[int64]PhaseArtifact, error)

	// TransitionRunNodeStatus is a CAS transition: fails with
	// StaleTransition if the current status is not expectedFrom.
	TransitionRunNodeStatus(ctx context.Context, runNodeID int64, expectedFrom, to RunNodeStatus) error

	// CreateNextAttempt creates a new attempt row; fails if another
	// attempt with a >= attempt number already exists for the run-node.
	CreateNextAttempt(ctx context.Context, runID int64, nodeKey string, currentAttempt, nextAttempt int, initialStatus RunNodeStatus) (*RunNode, error)

	InsertArtifact(ctx context.Context, runID, runNodeID int64, attempt int, artifactType, contentType, content string, metadata map[string]any) (*PhaseArtifact, error)
	GetArtifact(ctx context.Context, artifactID int64) (*PhaseArtifact, error)
	ListArtifacts(ctx context.Context, runNodeID int64) ([]PhaseArtifact, error)
	ListArtifactsSince(ctx context.Context, runNodeID int64, sinceID int64) ([]PhaseArtifact, error)

	InsertRoutingDecision(ctx context.Context, d RoutingDecision) (*RoutingDecision, error)
	GetRoutingDecision(ctx context.Context, runNodeID int64, attempt int) (*RoutingDecision, error)

	SaveManifest(ctx context.Context, runNodeID int64, attempt int, m Manifest) error
	GetManifest(ctx context.Context, runNodeID int64, attempt int) (*Manifest, error)

	// FindBarriersForChild returns every barrier a run-node is attached to
	// as a spawned child.
	FindBarriersForChild(ctx context.Context, childRunNodeID int64) ([]JoinBarrier, error)

	// Join-barrier operations.
	OpenBarrier(ctx context.Context, runID, joinRunNodeID, spawnerRunNodeID, spawnSourceArtifactID int64) (*JoinBarrier, error)
	AttachChild(ctx context.Context, barrierID, childRunNodeID int64) error
	MarkChildTerminal(ctx context.Context, barrierID, childRunNodeID int64, status RunNodeStatus) error
	MarkReady(ctx context.Context, barrierID int64) error
	MarkReleased(ctx context.Context, barrierID int64) error
	ReopenForRetriedChild(ctx context.Context, barrierID, childRunNodeID int64) error
	ListBarriers(ctx context.Context, joinRunNodeID int64, state JoinBarrierState) ([]JoinBarrier, error)
	ListBarrierChildren(ctx context.Context, barrierID int64) ([]JoinBarrierChild, error)
	ListAllBarriersForJoin(ctx context.Context, joinRunNodeID int64) ([]JoinBarrier, error)

	// RunInTransaction executes fn against a store handle bound to one
	// transaction; every mutation fn performs is visible to fn's own
	// reads and committed atomically when fn returns nil.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
