package domain

import "time"

// WorkflowRun is one execution of a published WorkflowTree over persistent
// state.
type WorkflowRun struct {
	ID        int64
	TreeID    int64
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunNode is one row in the series of attempts for a (run_id, node_key)
// pair. Only the latest attempt of a given (run_id, node_key) may be in a
// non-terminal status; earlier attempts are immutable history.
type RunNode struct {
	ID        int64
	RunID     int64
	NodeKey   string
	Attempt   int
	Status    RunNodeStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoutingDecision records which outgoing edge fired for a given source
// run-node attempt. At most one per (run_node_id, attempt).
type RoutingDecision struct {
	ID            int64
	RunNodeID     int64
	Attempt       int
	DecisionType  DecisionType
	TargetNodeKey string
	EdgeID        int64
	CreatedAt     time.Time

	// InformingArtifactID is the id of the non-noise artifact that was
	// current on the source run-node when this decision was made; it is
	// the baseline the freshness guard compares new artifacts against.
	InformingArtifactID *int64
}

// PhaseArtifact is one unit of output a run-node attempt produced. IDs are
// strictly increasing in insertion order within a run and form the
// canonical freshness/happens-before token.
type PhaseArtifact struct {
	ID          int64
	RunID       int64
	RunNodeID   int64
	Attempt     int
	ArtifactType string
	ContentType string
	Content     string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// IsNoise reports whether this artifact is tool noise that must be ignored
// for freshness selection and must never invalidate a routing decision.
func (a PhaseArtifact) IsNoise() bool {
	kind, _ := a.Metadata["kind"].(string)
	return kind == MetadataKindFailedCommandOutput
}

// IsErrorHandlerSummary reports whether this artifact is a remediation
// summary linking a failed source_attempt to the target_attempt it informed.
func (a PhaseArtifact) IsErrorHandlerSummary() bool {
	kind, _ := a.Metadata["kind"].(string)
	return kind == MetadataKindErrorHandlerSummary
}

// SourceAttempt returns the error_handler_summary's source_attempt field, if
// present and well-formed.
func (a PhaseArtifact) SourceAttempt() (int, bool) {
	return intMetadata(a.Metadata, "source_attempt")
}

// TargetAttempt returns the error_handler_summary's target_attempt field, if
// present and well-formed.
func (a PhaseArtifact) TargetAttempt() (int, bool) {
	return intMetadata(a.Metadata, "target_attempt")
}

func intMetadata(meta map[string]any, key string) (int, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Subtask is one entry of a spawner's emitted subtask list, carried in the
// spawner attempt's terminal artifact metadata.
type Subtask struct {
	NodeKey  string         `json:"node_key"`
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	Provider *string        `json:"provider,omitempty"`
	Model    *string        `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JoinBarrier gates a join node on the terminal completion of one spawner
// emission's children. One barrier exists per (spawner attempt, spawn
// artifact); batch_index is monotonic per join node.
type JoinBarrier struct {
	ID                    int64
	RunID                 int64
	JoinRunNodeID         int64
	SpawnerRunNodeID      int64
	SpawnSourceArtifactID int64
	BatchIndex            int
	State                 JoinBarrierState
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// JoinBarrierChild is a child run-node attached to a barrier, with the
// terminal status it reached recorded once known.
type JoinBarrierChild struct {
	BarrierID      int64
	RunNodeID      int64
	TerminalStatus *RunNodeStatus
}
