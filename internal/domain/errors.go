// Package domain holds the entities, enums and invariants of the workflow
// tree executor: trees, nodes, edges, runs, run-nodes, artifacts and join
// barriers.
package domain

import "fmt"

// Error is a domain-specific error tagged with a stable code so callers can
// branch on the kind of failure without string-matching messages.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes the core reports.
const (
	// ErrCodeStaleTransition is a CAS miss on a run-node or run status
	// transition; the caller should refresh its snapshot and retry advance.
	ErrCodeStaleTransition = "STALE_TRANSITION"

	// ErrCodeBarrierStateConflict is an attempt to reopen/release a join
	// barrier in an incompatible state.
	ErrCodeBarrierStateConflict = "BARRIER_STATE_CONFLICT"

	// ErrCodeAttemptLimitExceeded is informational: it is not itself a
	// failure, it surfaces via the run-node ending terminal-failed.
	ErrCodeAttemptLimitExceeded = "ATTEMPT_LIMIT_EXCEEDED"

	// ErrCodeUnknownNodeKey indicates store corruption: a node_key that a
	// run references is missing from its tree.
	ErrCodeUnknownNodeKey = "UNKNOWN_NODE_KEY"

	// ErrCodeUnknownEdge indicates store corruption: an edge referenced by
	// a routing decision no longer exists on the tree.
	ErrCodeUnknownEdge = "UNKNOWN_EDGE"

	// ErrCodeInvalidGuardExpression marks a malformed persisted guard; the
	// edge is treated as non-matching and a diagnostic is emitted.
	ErrCodeInvalidGuardExpression = "INVALID_GUARD_EXPRESSION"

	// ErrCodeSpawnerOverflow marks more subtasks than max_children; the
	// surplus is rejected and a failure artifact is produced.
	ErrCodeSpawnerOverflow = "SPAWNER_OVERFLOW"

	// ErrCodeInvalidInput is a caller-supplied value that fails validation.
	ErrCodeInvalidInput = "INVALID_INPUT"

	// ErrCodeNotFound is a lookup miss for an entity that should exist.
	ErrCodeNotFound = "NOT_FOUND"
)

func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func StaleTransition(message string) *Error {
	return &Error{Code: ErrCodeStaleTransition, Message: message}
}

func BarrierStateConflict(message string) *Error {
	return &Error{Code: ErrCodeBarrierStateConflict, Message: message}
}

func UnknownNodeKey(nodeKey string) *Error {
	return &Error{Code: ErrCodeUnknownNodeKey, Message: fmt.Sprintf("unknown node_key %q", nodeKey)}
}

func UnknownEdge(edgeID int64) *Error {
	return &Error{Code: ErrCodeUnknownEdge, Message: fmt.Sprintf("unknown edge id %d", edgeID)}
}

func InvalidGuardExpression(message string, err error) *Error {
	return &Error{Code: ErrCodeInvalidGuardExpression, Message: message, Err: err}
}

func SpawnerOverflow(nodeKey string, got, max int) *Error {
	return &Error{Code: ErrCodeSpawnerOverflow, Message: fmt.Sprintf("spawner %q emitted %d subtasks, max_children=%d", nodeKey, got, max)}
}

func NotFound(message string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: message}
}
