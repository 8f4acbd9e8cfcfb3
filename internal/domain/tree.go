package domain

import "fmt"

// TreeNode is one node of a published workflow tree, addressed within the
// tree by its node_key.
type TreeNode struct {
	NodeKey        string
	NodeType       NodeType
	NodeRole       NodeRole
	Provider       *string
	Model          *string
	PromptTemplate *string
	MaxRetries     int
	MaxChildren    int
	SequenceIndex  int
}

// DefaultMaxChildren is the default spawner fan-out cap when a spawner node
// does not set one explicitly.
const DefaultMaxChildren = 12

// NewStandardTreeNode builds an ordinary (non spawner/join) tree node.
func NewStandardTreeNode(nodeKey string, nodeType NodeType, sequenceIndex, maxRetries int) TreeNode {
	return TreeNode{
		NodeKey:       nodeKey,
		NodeType:      nodeType,
		NodeRole:      NodeRoleStandard,
		MaxRetries:    maxRetries,
		SequenceIndex: sequenceIndex,
	}
}

// TreeEdge is a prioritized, conditional transition between two TreeNodes,
// addressed by tree-local node_key.
type TreeEdge struct {
	ID              int64
	SourceNodeKey   string
	TargetNodeKey   string
	RouteOn         RouteOn
	Priority        int
	Auto            bool
	GuardExpression *GuardExpression
}

// Validate enforces the two edge invariants from the data model: an auto
// edge carries no guard, and a failure edge is always auto (failure
// transitions are unconditional).
func (e TreeEdge) Validate() error {
	if !e.RouteOn.IsValid() {
		return fmt.Errorf("tree edge %s->%s: invalid route_on %q", e.SourceNodeKey, e.TargetNodeKey, e.RouteOn)
	}
	if e.Auto && e.GuardExpression != nil {
		return fmt.Errorf("tree edge %s->%s: auto edge must not carry a guard_expression", e.SourceNodeKey, e.TargetNodeKey)
	}
	if e.RouteOn == RouteOnFailure && !e.Auto {
		return fmt.Errorf("tree edge %s->%s: route_on=failure requires auto=true", e.SourceNodeKey, e.TargetNodeKey)
	}
	if !e.Auto && e.GuardExpression != nil {
		if err := e.GuardExpression.Validate(); err != nil {
			return fmt.Errorf("tree edge %s->%s: %w", e.SourceNodeKey, e.TargetNodeKey, err)
		}
	}
	return nil
}

// WorkflowTree is the immutable published specification: a versioned,
// directed graph of TreeNodes connected by prioritized TreeEdges. Once
// published a tree version is never mutated; a new edit is a new version
// under the same tree_key.
type WorkflowTree struct {
	ID      int64
	TreeKey string
	Version int

	nodes map[string]TreeNode
	edges []TreeEdge
}

// NewWorkflowTree builds and validates a tree from its nodes and edges. It
// is the only constructor: a WorkflowTree cannot exist in an invalid state.
func NewWorkflowTree(treeKey string, version int, nodes []TreeNode, edges []TreeEdge) (*WorkflowTree, error) {
	t := &WorkflowTree{
		TreeKey: treeKey,
		Version: version,
		nodes:   make(map[string]TreeNode, len(nodes)),
		edges:   append([]TreeEdge(nil), edges...),
	}
	for _, n := range nodes {
		if _, exists := t.nodes[n.NodeKey]; exists {
			return nil, fmt.Errorf("duplicate node_key %q", n.NodeKey)
		}
		if !n.NodeType.IsValid() {
			return nil, fmt.Errorf("node %q: invalid node_type %q", n.NodeKey, n.NodeType)
		}
		role := n.NodeRole
		if role == "" {
			role = NodeRoleStandard
		}
		if !role.IsValid() {
			return nil, fmt.Errorf("node %q: invalid node_role %q", n.NodeKey, role)
		}
		if role == NodeRoleSpawner && n.MaxChildren == 0 {
			n.MaxChildren = DefaultMaxChildren
		}
		n.NodeRole = role
		t.nodes[n.NodeKey] = n
	}
	if err := t.validateStructure(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WorkflowTree) validateStructure() error {
	if len(t.nodes) == 0 {
		return NewError(ErrCodeInvalidInput, "workflow tree must have at least one node", nil)
	}
	for _, e := range t.edges {
		if _, ok := t.nodes[e.SourceNodeKey]; !ok {
			return UnknownNodeKey(e.SourceNodeKey)
		}
		if _, ok := t.nodes[e.TargetNodeKey]; !ok {
			return UnknownNodeKey(e.TargetNodeKey)
		}
		if err := e.Validate(); err != nil {
			return NewError(ErrCodeInvalidInput, err.Error(), nil)
		}
	}
	return t.checkForCycles()
}

// checkForCycles is a DFS-based cycle detector over the tree's success edges
// only. Failure edges are excluded the same way retries are: a failure edge
// back to an earlier node is a fallback route, not an execution cycle.
func (t *WorkflowTree) checkForCycles() error {
	adj := make(map[string][]string, len(t.nodes))
	for _, e := range t.edges {
		if e.RouteOn == RouteOnFailure {
			continue
		}
		adj[e.SourceNodeKey] = append(adj[e.SourceNodeKey], e.TargetNodeKey)
	}

	visited := make(map[string]bool, len(t.nodes))
	recStack := make(map[string]bool, len(t.nodes))

	var dfs func(nodeKey string) error
	dfs = func(nodeKey string) error {
		visited[nodeKey] = true
		recStack[nodeKey] = true
		for _, next := range adj[nodeKey] {
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			} else if recStack[next] {
				return NewError(ErrCodeInvalidInput, fmt.Sprintf("cycle detected involving node %q", next), nil)
			}
		}
		recStack[nodeKey] = false
		return nil
	}

	for nodeKey := range t.nodes {
		if !visited[nodeKey] {
			if err := dfs(nodeKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node looks up a tree node by key.
func (t *WorkflowTree) Node(nodeKey string) (TreeNode, bool) {
	n, ok := t.nodes[nodeKey]
	return n, ok
}

// Nodes returns every tree node, order unspecified.
func (t *WorkflowTree) Nodes() []TreeNode {
	out := make([]TreeNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// Edges returns every tree edge.
func (t *WorkflowTree) Edges() []TreeEdge {
	return append([]TreeEdge(nil), t.edges...)
}

// OutgoingEdges returns the edges whose source is nodeKey.
func (t *WorkflowTree) OutgoingEdges(nodeKey string) []TreeEdge {
	var out []TreeEdge
	for _, e := range t.edges {
		if e.SourceNodeKey == nodeKey {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges whose target is nodeKey.
func (t *WorkflowTree) IncomingEdges(nodeKey string) []TreeEdge {
	var out []TreeEdge
	for _, e := range t.edges {
		if e.TargetNodeKey == nodeKey {
			out = append(out, e)
		}
	}
	return out
}

// InitialRunnableNodeKeys returns the tree's static set of nodes with no
// incoming edges: the set a freshly materialized run becomes runnable from.
func (t *WorkflowTree) InitialRunnableNodeKeys() []string {
	hasIncoming := make(map[string]bool, len(t.nodes))
	for _, e := range t.edges {
		hasIncoming[e.TargetNodeKey] = true
	}
	var out []string
	for nodeKey := range t.nodes {
		if !hasIncoming[nodeKey] {
			out = append(out, nodeKey)
		}
	}
	return out
}
