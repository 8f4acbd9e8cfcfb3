package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/smilemakc/alphred/internal/domain"
)

type publishTreeRequest struct {
	TreeKey string             `json:"tree_key"`
	Version int                `json:"version"`
	Nodes   []treeNodeRequest  `json:"nodes"`
	Edges   []treeEdgeRequest  `json:"edges"`
}

type treeNodeRequest struct {
	NodeKey        string  `json:"node_key"`
	NodeType       string  `json:"node_type"`
	NodeRole       string  `json:"node_role,omitempty"`
	Provider       *string `json:"provider,omitempty"`
	Model          *string `json:"model,omitempty"`
	PromptTemplate *string `json:"prompt_template,omitempty"`
	MaxRetries     int     `json:"max_retries"`
	MaxChildren    int     `json:"max_children,omitempty"`
	SequenceIndex  int     `json:"sequence_index"`
}

type treeEdgeRequest struct {
	SourceNodeKey   string          `json:"source_node_key"`
	TargetNodeKey   string          `json:"target_node_key"`
	RouteOn         string          `json:"route_on"`
	Priority        int             `json:"priority"`
	Auto            bool            `json:"auto"`
	GuardExpression json.RawMessage `json:"guard_expression,omitempty"`
}

func (s *Server) handlePublishTree(w http.ResponseWriter, r *http.Request) {
	var req publishTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	nodes := make([]domain.TreeNode, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes = append(nodes, domain.TreeNode{
			NodeKey:        n.NodeKey,
			NodeType:       domain.NodeType(n.NodeType),
			NodeRole:       domain.NodeRole(n.NodeRole),
			Provider:       n.Provider,
			Model:          n.Model,
			PromptTemplate: n.PromptTemplate,
			MaxRetries:     n.MaxRetries,
			MaxChildren:    n.MaxChildren,
			SequenceIndex:  n.SequenceIndex,
		})
	}

	edges := make([]domain.TreeEdge, 0, len(req.Edges))
	for _, e := range req.Edges {
		var guard *domain.GuardExpression
		if len(e.GuardExpression) > 0 {
			g, err := domain.UnmarshalGuardExpression(e.GuardExpression)
			if err != nil {
				respondError(w, "invalid guard_expression: "+err.Error(), http.StatusBadRequest)
				return
			}
			guard = g
		}
		edges = append(edges, domain.TreeEdge{
			SourceNodeKey:   e.SourceNodeKey,
			TargetNodeKey:   e.TargetNodeKey,
			RouteOn:         domain.RouteOn(e.RouteOn),
			Priority:        e.Priority,
			Auto:            e.Auto,
			GuardExpression: guard,
		})
	}

	tree, err := domain.NewWorkflowTree(req.TreeKey, req.Version, nodes, edges)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	saved, err := s.store.SaveTree(ctx, tree)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, treeToResponse(saved), http.StatusCreated)
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	tree, err := s.store.GetLatestTreeByKey(ctx, r.PathValue("tree_key"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, treeToResponse(tree), http.StatusOK)
}

type treeResponse struct {
	ID      int64  `json:"id"`
	TreeKey string `json:"tree_key"`
	Version int    `json:"version"`
	Nodes   int    `json:"node_count"`
	Edges   int    `json:"edge_count"`
}

func treeToResponse(tree *domain.WorkflowTree) treeResponse {
	return treeResponse{
		ID:      tree.ID,
		TreeKey: tree.TreeKey,
		Version: tree.Version,
		Nodes:   len(tree.Nodes()),
		Edges:   len(tree.Edges()),
	}
}
