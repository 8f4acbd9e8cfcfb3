package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/smilemakc/alphred/internal/domain"
	"github.com/smilemakc/alphred/internal/scheduler"
)

type launchRunRequest struct {
	TreeKey string `json:"tree_key"`
}

func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var req launchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TreeKey == "" {
		respondError(w, "tree_key is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	run, err := s.executor.LaunchRun(ctx, req.TreeKey)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, runToResponse(run), http.StatusCreated)
}

func (s *Server) handleGetRunSnapshot(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathInt64(r, "id")
	if err != nil {
		respondError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	snapshot, err := s.executor.GetRunSnapshot(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, snapshot, http.StatusOK)
}

func (s *Server) handleAdvanceRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathInt64(r, "id")
	if err != nil {
		respondError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.executor.Advance(ctx, runID); err != nil {
		respondDomainError(w, err)
		return
	}
	s.broadcastSnapshot(ctx, runID)
	respondJSON(w, map[string]string{"status": "advanced"}, http.StatusOK)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathInt64(r, "id")
	if err != nil {
		respondError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.executor.CancelRun(ctx, runID); err != nil {
		respondDomainError(w, err)
		return
	}
	s.broadcastSnapshot(ctx, runID)
	respondJSON(w, map[string]string{"status": "cancelled"}, http.StatusOK)
}

type reportAttemptResultRequest struct {
	Status    string               `json:"status"`
	Artifacts []artifactInputInput `json:"artifacts,omitempty"`
}

type artifactInputInput struct {
	ArtifactType string         `json:"artifact_type"`
	ContentType  string         `json:"content_type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleReportAttemptResult(w http.ResponseWriter, r *http.Request) {
	runNodeID, err := parsePathInt64(r, "id")
	if err != nil {
		respondError(w, "invalid run_node id", http.StatusBadRequest)
		return
	}
	attempt, err := strconv.Atoi(r.PathValue("attempt"))
	if err != nil {
		respondError(w, "invalid attempt", http.StatusBadRequest)
		return
	}

	var req reportAttemptResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	status := domain.RunNodeStatus(req.Status)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	runNode, err := s.store.GetRunNode(ctx, runNodeID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	artifacts := make([]scheduler.ArtifactInput, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		artifacts = append(artifacts, scheduler.ArtifactInput{
			ArtifactType: a.ArtifactType, ContentType: a.ContentType, Content: a.Content, Metadata: a.Metadata,
		})
	}

	if err := s.executor.ReportAttemptResult(ctx, runNode.RunID, runNodeID, attempt, status, artifacts); err != nil {
		respondDomainError(w, err)
		return
	}
	s.broadcastSnapshot(ctx, runNode.RunID)
	respondJSON(w, map[string]string{"status": "recorded"}, http.StatusOK)
}

func (s *Server) broadcastSnapshot(ctx context.Context, runID int64) {
	snapshot, err := s.executor.GetRunSnapshot(ctx, runID)
	if err != nil {
		s.log.Warn().Int64("run_id", runID).Err(err).Msg("failed to build snapshot for broadcast")
		return
	}
	s.hub.Broadcast(runID, snapshot)
}

func parsePathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

type runResponse struct {
	ID     int64  `json:"id"`
	TreeID int64  `json:"tree_id"`
	Status string `json:"status"`
}

func runToResponse(run *domain.WorkflowRun) runResponse {
	return runResponse{ID: run.ID, TreeID: run.TreeID, Status: run.Status.String()}
}
