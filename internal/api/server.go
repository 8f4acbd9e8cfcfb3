// Package api exposes the executor over HTTP: tree publishing, run
// lifecycle, attempt reporting, and snapshot reads, plus a websocket feed of
// committed transitions.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/alphred/internal/domain"
	"github.com/smilemakc/alphred/internal/scheduler"
	"github.com/smilemakc/alphred/internal/ws"
)

// ServerConfig configures the REST surface's cross-cutting behavior.
type ServerConfig struct {
	EnableCORS bool
	JWTSecret  string
	APIKeys    []string
}

// Server is the HTTP handler for the executor's REST and websocket surface.
type Server struct {
	store    domain.Store
	executor *scheduler.Executor
	hub      *ws.Hub
	log      zerolog.Logger
	cfg      ServerConfig
	mux      *http.ServeMux
}

func NewServer(store domain.Store, executor *scheduler.Executor, hub *ws.Hub, log zerolog.Logger, cfg ServerConfig) *Server {
	s := &Server{store: store, executor: executor, hub: hub, log: log, cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)

	s.mux.HandleFunc("POST /api/v1/trees", s.handlePublishTree)
	s.mux.HandleFunc("GET /api/v1/trees/{tree_key}", s.handleGetTree)

	s.mux.HandleFunc("POST /api/v1/runs", s.handleLaunchRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRunSnapshot)
	s.mux.HandleFunc("POST /api/v1/runs/{id}/advance", s.handleAdvanceRun)
	s.mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)

	s.mux.HandleFunc("POST /api/v1/run_nodes/{id}/attempts/{attempt}/result", s.handleReportAttemptResult)

	s.mux.HandleFunc("GET /ws/runs/{id}", s.handleRunEventStream)
}

// ServeHTTP wires the cross-cutting middleware around the route mux:
// recovery first, then logging, then CORS, then auth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := contentTypeMiddleware(s.mux)
	handler = newAuthMiddleware(s.cfg.JWTSecret, s.cfg.APIKeys).middleware(handler)
	if s.cfg.EnableCORS {
		handler = corsMiddleware(handler)
	}
	handler = loggingMiddleware(s.log, handler)
	handler = recoveryMiddleware(s.log, handler)
	handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, v any, status int) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func respondDomainError(w http.ResponseWriter, err error) {
	domainErr, ok := err.(*domain.Error)
	if !ok {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch domainErr.Code {
	case domain.ErrCodeNotFound:
		status = http.StatusNotFound
	case domain.ErrCodeInvalidInput, domain.ErrCodeUnknownNodeKey, domain.ErrCodeUnknownEdge, domain.ErrCodeInvalidGuardExpression:
		status = http.StatusBadRequest
	case domain.ErrCodeStaleTransition, domain.ErrCodeBarrierStateConflict:
		status = http.StatusConflict
	case domain.ErrCodeSpawnerOverflow:
		status = http.StatusUnprocessableEntity
	}
	respondError(w, domainErr.Error(), status)
}

// requestTimeout bounds how long a single HTTP-triggered store operation may
// run before the connection is abandoned.
const requestTimeout = 30 * time.Second
