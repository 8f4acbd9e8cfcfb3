package api

import "net/http"

func (s *Server) handleRunEventStream(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathInt64(r, "id")
	if err != nil {
		respondError(w, "invalid run id", http.StatusBadRequest)
		return
	}
	if err := s.hub.Serve(w, r, runID); err != nil {
		s.log.Debug().Int64("run_id", runID).Err(err).Msg("websocket session ended")
	}
}
