package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs": s.runs.List(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	handle, err := s.runs.Get(mux.Vars(r)["runId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, handle.Snapshot())
}

// handleCancelRun asks a run to stop after its in-flight chunk. The response
// is accepted immediately; poll the run for the final state.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	handle, err := s.runs.Cancel(mux.Vars(r)["runId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, handle.Snapshot())
}
