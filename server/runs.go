package server

import (
	"net/http"

	"github.com/rubato-io/rubato/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// handleEndpointRuns serves GET /api/endpoints/{id}/runs, newest first.
func (s *Server) handleEndpointRuns(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 1<<30)
	runs, err := s.stores.Runs.ListByEndpoint(r.Context(), ep.ID, limit, offset)
	if err != nil {
		s.log.Errorw("Failed to list runs", "endpoint_id", ep.ID, "error", err)
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleEndpointAnalyses serves GET /api/endpoints/{id}/analyses: the AI
// planner's sessions for this endpoint, newest first, tool transcript
// included.
func (s *Server) handleEndpointAnalyses(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 1<<30)
	sessions, err := s.stores.AISessions.ListByEndpoint(r.Context(), ep.ID, limit, offset)
	if err != nil {
		s.log.Errorw("Failed to list analyses", "endpoint_id", ep.ID, "error", err)
		writeDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.AISession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}
