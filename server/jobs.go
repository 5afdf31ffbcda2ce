package server

import (
	"net/http"

	"github.com/rubato-io/rubato/store"
)

type createJobRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type patchJobRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"` // "active" or "paused"
}

// jobDetail is a job plus its endpoints, returned by GET /api/jobs/{id}.
type jobDetail struct {
	*store.Job
	Endpoints []*store.Endpoint `json:"endpoints"`
}

// handleJobs serves /api/jobs: list the caller's jobs or create one.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.stores.Jobs.ListByUser(r.Context(), userID)
		if err != nil {
			s.log.Errorw("Failed to list jobs", "user_id", userID, "error", err)
			writeDomainError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*store.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)

	case http.MethodPost:
		var req createJobRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		job := &store.Job{
			UserID:      userID,
			Name:        req.Name,
			Description: req.Description,
		}
		if err := s.stores.Jobs.Create(r.Context(), job); err != nil {
			writeDomainError(w, err)
			return
		}
		s.log.Infow("Job created", "job_id", job.ID, "user_id", userID, "name", job.Name)
		writeJSON(w, http.StatusCreated, job)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJob serves /api/jobs/{id}: detail with endpoints, rename or
// pause/resume via PATCH, archive via DELETE.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, userID string) {
	jobID := r.PathValue("id")
	job, err := s.authorizeJob(r.Context(), jobID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		endpoints, err := s.stores.Endpoints.ListByJob(r.Context(), jobID)
		if err != nil {
			s.log.Errorw("Failed to list job endpoints", "job_id", jobID, "error", err)
			writeDomainError(w, err)
			return
		}
		if endpoints == nil {
			endpoints = []*store.Endpoint{}
		}
		writeJSON(w, http.StatusOK, jobDetail{Job: job, Endpoints: endpoints})

	case http.MethodPatch:
		var req patchJobRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		if req.Name != nil || req.Description != nil {
			name, description := job.Name, job.Description
			if req.Name != nil {
				name = *req.Name
			}
			if req.Description != nil {
				description = *req.Description
			}
			if err := s.stores.Jobs.Rename(r.Context(), jobID, name, description); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		if req.Status != nil {
			if err := s.stores.Jobs.SetStatus(r.Context(), jobID, store.JobStatus(*req.Status)); err != nil {
				writeDomainError(w, err)
				return
			}
			s.log.Infow("Job status changed", "job_id", jobID, "status", *req.Status)
		}
		updated, err := s.stores.Jobs.Get(r.Context(), jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.stores.Jobs.Archive(r.Context(), jobID, s.clk.Now().UTC()); err != nil {
			writeDomainError(w, err)
			return
		}
		s.log.Infow("Job archived", "job_id", jobID, "user_id", userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "id": jobID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
