package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/governor"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

type createEndpointRequest struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers"`
	Body               *string           `json:"body"`
	TimeoutMs          *int64            `json:"timeout_ms"`
	MaxExecutionTimeMs *int64            `json:"max_execution_time_ms"`
	MaxResponseSizeKb  *int64            `json:"max_response_size_kb"`
	BaselineCron       *string           `json:"baseline_cron"`
	BaselineIntervalMs *int64            `json:"baseline_interval_ms"`
	MinIntervalMs      *int64            `json:"min_interval_ms"`
	MaxIntervalMs      *int64            `json:"max_interval_ms"`
}

// patchEndpointRequest carries only the fields to change. Setting one
// baseline kind clears the other; a zero for the optional numeric fields
// clears them back to the defaults.
type patchEndpointRequest struct {
	Name               *string            `json:"name"`
	Description        *string            `json:"description"`
	URL                *string            `json:"url"`
	Method             *string            `json:"method"`
	Headers            *map[string]string `json:"headers"`
	Body               *string            `json:"body"`
	TimeoutMs          *int64             `json:"timeout_ms"`
	MaxExecutionTimeMs *int64             `json:"max_execution_time_ms"`
	MaxResponseSizeKb  *int64             `json:"max_response_size_kb"`
	BaselineCron       *string            `json:"baseline_cron"`
	BaselineIntervalMs *int64             `json:"baseline_interval_ms"`
	MinIntervalMs      *int64             `json:"min_interval_ms"`
	MaxIntervalMs      *int64             `json:"max_interval_ms"`
}

type pauseRequest struct {
	Until *time.Time `json:"until"`
}

// handleJobEndpoints serves /api/jobs/{id}/endpoints: list or create.
func (s *Server) handleJobEndpoints(w http.ResponseWriter, r *http.Request, userID string) {
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
			s.log.Errorw("Failed to list endpoints", "job_id", jobID, "error", err)
			writeDomainError(w, err)
			return
		}
		if endpoints == nil {
			endpoints = []*store.Endpoint{}
		}
		writeJSON(w, http.StatusOK, endpoints)

	case http.MethodPost:
		if job.Status == store.JobStatusArchived {
			writeDomainError(w, errors.NewInvalidRequestf("job %s is archived", jobID))
			return
		}
		var req createEndpointRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}

		_, limits, err := s.tenantLimits(r, userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		count, err := s.stores.Endpoints.CountByUser(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if count >= limits.MaxEndpoints {
			err := errors.Wrapf(errors.ErrQuotaExceeded,
				"endpoint limit reached (%d of %d)", count, limits.MaxEndpoints)
			writeDomainError(w, errors.WithHint(err,
				"archive unused endpoints or upgrade the tier"))
			return
		}

		ep := &store.Endpoint{
			JobID:              jobID,
			TenantID:           userID,
			Name:               req.Name,
			Description:        req.Description,
			URL:                req.URL,
			Method:             req.Method,
			Headers:            req.Headers,
			Body:               req.Body,
			TimeoutMs:          req.TimeoutMs,
			MaxExecutionTimeMs: req.MaxExecutionTimeMs,
			MaxResponseSizeKb:  req.MaxResponseSizeKb,
			BaselineCron:       req.BaselineCron,
			BaselineIntervalMs: req.BaselineIntervalMs,
			MinIntervalMs:      req.MinIntervalMs,
			MaxIntervalMs:      req.MaxIntervalMs,
		}
		if err := checkTierFloor(ep, limits.MinInterval); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.stores.Endpoints.Create(r.Context(), ep); err != nil {
			writeDomainError(w, err)
			return
		}
		s.log.Infow("Endpoint created",
			"endpoint_id", ep.ID,
			"job_id", jobID,
			"user_id", userID,
			"url", ep.URL,
		)
		writeJSON(w, http.StatusCreated, ep)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleEndpoint serves /api/endpoints/{id}: get, update, archive.
func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request, userID string) {
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ep)

	case http.MethodPatch:
		var req patchEndpointRequest
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		if err := applyEndpointPatch(ep, &req); err != nil {
			writeDomainError(w, err)
			return
		}
		_, limits, err := s.tenantLimits(r, userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := checkTierFloor(ep, limits.MinInterval); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.stores.Endpoints.Update(r.Context(), ep); err != nil {
			writeDomainError(w, err)
			return
		}
		updated, err := s.stores.Endpoints.Get(r.Context(), ep.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := s.stores.Endpoints.Archive(r.Context(), ep.ID, s.clk.Now().UTC()); err != nil {
			writeDomainError(w, err)
			return
		}
		s.log.Infow("Endpoint archived", "endpoint_id", ep.ID, "user_id", userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived", "id": ep.ID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleEndpointPause serves POST /api/endpoints/{id}/pause. A missing or
// null until pauses indefinitely.
func (s *Server) handleEndpointPause(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	now := s.clk.Now().UTC()
	until := store.PauseIndefinite
	if req.Until != nil {
		if !req.Until.After(now) {
			writeDomainError(w, errors.NewInvalidRequestf("pause until must be in the future"))
			return
		}
		until = req.Until.UTC()
	}

	if err := s.stores.Endpoints.SetPausedUntil(r.Context(), ep.ID, &until); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Infow("Endpoint paused", "endpoint_id", ep.ID, "until", until)
	s.writeEndpoint(w, r, ep.ID)
}

// handleEndpointResume serves POST /api/endpoints/{id}/resume. Clearing
// the pause also pulls next_run_at back in case a governor decision
// parked it at the pause horizon.
func (s *Server) handleEndpointResume(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.stores.Endpoints.SetPausedUntil(r.Context(), ep.ID, nil); err != nil {
		writeDomainError(w, err)
		return
	}
	wake := s.clk.Now().UTC().Add(governor.SafetyMargin)
	if err := s.stores.Endpoints.SetNextRunAtIfEarlier(r.Context(), ep.ID, wake); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Infow("Endpoint resumed", "endpoint_id", ep.ID)
	s.writeEndpoint(w, r, ep.ID)
}

// handleEndpointHintsClear serves POST /api/endpoints/{id}/hints/clear.
func (s *Server) handleEndpointHintsClear(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.stores.Endpoints.ClearAIHints(r.Context(), ep.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Infow("Endpoint hints cleared", "endpoint_id", ep.ID)
	s.writeEndpoint(w, r, ep.ID)
}

// handleEndpointTest serves POST /api/endpoints/{id}/test: one immediate
// dispatch recorded with source=test. The schedule, failure count, and
// lease are untouched.
func (s *Server) handleEndpointTest(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "test dispatch requires a scheduler in this process")
		return
	}
	ep, err := s.authorizeEndpoint(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ep.ArchivedAt != nil {
		writeDomainError(w, errors.NewInvalidRequestf("endpoint %s is archived", ep.ID))
		return
	}

	run, _, err := s.executor.Execute(r.Context(), ep, store.RunSourceTest, 1, s.clk.Now().UTC())
	if err != nil {
		s.log.Errorw("Test dispatch bookkeeping failed", "endpoint_id", ep.ID, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// writeEndpoint reloads and returns the endpoint after a mutation.
func (s *Server) writeEndpoint(w http.ResponseWriter, r *http.Request, id string) {
	ep, err := s.stores.Endpoints.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// tenantLimits resolves the caller's tier and its limits.
func (s *Server) tenantLimits(r *http.Request, userID string) (tier.Tier, tier.Limits, error) {
	t, err := s.stores.Users.GetTier(r.Context(), userID)
	if err != nil {
		return t, tier.Limits{}, err
	}
	return t, s.tiers.For(t), nil
}

// checkTierFloor rejects a baseline interval the tier can never honor.
// The governor clamps at run time regardless; failing loudly at the API
// keeps users from writing schedules that silently run slower than asked.
func checkTierFloor(e *store.Endpoint, floor time.Duration) error {
	floorMs := floor.Milliseconds()
	if e.BaselineIntervalMs != nil && *e.BaselineIntervalMs < floorMs {
		return errors.NewInvalidRequestf(
			"baseline_interval_ms %d is below the tier floor of %dms", *e.BaselineIntervalMs, floorMs)
	}
	return nil
}

// applyEndpointPatch folds the patch into the endpoint. Baselines stay
// one-of: setting a cron clears the interval and vice versa.
func applyEndpointPatch(ep *store.Endpoint, req *patchEndpointRequest) error {
	if req.BaselineCron != nil && req.BaselineIntervalMs != nil {
		return errors.NewInvalidRequestf("exactly one of baseline_cron and baseline_interval_ms is required")
	}
	if req.Name != nil {
		ep.Name = *req.Name
	}
	if req.Description != nil {
		ep.Description = *req.Description
	}
	if req.URL != nil {
		ep.URL = *req.URL
	}
	if req.Method != nil {
		ep.Method = *req.Method
	}
	if req.Headers != nil {
		ep.Headers = *req.Headers
	}
	if req.Body != nil {
		if *req.Body == "" {
			ep.Body = nil
		} else {
			ep.Body = req.Body
		}
	}
	if req.TimeoutMs != nil {
		ep.TimeoutMs = zeroClears(req.TimeoutMs)
	}
	if req.MaxExecutionTimeMs != nil {
		ep.MaxExecutionTimeMs = zeroClears(req.MaxExecutionTimeMs)
	}
	if req.MaxResponseSizeKb != nil {
		ep.MaxResponseSizeKb = zeroClears(req.MaxResponseSizeKb)
	}
	if req.BaselineCron != nil {
		ep.BaselineCron = req.BaselineCron
		ep.BaselineIntervalMs = nil
	}
	if req.BaselineIntervalMs != nil {
		ep.BaselineIntervalMs = req.BaselineIntervalMs
		ep.BaselineCron = nil
	}
	if req.MinIntervalMs != nil {
		ep.MinIntervalMs = zeroClears(req.MinIntervalMs)
	}
	if req.MaxIntervalMs != nil {
		ep.MaxIntervalMs = zeroClears(req.MaxIntervalMs)
	}
	return nil
}

func zeroClears(v *int64) *int64 {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}
