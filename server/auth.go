package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// authedHandler is a handler that runs behind requireAuth; userID is the
// session's resolved user and the tenant every resource is checked
// against.
type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireAuth resolves the bearer token to a user. Websocket clients
// cannot set headers from browsers, so ?access_token= is accepted as a
// fallback on the upgrade request.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.stores.AuthSessions.Resolve(r.Context(), token, s.clk.Now().UTC())
		if err != nil {
			if errors.Is(err, errors.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			s.log.Errorw("Failed to resolve session", "error", err)
			writeDomainError(w, err)
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// authorizeJob loads a job and verifies the caller owns it.
func (s *Server) authorizeJob(ctx context.Context, jobID, userID string) (*store.Job, error) {
	job, err := s.stores.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, errors.Wrapf(errors.ErrForbidden, "job %s belongs to another user", jobID)
	}
	return job, nil
}

// authorizeEndpoint loads an endpoint and verifies the caller owns it.
func (s *Server) authorizeEndpoint(ctx context.Context, endpointID, userID string) (*store.Endpoint, error) {
	ep, err := s.stores.Endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.TenantID != userID {
		return nil, errors.Wrapf(errors.ErrForbidden, "endpoint %s belongs to another user", endpointID)
	}
	return ep, nil
}
