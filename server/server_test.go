package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/internal/testutil"
	"github.com/rubato-io/rubato/scheduler"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

func ptr[T any](v T) *T { return &v }

// harness is a full API stack over a temp database: real stores, real
// executor, mock clock, httptest listener.
type harness struct {
	srv    *Server
	ts     *httptest.Server
	stores *store.Stores
	clk    *clock.Mock
	userID string
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	stores := store.NewStores(conn)

	clk := clock.NewMock()
	clk.Set(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))

	srv := New(context.Background(), config.ServerConfig{AllowedOrigins: []string{"*"}},
		stores, nil, tier.DefaultTable(), clk, nil)
	srv.SetExecutor(scheduler.NewExecutor(stores.Runs, dispatch.New(config.DispatchConfig{
		DefaultTimeoutMs:     30000,
		MaxRedirects:         5,
		AllowPrivateNetworks: true, // httptest targets bind loopback
	}, nil), srv, nil))
	srv.StartHub()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	h := &harness{srv: srv, ts: ts, stores: stores, clk: clk}
	h.userID, h.token = h.newUser(t, tier.Pro)
	return h
}

// newUser seeds a user of the given tier and mints a session token.
func (h *harness) newUser(t *testing.T, tr tier.Tier) (string, string) {
	t.Helper()
	ctx := context.Background()
	user := &store.User{Tier: tr}
	require.NoError(t, h.stores.Users.Create(ctx, user))
	sess := &store.AuthSession{UserID: user.ID, ExpiresAt: h.clk.Now().Add(24 * time.Hour)}
	require.NoError(t, h.stores.AuthSessions.Create(ctx, sess))
	return user.ID, sess.Token
}

// do issues a request with the harness user's bearer token.
func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	return h.doAs(t, h.token, method, path, body)
}

func (h *harness) doAs(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// createJob makes a job through the API and returns its ID.
func (h *harness) createJob(t *testing.T, name string) string {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/jobs", createJobRequest{Name: name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[store.Job](t, resp).ID
}

// createEndpoint makes an interval endpoint through the API.
func (h *harness) createEndpoint(t *testing.T, jobID, url string, intervalMs int64) *store.Endpoint {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/jobs/"+jobID+"/endpoints", createEndpointRequest{
		Name:               "probe",
		URL:                url,
		Method:             "GET",
		BaselineIntervalMs: ptr(intervalMs),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ep := decode[store.Endpoint](t, resp)
	return &ep
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestMissingTokenRejected(t *testing.T) {
	h := newHarness(t)

	resp := h.doAs(t, "", http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decode[errorEnvelope](t, resp)
	assert.Contains(t, body.Error, "bearer token")
}

func TestExpiredTokenRejected(t *testing.T) {
	h := newHarness(t)

	sess := &store.AuthSession{UserID: h.userID, ExpiresAt: h.clk.Now().Add(-time.Hour)}
	require.NoError(t, h.stores.AuthSessions.Create(context.Background(), sess))

	resp := h.doAs(t, sess.Token, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBogusTokenRejected(t *testing.T) {
	h := newHarness(t)

	resp := h.doAs(t, "tok_nope", http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCrossTenantAccessForbidden(t *testing.T) {
	h := newHarness(t)
	jobID := h.createJob(t, "mine")
	ep := h.createEndpoint(t, jobID, "https://api.example.com/health", 60000)

	_, otherToken := h.newUser(t, tier.Free)

	for _, path := range []string{
		"/api/jobs/" + jobID,
		"/api/jobs/" + jobID + "/endpoints",
		"/api/endpoints/" + ep.ID,
		"/api/endpoints/" + ep.ID + "/runs",
	} {
		resp := h.doAs(t, otherToken, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		resp.Body.Close()
	}

	// Mutations are equally fenced.
	resp := h.doAs(t, otherToken, http.MethodDelete, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = h.doAs(t, otherToken, http.MethodPost, "/api/endpoints/"+ep.ID+"/pause", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownResourceNotFound(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/jobs/job_missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/api/endpoints/ep_missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPut, "/api/jobs", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}
