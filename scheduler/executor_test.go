package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/internal/testutil"
	"github.com/rubato-io/rubato/store"
)

func ptr[T any](v T) *T { return &v }

// recordingBroadcaster captures lifecycle events for assertions.
type recordingBroadcaster struct {
	mu       sync.Mutex
	started  []store.Run
	finished []store.Run
}

func (b *recordingBroadcaster) BroadcastRunStarted(run *store.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, *run)
}

func (b *recordingBroadcaster) BroadcastRunFinished(run *store.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, *run)
}

func (b *recordingBroadcaster) Started() []store.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Run(nil), b.started...)
}

func (b *recordingBroadcaster) Finished() []store.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.Run(nil), b.finished...)
}

func testDispatcher() *dispatch.Dispatcher {
	return dispatch.New(config.DispatchConfig{
		DefaultTimeoutMs:     30000,
		MaxRedirects:         5,
		AllowPrivateNetworks: true, // httptest servers bind loopback
	}, nil)
}

func executorFixture(t *testing.T) (*Executor, *store.Stores, *recordingBroadcaster, *store.Endpoint) {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	testutil.SeedJob(t, db, "job_1", "usr_1", "watch")
	stores := store.NewStores(db)

	ep := &store.Endpoint{
		JobID: "job_1", TenantID: "usr_1", Name: "probe",
		URL: "https://api.example.com/health", Method: "GET",
		BaselineIntervalMs: ptr(int64(60000)),
	}
	require.NoError(t, stores.Endpoints.Create(context.Background(), ep))

	bc := &recordingBroadcaster{}
	ex := NewExecutor(stores.Runs, testDispatcher(), bc, nil)
	return ex, stores, bc, ep
}

func TestExecutorRecordsSuccessfulRun(t *testing.T) {
	ex, stores, _, ep := executorFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	ep.URL = srv.URL

	startedAt := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	run, outcome, err := ex.Execute(ctx, ep, store.RunSourceTest, 1, startedAt)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSuccess, outcome.Status)
	assert.Equal(t, store.RunStatusSuccess, run.Status)
	require.NotNil(t, run.StatusCode)
	assert.Equal(t, 200, *run.StatusCode)

	stored, err := stores.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSuccess, stored.Status)
	assert.Equal(t, store.RunSourceTest, stored.Source)
	assert.Equal(t, 1, stored.Attempt)
	assert.Equal(t, startedAt, stored.StartedAt)
	require.NotNil(t, stored.ResponseBody)
	assert.Equal(t, `{"ok":true}`, *stored.ResponseBody)
	require.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.DurationMs)
	assert.Equal(t, startedAt.Add(time.Duration(*stored.DurationMs)*time.Millisecond), *stored.FinishedAt)
}

func TestExecutorRecordsFailedRun(t *testing.T) {
	ex, stores, _, ep := executorFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ep.URL = srv.URL

	run, outcome, err := ex.Execute(ctx, ep, store.RunSourceSchedule, 4, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, outcome.Status)

	stored, err := stores.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, stored.Status)
	assert.Equal(t, 4, stored.Attempt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "http status 503", *stored.ErrorMessage)
}

func TestExecutorBroadcastsLifecycle(t *testing.T) {
	ex, _, bc, ep := executorFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ep.URL = srv.URL

	run, _, err := ex.Execute(context.Background(), ep, store.RunSourceSchedule, 1, time.Now().UTC())
	require.NoError(t, err)

	started := bc.Started()
	require.Len(t, started, 1)
	assert.Equal(t, run.ID, started[0].ID)
	assert.Equal(t, store.RunStatusRunning, started[0].Status)

	finished := bc.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, run.ID, finished[0].ID)
	assert.Equal(t, store.RunStatusSuccess, finished[0].Status)
}
