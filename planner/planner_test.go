package planner

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rubato-io/rubato/ai/anthropic"
	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/internal/testutil"
	"github.com/rubato-io/rubato/quota"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

func ptr[T any](v T) *T { return &v }

// scriptedLLM serves canned Messages API responses in order. An empty
// script entry answers 400, which the client treats as final.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	served    int
}

func (s *scriptedLLM) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := s.served
	s.served++
	s.mu.Unlock()

	if n >= len(s.responses) || s.responses[n] == "" {
		http.Error(w, `{"error":{"type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.responses[n]))
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func toolUse(name, input string) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"content": [{"type": "tool_use", "id": "tu_%s", "name": "%s", "input": %s}],
		"model": "claude-sonnet-4-20250514", "stop_reason": "tool_use",
		"usage": {"input_tokens": 100, "output_tokens": 25}
	}`, name, name, input)
}

func textOnly(text string) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"content": [{"type": "text", "text": "%s"}],
		"model": "claude-sonnet-4-20250514", "stop_reason": "end_turn",
		"usage": {"input_tokens": 40, "output_tokens": 10}
	}`, text)
}

type plannerFixture struct {
	db      *sql.DB
	stores  *store.Stores
	clk     *clock.Mock
	llm     *scriptedLLM
	client  *anthropic.Client
	guard   *quota.TokenGuard
	planner *Planner
}

func newPlannerFixture(t *testing.T, tiers tier.Table, responses ...string) *plannerFixture {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	testutil.SeedJob(t, db, "job_1", "usr_1", "watch")
	stores := store.NewStores(db)

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	llm := &scriptedLLM{responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(llm.handler))
	t.Cleanup(srv.Close)
	client := anthropic.NewClient(anthropic.Config{APIKey: "test-key", BaseURL: srv.URL})
	client.SetHTTPClient(srv.Client())

	guard := quota.NewTokenGuard(stores.AISessions, stores.Users, tiers, nil)
	p := NewPlanner(context.Background(), config.PlannerConfig{IntervalSeconds: 3600, BatchSize: 10},
		stores, client, guard, tiers, clk, zap.NewNop().Sugar())

	return &plannerFixture{db: db, stores: stores, clk: clk, llm: llm, client: client, guard: guard, planner: p}
}

func (f *plannerFixture) seedEndpoint(t *testing.T, name string) *store.Endpoint {
	t.Helper()
	ep := &store.Endpoint{
		JobID: "job_1", TenantID: "usr_1", Name: name,
		URL: "https://api.example.com/health", Method: "GET",
		BaselineIntervalMs: ptr(int64(60000)),
		NextRunAt:          f.clk.Now().Add(10 * time.Minute),
	}
	require.NoError(t, f.stores.Endpoints.Create(context.Background(), ep))
	return ep
}

func TestScanRecordsSession(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(),
		toolUse("submit_analysis", `{"reasoning": "looks healthy", "next_analysis_in_ms": 600000}`))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")
	now := f.clk.Now()

	f.planner.scan()

	sess, err := f.stores.AISessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "looks healthy", sess.Reasoning)
	assert.Equal(t, now, sess.AnalyzedAt)
	require.Len(t, sess.ToolCalls, 1)
	assert.Equal(t, "submit_analysis", sess.ToolCalls[0].Tool)
	require.NotNil(t, sess.TokenUsage)
	assert.Equal(t, int64(125), *sess.TokenUsage)
	require.NotNil(t, sess.NextAnalysisAt)
	assert.Equal(t, now.Add(10*time.Minute), *sess.NextAnalysisAt)
	assert.Equal(t, 0, sess.EndpointFailureCount)
}

func TestScanIntervalHintEndToEnd(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(),
		toolUse("propose_interval", `{"intervalMs": 120000, "ttlMinutes": 10, "reason": "slow poll is enough"}`),
		toolUse("submit_analysis", `{"reasoning": "relaxed cadence"}`))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")
	now := f.clk.Now()

	f.planner.scan()

	after, err := f.stores.Endpoints.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, after.AIHintIntervalMs)
	assert.Equal(t, int64(120000), *after.AIHintIntervalMs)
	require.NotNil(t, after.AIHintExpiresAt)
	assert.Equal(t, now.Add(10*time.Minute), *after.AIHintExpiresAt)
	require.NotNil(t, after.AIHintReason)
	assert.Equal(t, "slow poll is enough", *after.AIHintReason)
	// seeded next run was 10m out; the hint pulled it to now+interval
	assert.Equal(t, now.Add(2*time.Minute), after.NextRunAt)

	sess, err := f.stores.AISessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "relaxed cadence", sess.Reasoning)
	require.Len(t, sess.ToolCalls, 2)
	assert.Equal(t, "propose_interval", sess.ToolCalls[0].Tool)
}

func TestScanValidationErrorVisibleInTranscript(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(),
		toolUse("propose_interval", `{"intervalMs": 10}`),
		toolUse("submit_analysis", `{"reasoning": "kept baseline"}`))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")

	f.planner.scan()

	after, err := f.stores.Endpoints.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.Nil(t, after.AIHintIntervalMs)
	assert.Nil(t, after.AIHintExpiresAt)

	sess, err := f.stores.AISessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.ToolCalls, 2)
	result, ok := sess.ToolCalls[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result["error"], "tier floor")
}

func TestScanNoTerminalRecordsFallback(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(), textOnly("nothing worth changing"))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")
	now := f.clk.Now()

	f.planner.scan()

	sess, err := f.stores.AISessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "No reasoning provided", sess.Reasoning)
	assert.Empty(t, sess.ToolCalls)
	require.NotNil(t, sess.TokenUsage)
	assert.Equal(t, int64(50), *sess.TokenUsage)
	// falls back to the endpoint's baseline interval
	require.NotNil(t, sess.NextAnalysisAt)
	assert.Equal(t, now.Add(time.Minute), *sess.NextAnalysisAt)
}

func TestScanSkipsWhenTokenQuotaReached(t *testing.T) {
	tiers := tier.Table{tier.Free: {
		MinInterval: time.Minute, MaxEndpoints: 10,
		MonthlyRunCap: 1000, MonthlyTokenCap: 100,
	}}
	f := newPlannerFixture(t, tiers,
		toolUse("submit_analysis", `{"reasoning": "should never run"}`))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")

	// prior session this month already spent past the cap; its missing
	// next_analysis_at keeps the endpoint due
	require.NoError(t, f.stores.AISessions.Create(ctx, &store.AISession{
		EndpointID: ep.ID, TenantID: ep.TenantID,
		AnalyzedAt: f.clk.Now().Add(-time.Hour),
		Reasoning:  "earlier session",
		TokenUsage: ptr(int64(150)),
	}))

	f.planner.scan()

	sessions, err := f.stores.AISessions.ListByEndpoint(ctx, ep.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, 0, f.llm.calls())
}

func TestScanContinuesAfterEndpointFailure(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(),
		"", // first endpoint's session dies on a non-retryable API error
		toolUse("submit_analysis", `{"reasoning": "second endpoint fine"}`))
	ctx := context.Background()
	epA := f.seedEndpoint(t, "probe-a")
	epB := f.seedEndpoint(t, "probe-b")

	// pin scan order: both endpoints were created in the same millisecond
	_, err := f.db.Exec(`UPDATE endpoints SET created_at = ? WHERE id = ?`,
		f.clk.Now().Add(-2*time.Minute).UnixMilli(), epA.ID)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE endpoints SET created_at = ? WHERE id = ?`,
		f.clk.Now().Add(-time.Minute).UnixMilli(), epB.ID)
	require.NoError(t, err)

	f.planner.scan()

	sessA, err := f.stores.AISessions.GetLatestForEndpoint(ctx, epA.ID)
	require.NoError(t, err)
	assert.Nil(t, sessA)

	sessB, err := f.stores.AISessions.GetLatestForEndpoint(ctx, epB.ID)
	require.NoError(t, err)
	require.NotNil(t, sessB)
	assert.Equal(t, "second endpoint fine", sessB.Reasoning)
}

func TestPlannerStartStop(t *testing.T) {
	f := newPlannerFixture(t, tier.DefaultTable(),
		toolUse("submit_analysis", `{"reasoning": "startup scan"}`))
	ctx := context.Background()
	ep := f.seedEndpoint(t, "probe")

	p := NewPlanner(context.Background(), config.PlannerConfig{IntervalSeconds: 3600, BatchSize: 10},
		f.stores, f.client, f.guard, tier.DefaultTable(), clock.New(), zap.NewNop().Sugar())
	p.Start()

	assert.Eventually(t, func() bool {
		sess, err := f.stores.AISessions.GetLatestForEndpoint(ctx, ep.ID)
		return err == nil && sess != nil
	}, 5*time.Second, 20*time.Millisecond)

	p.Stop()
	assert.Equal(t, int64(1), p.analyzed.Load())
}
