package store

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/internal/testutil"
)

func sessionFixture(t *testing.T) (*AISessionStore, *Endpoint, context.Context) {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "pro")
	testutil.SeedJob(t, db, "job_1", "usr_1", "watch")
	endpoints := NewEndpointStore(db)
	ep := testEndpoint("job_1", "usr_1")
	require.NoError(t, endpoints.Create(context.Background(), ep))
	return NewAISessionStore(db), ep, context.Background()
}

func TestAISessionRoundTrip(t *testing.T) {
	sessions, ep, ctx := sessionFixture(t)
	now := time.Now().UTC()

	s := &AISession{
		EndpointID: ep.ID,
		TenantID:   "usr_1",
		AnalyzedAt: now,
		ToolCalls: []ToolCall{
			{Tool: "get_latest_response", Result: map[string]any{"found": true}},
			{Tool: "propose_interval", Args: map[string]any{"interval_ms": float64(15000)}},
			{Tool: "submit_analysis", Args: map[string]any{"reasoning": "steady"}},
		},
		Reasoning:            "steady state, slight tightening",
		TokenUsage:           ptr(int64(843)),
		DurationMs:           ptr(int64(2210)),
		NextAnalysisAt:       ptr(now.Add(10 * time.Minute)),
		EndpointFailureCount: 2,
	}
	require.NoError(t, sessions.Create(ctx, s))

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Reasoning, got.Reasoning)
	assert.Equal(t, int64(843), *got.TokenUsage)
	assert.Equal(t, 2, got.EndpointFailureCount)
	require.Len(t, got.ToolCalls, 3)
	assert.Equal(t, "get_latest_response", got.ToolCalls[0].Tool)
	assert.Equal(t, "submit_analysis", got.ToolCalls[2].Tool)
	require.NotNil(t, got.NextAnalysisAt)
	assert.Equal(t, s.NextAnalysisAt.UnixMilli(), got.NextAnalysisAt.UnixMilli())
}

func TestAISessionListAndLatest(t *testing.T) {
	sessions, ep, ctx := sessionFixture(t)
	now := time.Now().UTC()

	latest, err := sessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	old := &AISession{EndpointID: ep.ID, TenantID: "usr_1", AnalyzedAt: now.Add(-time.Hour), Reasoning: "old"}
	recent := &AISession{EndpointID: ep.ID, TenantID: "usr_1", AnalyzedAt: now, Reasoning: "recent"}
	require.NoError(t, sessions.Create(ctx, old))
	require.NoError(t, sessions.Create(ctx, recent))

	list, err := sessions.ListByEndpoint(ctx, ep.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[0].Reasoning)
	assert.Empty(t, list[0].ToolCalls)

	latest, err = sessions.GetLatestForEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, recent.ID, latest.ID)
}

func TestAISessionTokenUsageSince(t *testing.T) {
	sessions, ep, ctx := sessionFixture(t)
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	mk := func(at time.Time, tokens int64) {
		require.NoError(t, sessions.Create(ctx, &AISession{
			EndpointID: ep.ID, TenantID: "usr_1",
			AnalyzedAt: at, TokenUsage: &tokens,
		}))
	}
	mk(monthStart.Add(time.Hour), 500)
	mk(monthStart.Add(2*time.Hour), 700)
	mk(monthStart.Add(-time.Hour), 9999) // previous month
	// a session with no usage recorded contributes nothing
	require.NoError(t, sessions.Create(ctx, &AISession{
		EndpointID: ep.ID, TenantID: "usr_1", AnalyzedAt: monthStart.Add(3 * time.Hour),
	}))

	total, err := sessions.TokenUsageSince(ctx, "usr_1", monthStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), total)

	total, err = sessions.TokenUsageSince(ctx, "usr_other", monthStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
