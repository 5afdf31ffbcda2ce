package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/errors"
)

// scriptedAPI plays back canned Messages API responses and records the
// requests it saw.
type scriptedAPI struct {
	t         *testing.T
	responses []string

	mu       sync.Mutex
	requests []messagesRequest
}

func (s *scriptedAPI) handler(w http.ResponseWriter, r *http.Request) {
	assert.Equal(s.t, "test-key", r.Header.Get("x-api-key"))
	assert.Equal(s.t, APIVersion, r.Header.Get("anthropic-version"))

	body, err := io.ReadAll(r.Body)
	assert.NoError(s.t, err)
	var req messagesRequest
	assert.NoError(s.t, json.Unmarshal(body, &req))

	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if n >= len(s.responses) {
		http.Error(w, `{"error":"script exhausted"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.responses[n]))
}

func (s *scriptedAPI) Requests() []messagesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messagesRequest(nil), s.requests...)
}

func newScriptedClient(t *testing.T, responses ...string) (*Client, *scriptedAPI) {
	t.Helper()
	api := &scriptedAPI{t: t, responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	client := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	client.SetHTTPClient(srv.Client())
	return client, api
}

func toolUseResponse(name, input string, in, out int) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"content": [{"type": "tool_use", "id": "tu_%s", "name": "%s", "input": %s}],
		"model": "claude-sonnet-4-20250514", "stop_reason": "tool_use",
		"usage": {"input_tokens": %d, "output_tokens": %d}
	}`, name, name, input, in, out)
}

func textResponse(text string, in, out int) string {
	return fmt.Sprintf(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"content": [{"type": "text", "text": "%s"}],
		"model": "claude-sonnet-4-20250514", "stop_reason": "end_turn",
		"usage": {"input_tokens": %d, "output_tokens": %d}
	}`, text, in, out)
}

func TestPlanWithToolsRunsLoop(t *testing.T) {
	client, api := newScriptedClient(t,
		toolUseResponse("get_latest_response", `{}`, 100, 50),
		toolUseResponse("submit_analysis", `{"reasoning": "endpoint is healthy", "next_analysis_in_ms": 600000}`, 80, 20),
	)

	var submitted map[string]any
	res, err := client.PlanWithTools(context.Background(), PlanRequest{
		System: "you schedule endpoints",
		Input:  "analyze endpoint ep_1",
		Tools: []ToolDef{
			{
				Name:        "get_latest_response",
				Description: "latest response body",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					return map[string]any{"found": true, "status": 200}, nil
				},
			},
			{
				Name:        "submit_analysis",
				Description: "finish the session",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					submitted = args
					return map[string]any{"recorded": true}, nil
				},
			},
		},
		FinalToolName: "submit_analysis",
	})
	require.NoError(t, err)

	assert.Equal(t, "endpoint is healthy", res.Reasoning)
	assert.Equal(t, int64(250), res.TokenUsage)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "get_latest_response", res.ToolCalls[0].Tool)
	assert.Equal(t, "submit_analysis", res.ToolCalls[1].Tool)
	require.NotNil(t, submitted)
	assert.Equal(t, float64(600000), submitted["next_analysis_in_ms"])

	// second round fed the tool result back
	reqs := api.Requests()
	require.Len(t, reqs, 2)
	second := reqs[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "assistant", second.Messages[1].Role)
	last := second.Messages[2]
	assert.Equal(t, "user", last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "tool_result", last.Content[0].Type)
	assert.Equal(t, "tu_get_latest_response", last.Content[0].ToolUseID)
	assert.Contains(t, last.Content[0].Content, `"found":true`)
	assert.False(t, last.Content[0].IsError)
}

func TestPlanWithToolsHandlerErrorVisibleToModel(t *testing.T) {
	client, api := newScriptedClient(t,
		toolUseResponse("propose_interval", `{"intervalMs": 10}`, 10, 10),
		toolUseResponse("submit_analysis", `{"reasoning": "kept baseline"}`, 10, 10),
	)

	res, err := client.PlanWithTools(context.Background(), PlanRequest{
		Input: "analyze",
		Tools: []ToolDef{
			{
				Name:        "propose_interval",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					return nil, errors.New("intervalMs below tier floor")
				},
			},
			{
				Name:        "submit_analysis",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					return "ok", nil
				},
			},
		},
		FinalToolName: "submit_analysis",
	})
	require.NoError(t, err)
	assert.Equal(t, "kept baseline", res.Reasoning)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[2]
	require.Len(t, last.Content, 1)
	assert.True(t, last.Content[0].IsError)
	assert.Contains(t, last.Content[0].Content, "below tier floor")
}

func TestPlanWithToolsEnforcesCallCap(t *testing.T) {
	// Model never reaches the terminal tool.
	looping := toolUseResponse("get_latest_response", `{}`, 5, 5)
	client, _ := newScriptedClient(t, looping, looping, looping, looping, looping, looping, looping)

	var invocations atomic.Int64
	res, err := client.PlanWithTools(context.Background(), PlanRequest{
		Input:        "analyze",
		MaxToolCalls: 3,
		Tools: []ToolDef{
			{
				Name:        "get_latest_response",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					invocations.Add(1)
					return map[string]any{"found": false}, nil
				},
			},
		},
		FinalToolName: "submit_analysis",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Reasoning)
	assert.Len(t, res.ToolCalls, 3)
	assert.Equal(t, int64(3), invocations.Load())
}

func TestPlanWithToolsModelStopsWithoutTerminal(t *testing.T) {
	client, _ := newScriptedClient(t, textResponse("nothing to do", 40, 8))

	res, err := client.PlanWithTools(context.Background(), PlanRequest{
		Input:         "analyze",
		FinalToolName: "submit_analysis",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Reasoning)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, int64(48), res.TokenUsage)
}

func TestPlanWithToolsUnknownToolReportsError(t *testing.T) {
	client, api := newScriptedClient(t,
		toolUseResponse("made_up_tool", `{}`, 5, 5),
		toolUseResponse("submit_analysis", `{"reasoning": "done"}`, 5, 5),
	)

	res, err := client.PlanWithTools(context.Background(), PlanRequest{
		Input: "analyze",
		Tools: []ToolDef{
			{
				Name:        "submit_analysis",
				InputSchema: map[string]any{"type": "object"},
				Handler: func(ctx context.Context, args map[string]any) (any, error) {
					return "ok", nil
				},
			},
		},
		FinalToolName: "submit_analysis",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Reasoning)

	last := api.Requests()[1].Messages[2]
	assert.True(t, last.Content[0].IsError)
	assert.Contains(t, last.Content[0].Content, "unknown tool")
}

func TestCreateMessagesRetriesOverload(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"type": "overloaded_error"}}`, 529)
			return
		}
		w.Write([]byte(textResponse("recovered", 10, 10)))
	}))
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	client.SetHTTPClient(srv.Client())

	res, err := client.PlanWithTools(context.Background(), PlanRequest{Input: "analyze"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.TokenUsage)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCreateMessagesDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"type": "invalid_request_error"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	client.SetHTTPClient(srv.Client())

	_, err := client.PlanWithTools(context.Background(), PlanRequest{Input: "analyze"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int64(1), calls.Load())
}

func TestPlanWithToolsRequiresAPIKey(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.PlanWithTools(context.Background(), PlanRequest{Input: "analyze"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("read tcp: i/o timeout")))
	assert.True(t, isRetryableError(errors.New("anthropic api status 529: overloaded")))
	assert.True(t, isRetryableError(errors.New("dial tcp: connection refused")))
	assert.False(t, isRetryableError(errors.New("anthropic api status 400: bad request")))
	assert.False(t, isRetryableError(errors.New("invalid schema")))
}
