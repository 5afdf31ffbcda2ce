// Package anthropic is a minimal Anthropic Messages API client with tool
// use. Raw HTTP rather than an SDK: the planner needs exactly one call
// shape, and the wire format is stable enough to own.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/internal/httpclient"
)

const (
	// DefaultModel is used when the config names none.
	DefaultModel = "claude-sonnet-4-20250514"

	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required anthropic-version header value.
	APIVersion = "2023-06-01"

	maxAttempts = 3
)

// Config holds client configuration.
type Config struct {
	APIKey            string
	Model             string
	BaseURL           string
	RequestsPerMinute int // 0 disables the process-wide rate limit
}

// doer lets tests substitute the transport.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Messages API. One client is shared across planner
// sessions; the limiter spaces calls process-wide.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient doer
	limiter    *rate.Limiter
}

// NewClient creates an Anthropic client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	hc := httpclient.New(httpclient.Options{MaxRedirects: 3})
	hc.Timeout = 120 * time.Second

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: hc,
		limiter:    limiter,
	}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient overrides the transport for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Message is one conversation turn. Content is always a block list so
// tool_use and tool_result turns round-trip without a second shape.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is the union of the block types the planner exchanges:
// text, tool_use (ID/Name/Input) and tool_result (ToolUseID/Content/IsError).
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// toolWire is a tool definition on the wire.
type toolWire struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// messagesRequest is the Messages API request body.
type messagesRequest struct {
	Model      string     `json:"model"`
	MaxTokens  int        `json:"max_tokens"`
	System     string     `json:"system,omitempty"`
	Messages   []Message  `json:"messages"`
	Tools      []toolWire `json:"tools,omitempty"`
	ToolChoice any        `json:"tool_choice,omitempty"`
}

// messagesResponse is the Messages API response body.
type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage is token accounting for one API call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// createMessagesRetry calls the API with bounded retries on transient
// transport and overload errors.
func (c *Client) createMessagesRetry(ctx context.Context, req messagesRequest) (*messagesResponse, error) {
	var resp *messagesResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err = c.createMessages(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, errors.Wrapf(err, "anthropic api failed after %d attempts", maxAttempts)
}

func (c *Client) createMessages(ctx context.Context, req messagesRequest) (*messagesResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait aborted")
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal messages request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build messages request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send messages request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read messages response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("anthropic api status %d: %s", resp.StatusCode, truncateErrBody(respBody))
	}

	var out messagesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal messages response")
	}
	return &out, nil
}

func truncateErrBody(b []byte) string {
	const limit = 500
	s := string(b)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// isRetryableError reports whether the call is worth retrying: transport
// timeouts, connection churn, and Anthropic overload responses.
func isRetryableError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"overloaded",
		"529",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
