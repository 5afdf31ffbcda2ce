package anthropic

import (
	"context"
	"encoding/json"

	"github.com/rubato-io/rubato/errors"
)

// ToolHandler executes one tool call. A returned error is relayed to the
// model as an is_error tool result, not surfaced as a Go error, so the
// model can correct itself.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDef binds a wire-visible tool definition to its handler.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// PlanRequest is one tool-driven planning session.
type PlanRequest struct {
	System        string
	Input         string
	Tools         []ToolDef
	MaxTokens     int    // per API call; default 1500
	MaxToolCalls  int    // per session; default 15, enforced even if the model misbehaves
	FinalToolName string // terminal tool that ends the session
	Model         string // override; default from client config
}

// ToolInvocation records one executed tool call.
type ToolInvocation struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result"`
}

// PlanResult is the outcome of a planning session. Reasoning is empty when
// the model never reached the terminal tool.
type PlanResult struct {
	ToolCalls  []ToolInvocation
	Reasoning  string
	TokenUsage int64
}

// PlanWithTools runs the conversation loop: send, execute tool_use blocks,
// feed tool_result turns back, until the terminal tool fires, the model
// stops calling tools, or the call cap trips.
func (c *Client) PlanWithTools(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	if c.apiKey == "" {
		return nil, errors.New("anthropic api key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	maxCalls := req.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = 15
	}

	tools := make([]toolWire, 0, len(req.Tools))
	handlers := make(map[string]ToolHandler, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, toolWire{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		handlers[t.Name] = t.Handler
	}

	messages := []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: req.Input}},
	}}
	result := &PlanResult{}

	for {
		resp, err := c.createMessagesRetry(ctx, messagesRequest{
			Model:      model,
			MaxTokens:  maxTokens,
			System:     req.System,
			Messages:   messages,
			Tools:      tools,
			ToolChoice: map[string]any{"type": "any"},
		})
		if err != nil {
			return nil, err
		}
		result.TokenUsage += int64(resp.Usage.InputTokens + resp.Usage.OutputTokens)

		toolUses := toolUseBlocks(resp.Content)
		if len(toolUses) == 0 {
			// Model ended without the terminal tool (truncation,
			// refusal). The caller decides what an empty reasoning means.
			return result, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		var results []ContentBlock
		for _, tu := range toolUses {
			args := decodeArgs(tu.Input)

			if tu.Name == req.FinalToolName && req.FinalToolName != "" {
				inv := c.invoke(ctx, handlers, tu, args)
				result.ToolCalls = append(result.ToolCalls, inv)
				if reasoning, ok := args["reasoning"].(string); ok {
					result.Reasoning = reasoning
				}
				return result, nil
			}

			if len(result.ToolCalls) >= maxCalls {
				return result, nil
			}
			inv := c.invoke(ctx, handlers, tu, args)
			result.ToolCalls = append(result.ToolCalls, inv)
			results = append(results, toolResultBlock(tu.ID, inv.Result))
		}

		messages = append(messages, Message{Role: "user", Content: results})
	}
}

// invoke runs one handler and captures its result, mapping handler errors
// into error-shaped results.
func (c *Client) invoke(ctx context.Context, handlers map[string]ToolHandler, tu ContentBlock, args map[string]any) ToolInvocation {
	inv := ToolInvocation{Tool: tu.Name, Args: args}

	handler, ok := handlers[tu.Name]
	if !ok || handler == nil {
		inv.Result = map[string]any{"error": "unknown tool " + tu.Name}
		return inv
	}
	out, err := handler(ctx, args)
	if err != nil {
		inv.Result = map[string]any{"error": err.Error()}
		return inv
	}
	inv.Result = out
	return inv
}

// toolResultBlock renders a handler result for the next user turn.
// Error-shaped results carry is_error so the model sees the failure.
func toolResultBlock(toolUseID string, result any) ContentBlock {
	block := ContentBlock{Type: "tool_result", ToolUseID: toolUseID}
	if m, ok := result.(map[string]any); ok {
		if msg, isErr := m["error"].(string); isErr && len(m) == 1 {
			block.Content = msg
			block.IsError = true
			return block
		}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		block.Content = "unserializable tool result"
		block.IsError = true
		return block
	}
	block.Content = string(encoded)
	return block
}

func toolUseBlocks(blocks []ContentBlock) []ContentBlock {
	var uses []ContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) > 0 {
		// Malformed input degrades to empty args; validation inside the
		// handler reports the miss back to the model.
		_ = json.Unmarshal(raw, &args)
	}
	return args
}
