package planner

import (
	"context"
	"time"

	"github.com/rubato-io/rubato/ai/anthropic"
	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

const finalToolName = "submit_analysis"

// toolBodyLimit caps response bodies fed back to the model. Full bodies
// live in the runs table; the model only needs enough to judge shape.
const toolBodyLimit = 1000

// sessionState collects what the terminal tool reported so the planner can
// schedule the next session.
type sessionState struct {
	nextAnalysisInMs *int64
}

// sessionTools builds the per-session tool set, closed over the endpoint
// and the tier floor. Query tools degrade gracefully on odd arguments;
// action tools reject them with errors the model sees and can correct.
func (p *Planner) sessionTools(ep *store.Endpoint, floor time.Duration, st *sessionState) []anthropic.ToolDef {
	return []anthropic.ToolDef{
		{
			Name:        "get_latest_response",
			Description: "Latest finished run of this endpoint: status, HTTP code, response body, timestamp.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				run, err := p.stores.Runs.GetLatestResponse(ctx, ep.ID)
				if err != nil {
					return nil, err
				}
				if run == nil {
					return map[string]any{"found": false}, nil
				}
				payload := runPayload(run)
				payload["found"] = true
				return payload, nil
			},
		},
		{
			Name:        "get_response_history",
			Description: "Finished runs of this endpoint, newest first. Response bodies are truncated.",
			InputSchema: objectSchema(map[string]any{
				"limit":  map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "description": "page size, at most 10"},
				"offset": map[string]any{"type": "integer", "minimum": 0},
			}, nil),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit := clampInt(intArgDefault(args, "limit", 10), 1, 10)
				offset := intArgDefault(args, "offset", 0)
				if offset < 0 {
					offset = 0
				}
				runs, err := p.stores.Runs.GetResponseHistory(ctx, ep.ID, int(limit), int(offset))
				if err != nil {
					return nil, err
				}
				responses := make([]map[string]any, len(runs))
				for i, r := range runs {
					responses[i] = runPayload(r)
				}
				return map[string]any{
					"count":     len(responses),
					"responses": responses,
					"hasMore":   int64(len(runs)) == limit,
					"pagination": map[string]any{
						"limit":  limit,
						"offset": offset,
					},
				}, nil
			},
		},
		{
			Name:        "get_sibling_latest_responses",
			Description: "Latest finished run of every other live endpoint in this job.",
			InputSchema: objectSchema(nil, nil),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				siblings, err := p.stores.Runs.GetSiblingLatestResponses(ctx, ep.JobID, ep.ID)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, len(siblings))
				for i, s := range siblings {
					entry := runPayload(s.Run)
					entry["endpointId"] = s.EndpointID
					entry["endpointName"] = s.EndpointName
					out[i] = entry
				}
				return map[string]any{"count": len(out), "siblings": out}, nil
			},
		},
		{
			Name:        "propose_interval",
			Description: "Suggest a steady polling interval. Applies until the hint expires; the next check is pulled earlier when the interval implies one.",
			InputSchema: objectSchema(map[string]any{
				"intervalMs": map[string]any{"type": "integer", "description": "polling interval in milliseconds"},
				"ttlMinutes": map[string]any{"type": "integer", "description": "hint lifetime, default 60"},
				"reason":     map[string]any{"type": "string"},
			}, []string{"intervalMs"}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				iv, ok := intArg(args, "intervalMs")
				if !ok || iv <= 0 {
					return nil, errors.NewInvalidRequestf("intervalMs must be a positive integer")
				}
				if err := validateInterval(ep, floor, iv); err != nil {
					return nil, err
				}
				now := p.clk.Now().UTC()
				expires := now.Add(ttlArg(args, 60))
				hint := store.AIHint{IntervalMs: &iv, ExpiresAt: expires, Reason: stringArg(args, "reason")}
				if err := p.stores.Endpoints.WriteAIHint(ctx, ep.ID, hint); err != nil {
					return nil, err
				}
				if err := p.stores.Endpoints.SetNextRunAtIfEarlier(ctx, ep.ID, now.Add(msDur(iv))); err != nil {
					return nil, err
				}
				p.log.Infow("Planner wrote interval hint",
					"endpoint_id", ep.ID,
					"interval_ms", iv,
					"expires_at", expires,
					"reason", hint.Reason)
				return map[string]any{"applied": true, "intervalMs": iv, "expiresAt": expires.Format(time.RFC3339)}, nil
			},
		},
		{
			Name:        "propose_next_time",
			Description: "Request a single check at a specific future time without changing the steady cadence.",
			InputSchema: objectSchema(map[string]any{
				"nextRunAtIso": map[string]any{"type": "string", "description": "RFC3339 timestamp, must be in the future"},
				"ttlMinutes":   map[string]any{"type": "integer", "description": "hint lifetime, default 30"},
				"reason":       map[string]any{"type": "string"},
			}, []string{"nextRunAtIso"}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				raw := stringArg(args, "nextRunAtIso")
				if raw == "" {
					return nil, errors.NewInvalidRequestf("nextRunAtIso is required")
				}
				at, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, errors.NewInvalidRequestf("nextRunAtIso must be RFC3339: %v", err)
				}
				now := p.clk.Now().UTC()
				if !at.After(now) {
					return nil, errors.NewInvalidRequestf("nextRunAtIso must be in the future")
				}
				at = at.UTC()
				expires := now.Add(ttlArg(args, 30))
				hint := store.AIHint{NextRunAt: &at, ExpiresAt: expires, Reason: stringArg(args, "reason")}
				if err := p.stores.Endpoints.WriteAIHint(ctx, ep.ID, hint); err != nil {
					return nil, err
				}
				if err := p.stores.Endpoints.SetNextRunAtIfEarlier(ctx, ep.ID, at); err != nil {
					return nil, err
				}
				p.log.Infow("Planner wrote one-shot hint",
					"endpoint_id", ep.ID,
					"next_run_at", at,
					"expires_at", expires,
					"reason", hint.Reason)
				return map[string]any{"applied": true, "nextRunAt": at.Format(time.RFC3339)}, nil
			},
		},
		{
			Name:        "pause_until",
			Description: "Pause polling until a future time, or resume immediately when untilIso is null.",
			InputSchema: objectSchema(map[string]any{
				"untilIso": map[string]any{"type": []string{"string", "null"}, "description": "RFC3339 timestamp, or null to resume"},
				"reason":   map[string]any{"type": "string"},
			}, nil),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				raw, present := args["untilIso"]
				now := p.clk.Now().UTC()
				if !present || raw == nil {
					if err := p.stores.Endpoints.SetPausedUntil(ctx, ep.ID, nil); err != nil {
						return nil, err
					}
					p.log.Infow("Planner resumed endpoint",
						"endpoint_id", ep.ID,
						"reason", stringArg(args, "reason"))
					return map[string]any{"resumed": true}, nil
				}
				s, ok := raw.(string)
				if !ok {
					return nil, errors.NewInvalidRequestf("untilIso must be an RFC3339 string or null")
				}
				until, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, errors.NewInvalidRequestf("untilIso must be RFC3339: %v", err)
				}
				if !until.After(now) {
					return nil, errors.NewInvalidRequestf("untilIso must be in the future")
				}
				until = until.UTC()
				if err := p.stores.Endpoints.SetPausedUntil(ctx, ep.ID, &until); err != nil {
					return nil, err
				}
				p.log.Infow("Planner paused endpoint",
					"endpoint_id", ep.ID,
					"until", until,
					"reason", stringArg(args, "reason"))
				return map[string]any{"paused": true, "until": until.Format(time.RFC3339)}, nil
			},
		},
		{
			Name:        "clear_hints",
			Description: "Drop any AI scheduling hint, active or expired. The baseline takes back over.",
			InputSchema: objectSchema(map[string]any{
				"reason": map[string]any{"type": "string"},
			}, []string{"reason"}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := p.stores.Endpoints.ClearAIHints(ctx, ep.ID); err != nil {
					return nil, err
				}
				p.log.Infow("Planner cleared hints",
					"endpoint_id", ep.ID,
					"reason", stringArg(args, "reason"))
				return map[string]any{"cleared": true}, nil
			},
		},
		{
			Name:        "submit_analysis",
			Description: "Finish the session. Call exactly once, after any schedule changes.",
			InputSchema: objectSchema(map[string]any{
				"reasoning":           map[string]any{"type": "string", "description": "what the data showed and what you did about it"},
				"actions_taken":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"confidence":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"next_analysis_in_ms": map[string]any{"type": "integer", "description": "when to analyze this endpoint again"},
			}, []string{"reasoning"}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if ms, ok := intArg(args, "next_analysis_in_ms"); ok && ms > 0 {
					st.nextAnalysisInMs = &ms
				}
				return map[string]any{"recorded": true}, nil
			},
		},
	}
}

// validateInterval enforces the tier floor and the endpoint's own bounds
// on a proposed interval.
func validateInterval(ep *store.Endpoint, floor time.Duration, intervalMs int64) error {
	if msDur(intervalMs) < floor {
		return errors.NewInvalidRequestf("intervalMs %d is below the tier floor %s", intervalMs, floor)
	}
	if ep.MinIntervalMs != nil && intervalMs < *ep.MinIntervalMs {
		return errors.NewInvalidRequestf("intervalMs %d is below the endpoint minimum %d", intervalMs, *ep.MinIntervalMs)
	}
	if ep.MaxIntervalMs != nil && intervalMs > *ep.MaxIntervalMs {
		return errors.NewInvalidRequestf("intervalMs %d is above the endpoint maximum %d", intervalMs, *ep.MaxIntervalMs)
	}
	return nil
}

// runPayload shapes a run for a tool result. Bodies are truncated to keep
// session token spend bounded.
func runPayload(r *store.Run) map[string]any {
	payload := map[string]any{
		"status":    string(r.Status),
		"timestamp": r.StartedAt.Format(time.RFC3339),
	}
	if r.StatusCode != nil {
		payload["statusCode"] = *r.StatusCode
	}
	if r.DurationMs != nil {
		payload["durationMs"] = *r.DurationMs
	}
	if r.ResponseBody != nil {
		payload["responseBody"] = dispatch.Truncate(*r.ResponseBody, toolBodyLimit)
	}
	if r.ErrorMessage != nil {
		payload["error"] = *r.ErrorMessage
	}
	return payload
}

func objectSchema(props map[string]any, required []string) map[string]any {
	schema := map[string]any{"type": "object"}
	if len(props) > 0 {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// intArg reads a JSON number argument. Decoded tool args carry numbers as
// float64.
func intArg(args map[string]any, key string) (int64, bool) {
	f, ok := args[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func intArgDefault(args map[string]any, key string, def int64) int64 {
	if v, ok := intArg(args, key); ok {
		return v
	}
	return def
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func ttlArg(args map[string]any, defMinutes int64) time.Duration {
	minutes := intArgDefault(args, "ttlMinutes", defMinutes)
	if minutes <= 0 {
		minutes = defMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
