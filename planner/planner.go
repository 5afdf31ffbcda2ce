// Package planner runs the AI analysis loop. On its own cadence it scans
// for endpoints whose last analysis has aged out, asks the LLM to inspect
// recent behavior through a closed tool set, and records the session. The
// planner only ever writes hints and pauses; the governor decides what a
// hint is worth, so a misbehaving model can shift cadence inside the
// endpoint's bounds but never break the schedule.
package planner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rubato-io/rubato/ai/anthropic"
	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/quota"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

// defaultAnalysisGap schedules the next analysis when the session produced
// no explicit request and the endpoint has no fixed baseline to borrow.
const defaultAnalysisGap = 5 * time.Minute

// Planner is the analysis worker. One per process is plenty; sessions run
// sequentially because the provider rate limit and token budgets make
// parallel analysis pointless.
type Planner struct {
	cfg    config.PlannerConfig
	stores *store.Stores
	llm    *anthropic.Client
	guard  *quota.TokenGuard
	tiers  tier.Table
	clk    clock.Clock
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	interval time.Duration
	ticker   *clock.Ticker

	analyzed atomic.Int64
	skipped  atomic.Int64
}

// NewPlanner creates a planner worker. Zero config fields fall back to the
// documented defaults.
func NewPlanner(ctx context.Context, cfg config.PlannerConfig, stores *store.Stores, llm *anthropic.Client, guard *quota.TokenGuard, tiers tier.Table, clk clock.Clock, log *zap.SugaredLogger) *Planner {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 300
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 15
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	return &Planner{
		cfg:      cfg,
		stores:   stores,
		llm:      llm,
		guard:    guard,
		tiers:    tiers,
		clk:      clk,
		log:      log,
		ctx:      loopCtx,
		cancel:   cancel,
		interval: cfg.Interval(),
	}
}

// SetInterval adjusts the scan cadence. Safe to call while the loop runs;
// the new cadence takes effect from the next tick. Used by config reload.
func (p *Planner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == p.interval {
		return
	}
	p.interval = d
	if p.ticker != nil {
		p.ticker.Reset(d)
	}
	p.log.Infow("Planner interval updated", "interval", d)
}

// Start launches the scan loop.
func (p *Planner) Start() {
	p.wg.Add(1)
	go p.run()
	p.log.Infow("Planner started",
		"interval", p.cfg.Interval(),
		"batch", p.cfg.BatchSize,
		"model", p.cfg.Model,
	)
}

// Stop cancels the loop and waits for the in-flight session to abort. LLM
// calls carry the loop context, so cancellation cuts them short; an
// unrecorded session is simply re-run on the next scan.
func (p *Planner) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Infow("Planner stopped",
		"analyzed", p.analyzed.Load(),
		"skipped", p.skipped.Load())
}

func (p *Planner) run() {
	defer p.wg.Done()

	p.scan()

	p.mu.Lock()
	p.ticker = p.clk.Ticker(p.interval)
	p.mu.Unlock()
	defer p.ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.ticker.C:
			p.scan()
		}
	}
}

// scan analyzes one batch of due endpoints. Per-endpoint failures are
// logged and never poison the rest of the batch.
func (p *Planner) scan() {
	now := p.clk.Now().UTC()
	eps, err := p.stores.Endpoints.ListDueAnalysis(p.ctx, now, p.cfg.BatchSize)
	if err != nil {
		if p.ctx.Err() == nil {
			p.log.Errorw("Analysis scan failed", "error", err)
		}
		return
	}

	for _, ep := range eps {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.analyzeOne(p.ctx, ep); err != nil {
			p.log.Errorw("Endpoint analysis failed",
				"endpoint_id", ep.ID,
				"error", err)
		}
	}
}

// analyzeOne runs a full session for one endpoint: quota gate, context
// gathering, the tool-driven LLM conversation, and the session record.
func (p *Planner) analyzeOne(ctx context.Context, ep *store.Endpoint) error {
	now := p.clk.Now().UTC()

	if !p.guard.CanProceed(ctx, ep.TenantID, now) {
		p.skipped.Add(1)
		p.log.Infow("Token quota reached, skipping analysis",
			"endpoint_id", ep.ID,
			"tenant_id", ep.TenantID)
		return nil
	}

	health, err := p.stores.Runs.GetHealthSummary(ctx, ep.ID, now)
	if err != nil {
		return errors.Wrap(err, "health summary")
	}
	job, err := p.stores.Jobs.Get(ctx, ep.JobID)
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	siblings, err := p.stores.Runs.GetSiblingLatestResponses(ctx, ep.JobID, ep.ID)
	if err != nil {
		return errors.Wrap(err, "sibling responses")
	}

	floor := p.tierFloor(ctx, ep.TenantID)
	st := &sessionState{}

	started := p.clk.Now()
	res, err := p.llm.PlanWithTools(ctx, anthropic.PlanRequest{
		System:        systemPrompt,
		Input:         buildPrompt(ep, job, health, siblings, floor, now),
		Tools:         p.sessionTools(ep, floor, st),
		MaxTokens:     p.cfg.MaxTokens,
		MaxToolCalls:  p.cfg.MaxToolCalls,
		FinalToolName: finalToolName,
		Model:         p.cfg.Model,
	})
	if err != nil {
		return errors.Wrap(err, "plan session")
	}
	durationMs := p.clk.Since(started).Milliseconds()

	reasoning := res.Reasoning
	if reasoning == "" {
		reasoning = "No reasoning provided"
	}

	completed := p.clk.Now().UTC()
	next := completed.Add(p.nextAnalysisGap(ep, st))

	session := &store.AISession{
		EndpointID:           ep.ID,
		TenantID:             ep.TenantID,
		AnalyzedAt:           completed,
		ToolCalls:            convertCalls(res.ToolCalls),
		Reasoning:            reasoning,
		TokenUsage:           &res.TokenUsage,
		DurationMs:           &durationMs,
		NextAnalysisAt:       &next,
		EndpointFailureCount: ep.FailureCount,
	}
	if err := p.stores.AISessions.Create(ctx, session); err != nil {
		return errors.Wrap(err, "record session")
	}

	p.analyzed.Add(1)
	p.log.Infow("Endpoint analyzed",
		"endpoint_id", ep.ID,
		"tool_calls", len(res.ToolCalls),
		"tokens", res.TokenUsage,
		"next_analysis_at", next,
	)
	return nil
}

// nextAnalysisGap picks the delay until the next session: the model's
// request, else the endpoint's fixed baseline, else the stock gap.
func (p *Planner) nextAnalysisGap(ep *store.Endpoint, st *sessionState) time.Duration {
	if st.nextAnalysisInMs != nil && *st.nextAnalysisInMs > 0 {
		return time.Duration(*st.nextAnalysisInMs) * time.Millisecond
	}
	if ep.BaselineIntervalMs != nil {
		return time.Duration(*ep.BaselineIntervalMs) * time.Millisecond
	}
	return defaultAnalysisGap
}

// tierFloor resolves the tenant's minimum interval. Lookup failures fall
// back to the free floor so a bad row can never unlock tighter cadences.
func (p *Planner) tierFloor(ctx context.Context, tenantID string) time.Duration {
	t, err := p.stores.Users.GetTier(ctx, tenantID)
	if err != nil {
		p.log.Warnw("Tier lookup failed, using free floor",
			"tenant_id", tenantID,
			"error", err)
		t = tier.Free
	}
	return p.tiers.For(t).MinInterval
}

func convertCalls(invocations []anthropic.ToolInvocation) []store.ToolCall {
	calls := make([]store.ToolCall, len(invocations))
	for i, inv := range invocations {
		calls[i] = store.ToolCall{Tool: inv.Tool, Args: inv.Args, Result: inv.Result}
	}
	return calls
}
