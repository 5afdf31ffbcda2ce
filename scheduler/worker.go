// Package scheduler runs the claim-dispatch-record-advance loop. A worker
// claims due endpoints under short database leases, executes them on a
// bounded in-process pool, records each run, and advances next_run_at via
// the governor. Multiple worker processes may share one database; leases
// are the only cross-process coordination.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/governor"
	"github.com/rubato-io/rubato/quota"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

const (
	maxConsecutiveErrors = 5
	maxClaimBackoff      = 30 * time.Second

	// governorFallback reschedules an endpoint whose governor decision
	// failed (bad cron row) far enough out that the log line is seen
	// before the next attempt.
	governorFallback = 5 * time.Minute
)

// Worker is one scheduler process: a claim loop feeding a bounded pool,
// a zombie sweeper, and a heartbeat.
type Worker struct {
	id       string
	cfg      config.SchedulerConfig
	stores   *store.Stores
	executor *Executor
	meter    *quota.Meter
	tiers    tier.Table
	clk      clock.Clock
	log      *zap.SugaredLogger

	// ctx gates the loops; dispatchCtx gates in-flight runs and outlives
	// ctx for the drain window so Stop can let dispatches finish.
	ctx            context.Context
	cancel         context.CancelFunc
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	wg  sync.WaitGroup
	sem chan struct{}

	claimed    atomic.Int64
	dispatched atomic.Int64
}

// NewWorker creates a scheduler worker. Zero config fields fall back to
// the documented defaults so directly constructed configs stay safe.
func NewWorker(ctx context.Context, cfg config.SchedulerConfig, stores *store.Stores, executor *Executor, meter *quota.Meter, tiers tier.Table, clk clock.Clock, log *zap.SugaredLogger) *Worker {
	cfg = withDefaults(cfg)
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	dispatchCtx, dispatchCancel := context.WithCancel(ctx)

	return &Worker{
		id:             workerID(),
		cfg:            cfg,
		stores:         stores,
		executor:       executor,
		meter:          meter,
		tiers:          tiers,
		clk:            clk,
		log:            log,
		ctx:            loopCtx,
		cancel:         cancel,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
		sem:            make(chan struct{}, cfg.Workers),
	}
}

func withDefaults(cfg config.SchedulerConfig) config.SchedulerConfig {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleMs <= 0 {
		cfg.IdleMs = 1000
	}
	if cfg.LeaseMs <= 0 {
		cfg.LeaseMs = 60000
	}
	if cfg.ZombieAgeMs <= 0 {
		cfg.ZombieAgeMs = 300000
	}
	if cfg.ZombieSweepSeconds <= 0 {
		cfg.ZombieSweepSeconds = 60
	}
	if cfg.ShutdownTimeoutMs <= 0 {
		cfg.ShutdownTimeoutMs = 30000
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = 60
	}
	return cfg
}

// workerID identifies this process as a lease owner. Stable enough to
// debug, unique enough that two processes on one host never collide.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rubato"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ID returns the lease owner id written into locked_by.
func (w *Worker) ID() string { return w.id }

// Start launches the claim loop, zombie sweeper and heartbeat.
func (w *Worker) Start() {
	w.wg.Add(3)
	go w.run()
	go w.sweepLoop()
	go w.heartbeatLoop()
	w.log.Infow("Scheduler worker started",
		"worker_id", w.id,
		"pool", cap(w.sem),
		"batch", w.cfg.BatchSize,
		"lease", w.cfg.Lease(),
	)
}

// Stop drains in-flight dispatches up to the shutdown timeout. Stragglers
// are abandoned; their leases expire and the sweep reclaims them.
func (w *Worker) Stop() {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.dispatchCancel()
		w.log.Infow("Scheduler worker stopped",
			"worker_id", w.id,
			"claimed", w.claimed.Load(),
			"dispatched", w.dispatched.Load())
	case <-time.After(w.cfg.ShutdownTimeout()):
		w.dispatchCancel()
		w.log.Warnw("Shutdown drain timed out, abandoning in-flight dispatches",
			"worker_id", w.id,
			"timeout", w.cfg.ShutdownTimeout())
	}
}

// run is the claim loop. Claim errors back off after a few consecutive
// failures so a broken database does not spin the process.
func (w *Worker) run() {
	defer w.wg.Done()

	errorCount := 0
	backoff := time.Second

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		now := w.clk.Now().UTC()
		ids, err := w.stores.Endpoints.ClaimDue(w.ctx, now, w.cfg.Lease(), w.id, w.cfg.BatchSize)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			errorCount++
			w.log.Errorw("Claim failed",
				"worker_id", w.id,
				"error", err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				w.log.Warnw("Backing off after consecutive claim errors",
					"worker_id", w.id,
					"backoff", backoff)
				w.sleep(backoff)
				backoff = min(backoff*2, maxClaimBackoff)
			}
			continue
		}
		if errorCount > 0 {
			w.log.Infow("Claim loop recovered", "worker_id", w.id, "previous_errors", errorCount)
		}
		errorCount = 0
		backoff = time.Second

		if len(ids) == 0 {
			w.sleep(w.cfg.Idle())
			continue
		}
		w.claimed.Add(int64(len(ids)))

		for _, id := range ids {
			select {
			case <-w.ctx.Done():
				return
			case w.sem <- struct{}{}:
			}
			w.wg.Add(1)
			go func(id string) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.processOne(w.dispatchCtx, id)
			}(id)
		}
	}
}

// processOne handles a single claimed endpoint: reload, meter, record,
// dispatch, finalize, advance. Failures are logged per endpoint and never
// abort the batch; an unadvanced endpoint is retried after lease expiry.
func (w *Worker) processOne(ctx context.Context, id string) {
	now := w.clk.Now().UTC()

	ep, err := w.stores.Endpoints.Get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			w.release(ctx, id)
			return
		}
		w.log.Errorw("Failed to reload claimed endpoint", "endpoint_id", id, "error", err)
		return
	}
	// Archived between claim and here: the claim filter saw the old row.
	if ep.ArchivedAt != nil {
		w.release(ctx, id)
		return
	}

	if ok, deferUntil := w.meter.CheckDispatch(ctx, ep.TenantID, now); !ok {
		if err := w.stores.Endpoints.SetNextRunAt(ctx, ep.ID, deferUntil); err != nil {
			w.log.Errorw("Failed to defer metered endpoint",
				"endpoint_id", ep.ID, "error", err)
		}
		return
	}

	startedAt := w.clk.Now().UTC()
	_, outcome, err := w.executor.Execute(ctx, ep, store.RunSourceSchedule, ep.FailureCount+1, startedAt)
	if err != nil {
		w.log.Errorw("Run bookkeeping failed", "endpoint_id", ep.ID, "error", err)
		return
	}
	w.dispatched.Add(1)

	w.advance(ctx, ep, startedAt, outcome)
}

// advance computes the next run via the governor and writes it back,
// clearing the lease in the same statement.
func (w *Worker) advance(ctx context.Context, ep *store.Endpoint, startedAt time.Time, outcome dispatch.Outcome) {
	completion := w.clk.Now().UTC()

	decided := *ep
	decided.LastRunAt = &startedAt
	policy := store.FailureIncrement
	if outcome.Status == store.RunStatusSuccess {
		policy = store.FailureReset
		decided.FailureCount = 0
	}

	dec, err := governor.Decide(governor.Input{
		Endpoint:  &decided,
		Now:       completion,
		TierFloor: w.tierFloor(ctx, ep.TenantID),
	})
	nextRunAt := dec.NextRunAt
	if err != nil {
		nextRunAt = completion.Add(governorFallback)
		w.log.Errorw("Governor decision failed, using fallback",
			"endpoint_id", ep.ID,
			"fallback", governorFallback,
			"error", err)
	}

	if err := w.stores.Endpoints.UpdateAfterRun(ctx, ep.ID, startedAt, nextRunAt, policy); err != nil {
		w.log.Errorw("Failed to advance endpoint after run",
			"endpoint_id", ep.ID, "error", err)
		return
	}

	w.log.Debugw("Endpoint advanced",
		"endpoint_id", ep.ID,
		"status", outcome.Status,
		"basis", dec.Basis,
		"interval", dec.Interval,
		"backoff", dec.Backoff,
		"next_run_at", nextRunAt)
}

// tierFloor resolves the tenant's minimum interval. Lookup failures fall
// back to the free floor, never a faster one.
func (w *Worker) tierFloor(ctx context.Context, tenantID string) time.Duration {
	t, err := w.stores.Users.GetTier(ctx, tenantID)
	if err != nil {
		w.log.Warnw("Tier lookup failed, using free floor",
			"tenant_id", tenantID, "error", err)
		t = tier.Free
	}
	return w.tiers.For(t).MinInterval
}

func (w *Worker) release(ctx context.Context, id string) {
	if err := w.stores.Endpoints.ClearLock(ctx, id); err != nil && !errors.IsNotFound(err) {
		w.log.Warnw("Failed to release endpoint lock", "endpoint_id", id, "error", err)
	}
}

// sleep waits on the injected clock so tests can drive idle periods.
func (w *Worker) sleep(d time.Duration) {
	t := w.clk.Timer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
	case <-t.C:
	}
}
