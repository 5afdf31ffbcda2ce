package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// Executor runs one endpoint dispatch end to end: create the run row,
// execute the HTTP call, finalize the row, broadcast both edges. The
// scheduler worker uses it for claimed endpoints and the server reuses
// it for on-demand test dispatches, so both paths record runs the same
// way.
type Executor struct {
	runs        *store.RunStore
	dispatcher  *dispatch.Dispatcher
	broadcaster Broadcaster
	log         *zap.SugaredLogger
}

// NewExecutor creates an executor. A nil broadcaster becomes a no-op.
func NewExecutor(runs *store.RunStore, dispatcher *dispatch.Dispatcher, broadcaster Broadcaster, log *zap.SugaredLogger) *Executor {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{runs: runs, dispatcher: dispatcher, broadcaster: broadcaster, log: log}
}

// Execute records and performs a single run of the endpoint. The returned
// run is finalized; dispatch failures live in its status and error fields,
// not in the error return, which is reserved for store writes failing.
func (ex *Executor) Execute(ctx context.Context, ep *store.Endpoint, source store.RunSource, attempt int, startedAt time.Time) (*store.Run, dispatch.Outcome, error) {
	run := &store.Run{
		EndpointID: ep.ID,
		TenantID:   ep.TenantID,
		Attempt:    attempt,
		Status:     store.RunStatusRunning,
		Source:     source,
		StartedAt:  startedAt,
	}
	if err := ex.runs.Create(ctx, run); err != nil {
		return nil, dispatch.Outcome{}, errors.Wrapf(err, "failed to create run for endpoint %s", ep.ID)
	}
	ex.broadcaster.BroadcastRunStarted(run)

	outcome := ex.dispatcher.Execute(ctx, ep)

	finishedAt := startedAt.Add(time.Duration(outcome.DurationMs) * time.Millisecond)
	err := ex.runs.Finish(ctx, run.ID, store.RunCompletion{
		Status:       outcome.Status,
		FinishedAt:   finishedAt,
		DurationMs:   outcome.DurationMs,
		StatusCode:   outcome.StatusCode,
		ResponseBody: outcome.ResponseBody,
		ErrorMessage: outcome.ErrorMessage,
	})
	if err != nil {
		return nil, outcome, errors.Wrapf(err, "failed to finish run %s", run.ID)
	}

	run.Status = outcome.Status
	run.FinishedAt = &finishedAt
	run.DurationMs = &outcome.DurationMs
	run.StatusCode = outcome.StatusCode
	run.ResponseBody = outcome.ResponseBody
	run.ErrorMessage = outcome.ErrorMessage
	ex.broadcaster.BroadcastRunFinished(run)

	ex.log.Debugw("Run finished",
		"run_id", run.ID,
		"endpoint_id", ep.ID,
		"status", run.Status,
		"attempt", attempt,
		"source", source,
		"duration_ms", outcome.DurationMs)
	return run, outcome, nil
}
