// Package governor computes when an endpoint runs next. Decide is a pure
// function of the endpoint's persisted state and the caller's clock, so
// every scheduling decision is replayable from a row snapshot.
//
// Priority ladder:
//
//  1. pause        pausedUntil in the future wins outright, no clamping
//  2. ai one-shot  an unexpired one-shot hint competes with the baseline
//  3. ai interval  an unexpired interval hint replaces the baseline and
//     bypasses failure backoff
//  4. baseline     fixed interval or cron, scaled by 2^min(failureCount, 5)
//
// Whatever wins (pause aside) is clamped to the endpoint's interval bounds
// and the tier floor, then pushed at least SafetyMargin past now so a hot
// endpoint can never schedule itself into a tight loop.
package governor

import (
	"time"

	"github.com/rubato-io/rubato/cronexpr"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// SafetyMargin is the minimum distance between now and any non-pause
// decision.
const SafetyMargin = 1000 * time.Millisecond

// maxBackoffShift caps exponential backoff at 2^5 = 32x the baseline.
const maxBackoffShift = 5

// Basis names which rule produced a decision, for structured logs and
// API payloads.
type Basis string

const (
	BasisPause      Basis = "pause"
	BasisAINext     Basis = "ai_next"
	BasisAIInterval Basis = "ai_interval"
	BasisBaseline   Basis = "baseline"
)

// CronNext computes the first activation of expr strictly after from.
type CronNext func(expr string, from time.Time) (time.Time, error)

// Input is a snapshot for one decision. Now is the caller's clock (the
// scheduler passes the post-dispatch completion time); TierFloor is the
// tenant tier's minimum interval. A nil Cron uses cronexpr.Next.
type Input struct {
	Endpoint  *store.Endpoint
	Now       time.Time
	TierFloor time.Duration
	Cron      CronNext
}

// Decision is the computed schedule advance.
type Decision struct {
	NextRunAt time.Time
	Basis     Basis
	// Interval is the clamped interval behind NextRunAt; zero for pause.
	Interval time.Duration
	// Backoff is the multiplier applied to the baseline; 1 when no
	// backoff was in play (success path, hint paths, pause).
	Backoff int64
}

// Decide computes the next run time for an endpoint.
func Decide(in Input) (Decision, error) {
	e := in.Endpoint
	if e == nil {
		return Decision{}, errors.New("governor requires an endpoint")
	}
	now := in.Now

	if e.PausedUntil != nil && e.PausedUntil.After(now) {
		return Decision{NextRunAt: *e.PausedUntil, Basis: BasisPause, Backoff: 1}, nil
	}

	// Anchor at the later of the last run start and now: when execution
	// outlives its own interval the next run is measured from completion,
	// so two runs never overlap.
	ref := now
	if e.LastRunAt != nil && e.LastRunAt.After(ref) {
		ref = *e.LastRunAt
	}

	hintActive := e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now)

	if hintActive && e.AIHintNextRunAt != nil {
		baseline, mult, err := backedBaseline(in, e, ref)
		if err != nil {
			return Decision{}, err
		}
		candidate := e.AIHintNextRunAt.Sub(ref)
		basis, applied := BasisAINext, int64(1)
		if baseline < candidate {
			candidate, basis, applied = baseline, BasisBaseline, mult
		}
		return finalize(ref, now, clampInterval(candidate, e, in.TierFloor), basis, applied), nil
	}

	if hintActive && e.AIHintIntervalMs != nil {
		interval := time.Duration(*e.AIHintIntervalMs) * time.Millisecond
		return finalize(ref, now, clampInterval(interval, e, in.TierFloor), BasisAIInterval, 1), nil
	}

	baseline, mult, err := backedBaseline(in, e, ref)
	if err != nil {
		return Decision{}, err
	}
	return finalize(ref, now, clampInterval(baseline, e, in.TierFloor), BasisBaseline, mult), nil
}

// backedBaseline returns the baseline interval scaled by the failure
// backoff multiplier. For cron baselines the interval is the distance from
// ref to the next fire; backoff scales that distance the same way.
func backedBaseline(in Input, e *store.Endpoint, ref time.Time) (time.Duration, int64, error) {
	mult := BackoffMultiplier(e.FailureCount)

	if e.BaselineIntervalMs != nil {
		return time.Duration(*e.BaselineIntervalMs) * time.Millisecond * time.Duration(mult), mult, nil
	}
	if e.BaselineCron == nil {
		return 0, 0, errors.Newf("endpoint %s has no baseline schedule", e.ID)
	}
	next := in.Cron
	if next == nil {
		next = cronexpr.Next
	}
	fire, err := next(*e.BaselineCron, ref)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "endpoint %s cron", e.ID)
	}
	return fire.Sub(ref) * time.Duration(mult), mult, nil
}

// BackoffMultiplier returns the failure backoff factor 2^min(failureCount, 5).
// Exported so the planner can report the live multiplier in its prompts.
func BackoffMultiplier(failureCount int) int64 {
	if failureCount <= 0 {
		return 1
	}
	shift := failureCount
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return 1 << shift
}

// clampInterval bounds an interval to [minIntervalMs, maxIntervalMs], then
// applies the tier floor. The floor is applied last: it is a hard limit
// that wins even over a smaller maxIntervalMs.
func clampInterval(d time.Duration, e *store.Endpoint, floor time.Duration) time.Duration {
	if e.MaxIntervalMs != nil {
		if max := time.Duration(*e.MaxIntervalMs) * time.Millisecond; d > max {
			d = max
		}
	}
	if e.MinIntervalMs != nil {
		if min := time.Duration(*e.MinIntervalMs) * time.Millisecond; d < min {
			d = min
		}
	}
	if d < floor {
		d = floor
	}
	return d
}

func finalize(ref, now time.Time, interval time.Duration, basis Basis, backoff int64) Decision {
	next := ref.Add(interval)
	if earliest := now.Add(SafetyMargin); next.Before(earliest) {
		next = earliest
	}
	return Decision{NextRunAt: next, Basis: basis, Interval: interval, Backoff: backoff}
}
