// Package quota enforces the monthly tier caps: run metering before every
// dispatch and token budgeting before every planner analysis. The two
// checks fail in opposite directions on error. Metering fails open, since
// a transient read error must not silently halt a tenant's schedules.
// The token guard fails closed: it fronts paid LLM calls, and skipping
// one analysis cycle is cheap.
package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

// Meter gates dispatches on the tier's monthly run cap.
type Meter struct {
	runs  *store.RunStore
	users *store.UserStore
	tiers tier.Table
	log   *zap.SugaredLogger
}

// NewMeter builds a run meter.
func NewMeter(runs *store.RunStore, users *store.UserStore, tiers tier.Table, log *zap.SugaredLogger) *Meter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Meter{runs: runs, users: users, tiers: tiers, log: log}
}

// CheckDispatch reports whether the tenant may start another run at now.
// When the monthly cap is reached it returns false and the start of the
// next UTC month, which the scheduler writes back as the endpoint's next
// run. Lookup errors allow the dispatch.
func (m *Meter) CheckDispatch(ctx context.Context, tenantID string, now time.Time) (bool, time.Time) {
	monthStart, nextMonth := monthWindow(now)

	t, err := m.users.GetTier(ctx, tenantID)
	if err != nil {
		m.log.Warnw("Metering tier lookup failed, allowing dispatch",
			"tenant_id", tenantID, "error", err)
		return true, time.Time{}
	}
	limits := m.tiers.For(t)
	if limits.MonthlyRunCap <= 0 {
		return true, time.Time{}
	}

	metrics, err := m.runs.GetFilteredMetrics(ctx, store.MetricsFilter{
		TenantID: tenantID,
		Since:    monthStart,
	})
	if err != nil {
		m.log.Warnw("Metering usage read failed, allowing dispatch",
			"tenant_id", tenantID, "error", err)
		return true, time.Time{}
	}

	if metrics.TotalRuns >= limits.MonthlyRunCap {
		m.log.Infow("Monthly run cap reached, deferring",
			"tenant_id", tenantID,
			"tier", t,
			"runs", metrics.TotalRuns,
			"cap", limits.MonthlyRunCap,
			"defer_until", nextMonth,
		)
		return false, nextMonth
	}
	return true, time.Time{}
}

// monthWindow returns the UTC month containing now and the start of the
// month after it.
func monthWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
