package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

// TokenGuard gates planner analyses on the tier's monthly token cap.
type TokenGuard struct {
	sessions *store.AISessionStore
	users    *store.UserStore
	tiers    tier.Table
	log      *zap.SugaredLogger
}

// NewTokenGuard builds a token guard.
func NewTokenGuard(sessions *store.AISessionStore, users *store.UserStore, tiers tier.Table, log *zap.SugaredLogger) *TokenGuard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TokenGuard{sessions: sessions, users: users, tiers: tiers, log: log}
}

// CanProceed reports whether the tenant has token budget left this UTC
// month. Any lookup error denies the analysis; the endpoint is retried on
// a later scan.
func (g *TokenGuard) CanProceed(ctx context.Context, tenantID string, now time.Time) bool {
	monthStart, _ := monthWindow(now)

	t, err := g.users.GetTier(ctx, tenantID)
	if err != nil {
		g.log.Warnw("Token guard tier lookup failed, denying analysis",
			"tenant_id", tenantID, "error", err)
		return false
	}
	limits := g.tiers.For(t)
	if limits.MonthlyTokenCap <= 0 {
		return true
	}

	used, err := g.sessions.TokenUsageSince(ctx, tenantID, monthStart)
	if err != nil {
		g.log.Warnw("Token guard usage read failed, denying analysis",
			"tenant_id", tenantID, "error", err)
		return false
	}

	if used >= limits.MonthlyTokenCap {
		g.log.Infow("Monthly token cap reached, skipping analysis",
			"tenant_id", tenantID,
			"tier", t,
			"tokens_used", used,
			"cap", limits.MonthlyTokenCap,
		)
		return false
	}
	return true
}
