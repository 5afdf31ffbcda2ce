package server

import (
	"net/http"
	"time"

	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
	"github.com/rubato-io/rubato/version"
)

// usageResponse reports current-month consumption against the tier caps.
// Runs count scheduled dispatches only, matching what the meter bills;
// test and manual runs are free.
type usageResponse struct {
	Tier       tier.Tier `json:"tier"`
	MonthStart time.Time `json:"month_start"`
	Runs       usageLine `json:"runs"`
	Tokens     usageLine `json:"tokens"`
}

type usageLine struct {
	Used int64 `json:"used"`
	Cap  int64 `json:"cap"`
}

// handleUsage serves GET /api/usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	t, limits, err := s.tenantLimits(r, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := s.clk.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	source := store.RunSourceSchedule
	metrics, err := s.stores.Runs.GetFilteredMetrics(r.Context(), store.MetricsFilter{
		TenantID: userID,
		Since:    monthStart,
		Source:   &source,
	})
	if err != nil {
		s.log.Errorw("Failed to compute run usage", "user_id", userID, "error", err)
		writeDomainError(w, err)
		return
	}
	tokens, err := s.stores.AISessions.TokenUsageSince(r.Context(), userID, monthStart)
	if err != nil {
		s.log.Errorw("Failed to compute token usage", "user_id", userID, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		Tier:       t,
		MonthStart: monthStart,
		Runs:       usageLine{Used: metrics.TotalRuns, Cap: limits.MonthlyRunCap},
		Tokens:     usageLine{Used: tokens, Cap: limits.MonthlyTokenCap},
	})
}

// handleHealthz serves the unauthenticated health check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    info.Version,
		"commit":     info.CommitHash,
		"build_time": info.BuildTime,
		"clients":    clientCount,
	})
}
