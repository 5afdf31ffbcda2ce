package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/rubato-io/rubato/governor"
	"github.com/rubato-io/rubato/store"
)

const systemPrompt = `You are the scheduling analyst for an HTTP endpoint monitor. Each session
covers one endpoint. Use the query tools (get_latest_response,
get_response_history, get_sibling_latest_responses) to inspect recent
behavior, then decide whether its polling cadence should change.

You may call propose_interval to suggest a steady cadence, propose_next_time
to request a single earlier check, pause_until to stop polling a dead or
maintenance endpoint, and clear_hints to drop earlier suggestions. Hints are
temporary and clamped to the endpoint's bounds. Prefer no action when the
data does not clearly support one.

Always finish by calling submit_analysis with your reasoning and, when the
endpoint deserves another look sooner or later than usual,
next_analysis_in_ms.`

// buildPrompt renders the endpoint's identity, schedule state, and health
// windows into the session's opening user turn. Every line states its
// datum even when empty so the model never guesses at missing context.
func buildPrompt(ep *store.Endpoint, job *store.Job, health *store.HealthSummary, siblings []*store.SiblingRun, floor time.Duration, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Endpoint %s %q in job %q\n", ep.ID, ep.Name, job.Name)
	if job.Description != "" {
		fmt.Fprintf(&b, "Job description: %s\n", job.Description)
	}
	if ep.Description != "" {
		fmt.Fprintf(&b, "Endpoint description: %s\n", ep.Description)
	}
	fmt.Fprintf(&b, "Target: %s %s\n", ep.Method, ep.URL)

	b.WriteString("\nSchedule state:\n")
	fmt.Fprintf(&b, "- baseline: %s\n", baselineLine(ep))
	fmt.Fprintf(&b, "- bounds: %s\n", boundsLine(ep, floor))
	fmt.Fprintf(&b, "- next run: %s\n", ep.NextRunAt.Format(time.RFC3339))
	if ep.LastRunAt != nil {
		fmt.Fprintf(&b, "- last run: %s\n", ep.LastRunAt.Format(time.RFC3339))
	} else {
		b.WriteString("- last run: never\n")
	}
	fmt.Fprintf(&b, "- failure count: %d (backoff x%d)\n",
		ep.FailureCount, governor.BackoffMultiplier(ep.FailureCount))
	if ep.PausedUntil != nil && ep.PausedUntil.After(now) {
		fmt.Fprintf(&b, "- paused until %s\n", ep.PausedUntil.Format(time.RFC3339))
	} else {
		b.WriteString("- not paused\n")
	}
	b.WriteString(hintLine(ep, now))

	b.WriteString("\nRecent health:\n")
	fmt.Fprintf(&b, "%s\n", windowLine("1h", health.Window1h))
	fmt.Fprintf(&b, "%s\n", windowLine("4h", health.Window4h))
	fmt.Fprintf(&b, "%s\n", windowLine("24h", health.Window24h))
	if health.AvgDurationMs != nil {
		fmt.Fprintf(&b, "- avg duration: %.0fms\n", *health.AvgDurationMs)
	}
	fmt.Fprintf(&b, "- failure streak: %d\n", health.FailureStreak)

	if len(siblings) > 0 {
		names := make([]string, len(siblings))
		for i, s := range siblings {
			names[i] = fmt.Sprintf("%q", s.EndpointName)
		}
		fmt.Fprintf(&b, "\nSibling endpoints in this job: %s\n", strings.Join(names, ", "))
	} else {
		b.WriteString("\nSibling endpoints in this job: none\n")
	}

	b.WriteString("\nInspect the data with the query tools, adjust the schedule only when the evidence supports it, then finish with submit_analysis.")
	return b.String()
}

func baselineLine(ep *store.Endpoint) string {
	switch {
	case ep.BaselineCron != nil:
		return fmt.Sprintf("cron %q", *ep.BaselineCron)
	case ep.BaselineIntervalMs != nil:
		return fmt.Sprintf("every %s", msDur(*ep.BaselineIntervalMs))
	default:
		return "none"
	}
}

func boundsLine(ep *store.Endpoint, floor time.Duration) string {
	parts := []string{fmt.Sprintf("tier floor %s", floor)}
	if ep.MinIntervalMs != nil {
		parts = append(parts, fmt.Sprintf("min %s", msDur(*ep.MinIntervalMs)))
	}
	if ep.MaxIntervalMs != nil {
		parts = append(parts, fmt.Sprintf("max %s", msDur(*ep.MaxIntervalMs)))
	}
	return strings.Join(parts, ", ")
}

func hintLine(ep *store.Endpoint, now time.Time) string {
	if !ep.HasActiveHint(now) {
		return "- active hint: none\n"
	}
	expires := ep.AIHintExpiresAt.Format(time.RFC3339)
	if ep.AIHintIntervalMs != nil {
		return fmt.Sprintf("- active hint: interval %s, expires %s\n", msDur(*ep.AIHintIntervalMs), expires)
	}
	return fmt.Sprintf("- active hint: one-shot at %s, expires %s\n", ep.AIHintNextRunAt.Format(time.RFC3339), expires)
}

func windowLine(label string, w store.WindowStats) string {
	if w.Total == 0 {
		return fmt.Sprintf("- last %s: no runs", label)
	}
	return fmt.Sprintf("- last %s: %d/%d success (%.1f%%)", label, w.SuccessCount, w.Total, w.SuccessRate*100)
}

func msDur(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
