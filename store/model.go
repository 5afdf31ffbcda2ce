// Package store persists the scheduling domain: users, jobs, endpoints,
// runs, and AI analysis sessions. Every store wraps the shared *sql.DB and
// exposes context-aware methods with raw SQL. Time columns are INTEGER
// epoch milliseconds so lease arithmetic and due-time comparisons stay
// exact across the claim path.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rubato-io/rubato/tier"
)

// JobStatus is the lifecycle state of a job group.
type JobStatus string

const (
	JobStatusActive   JobStatus = "active"
	JobStatusPaused   JobStatus = "paused"
	JobStatusArchived JobStatus = "archived"
)

// RunStatus is the outcome of a single execution attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusTimeout RunStatus = "timeout"
)

// RunSource records what triggered a run.
type RunSource string

const (
	RunSourceSchedule RunSource = "schedule"
	RunSourceTest     RunSource = "test"
	RunSourceManual   RunSource = "manual"
)

// ValidMethods are the HTTP methods an endpoint may dispatch with.
var ValidMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// PauseIndefinite is the paused_until value meaning "until further
// notice": far enough out that resume is the only way back.
var PauseIndefinite = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// User owns jobs and carries the tier that bounds scheduling floors and caps.
type User struct {
	ID        string    `json:"id"`
	Tier      tier.Tier `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthSession is a bearer token minted for a user.
type AuthSession struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Job groups endpoints under one owner. Archiving a job archives every
// child endpoint in the same transaction.
type Job struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Endpoint is a scheduled HTTP invocation target with its full execution
// state. Exactly one of BaselineCron and BaselineIntervalMs is set.
type Endpoint struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               *string           `json:"body,omitempty"`
	TimeoutMs          *int64            `json:"timeout_ms,omitempty"`
	MaxExecutionTimeMs *int64            `json:"max_execution_time_ms,omitempty"`
	MaxResponseSizeKb  *int64            `json:"max_response_size_kb,omitempty"`

	BaselineCron       *string `json:"baseline_cron,omitempty"`
	BaselineIntervalMs *int64  `json:"baseline_interval_ms,omitempty"`
	MinIntervalMs      *int64  `json:"min_interval_ms,omitempty"`
	MaxIntervalMs      *int64  `json:"max_interval_ms,omitempty"`

	NextRunAt    time.Time  `json:"next_run_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	FailureCount int        `json:"failure_count"`
	PausedUntil  *time.Time `json:"paused_until,omitempty"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	LockedBy     *string    `json:"locked_by,omitempty"`

	AIHintIntervalMs *int64     `json:"ai_hint_interval_ms,omitempty"`
	AIHintNextRunAt  *time.Time `json:"ai_hint_next_run_at,omitempty"`
	AIHintExpiresAt  *time.Time `json:"ai_hint_expires_at,omitempty"`
	AIHintReason     *string    `json:"ai_hint_reason,omitempty"`

	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasActiveHint reports whether any AI hint is present and unexpired at now.
// Expired hints are left in place (they carry their own TTL) and simply
// stop influencing decisions.
func (e *Endpoint) HasActiveHint(now time.Time) bool {
	if e.AIHintExpiresAt == nil || !e.AIHintExpiresAt.After(now) {
		return false
	}
	return e.AIHintIntervalMs != nil || e.AIHintNextRunAt != nil
}

// Run is one execution attempt against an endpoint. Rows are created in
// the running state and finalized exactly once.
type Run struct {
	ID           string     `json:"id"`
	EndpointID   string     `json:"endpoint_id"`
	TenantID     string     `json:"tenant_id"`
	Attempt      int        `json:"attempt"`
	Status       RunStatus  `json:"status"`
	Source       RunSource  `json:"source"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	StatusCode   *int       `json:"status_code,omitempty"`
	ResponseBody *string    `json:"response_body,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ToolCall is one tool invocation recorded in an AI session transcript.
type ToolCall struct {
	Tool   string `json:"tool"`
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
}

// AISession is one planner analysis of an endpoint.
type AISession struct {
	ID                   string     `json:"id"`
	EndpointID           string     `json:"endpoint_id"`
	TenantID             string     `json:"tenant_id"`
	AnalyzedAt           time.Time  `json:"analyzed_at"`
	ToolCalls            []ToolCall `json:"tool_calls"`
	Reasoning            string     `json:"reasoning"`
	TokenUsage           *int64     `json:"token_usage,omitempty"`
	DurationMs           *int64     `json:"duration_ms,omitempty"`
	NextAnalysisAt       *time.Time `json:"next_analysis_at,omitempty"`
	EndpointFailureCount int        `json:"endpoint_failure_count"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ID prefixes keep identifiers self-describing in logs and API payloads.
const (
	prefixUser     = "usr"
	prefixJob      = "job"
	prefixEndpoint = "ep"
	prefixRun      = "run"
	prefixSession  = "sess"
	prefixToken    = "tok"
)

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewUserID returns a fresh usr_-prefixed identifier.
func NewUserID() string { return newID(prefixUser) }

// NewJobID returns a fresh job_-prefixed identifier.
func NewJobID() string { return newID(prefixJob) }

// NewEndpointID returns a fresh ep_-prefixed identifier.
func NewEndpointID() string { return newID(prefixEndpoint) }

// NewRunID returns a fresh run_-prefixed identifier.
func NewRunID() string { return newID(prefixRun) }

// NewSessionID returns a fresh sess_-prefixed identifier.
func NewSessionID() string { return newID(prefixSession) }

// NewToken returns a fresh tok_-prefixed bearer token.
func NewToken() string { return newID(prefixToken) }

// millis converts a time to the epoch-millisecond representation used by
// every persisted time column.
func millis(t time.Time) int64 { return t.UnixMilli() }

// millisPtr converts an optional time for binding; nil stays NULL.
func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// fromMillis converts a persisted epoch-millisecond value back to UTC time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// fromMillisPtr converts a nullable column; nil stays nil.
func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
