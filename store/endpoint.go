package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rubato-io/rubato/cronexpr"
	"github.com/rubato-io/rubato/errors"
)

// FailurePolicy tells UpdateAfterRun what to do with the failure counter.
type FailurePolicy string

const (
	// FailureReset zeroes the counter after a successful run.
	FailureReset FailurePolicy = "reset"
	// FailureIncrement bumps the counter after a failed or timed-out run.
	FailureIncrement FailurePolicy = "increment"
)

// AIHint is the planner-written scheduling hint. Exactly one of IntervalMs
// and NextRunAt is set per write; a write replaces any previous hint.
type AIHint struct {
	IntervalMs *int64
	NextRunAt  *time.Time
	ExpiresAt  time.Time
	Reason     string
}

// EndpointStore handles endpoint rows, including the lease-claim path the
// scheduler workers contend on.
type EndpointStore struct {
	db *sql.DB
}

// NewEndpointStore creates a new endpoint storage instance.
func NewEndpointStore(db *sql.DB) *EndpointStore {
	return &EndpointStore{db: db}
}

const endpointColumns = `id, job_id, tenant_id, name, description,
	url, method, headers, body, timeout_ms, max_execution_time_ms, max_response_size_kb,
	baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
	next_run_at, last_run_at, failure_count, paused_until, locked_until, locked_by,
	ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
	archived_at, created_at, updated_at`

// Create validates and inserts an endpoint. A zero NextRunAt gets an
// initial schedule of now plus the baseline (interval or next cron fire).
func (es *EndpointStore) Create(ctx context.Context, e *Endpoint) error {
	if e.JobID == "" || e.TenantID == "" {
		return errors.NewInvalidRequestf("endpoint requires job_id and tenant_id")
	}
	if e.Method == "" {
		e.Method = "GET"
	}
	e.Method = strings.ToUpper(e.Method)
	if err := validateEndpointSpec(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = NewEndpointID()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.NextRunAt.IsZero() {
		next, err := initialNextRun(e, now)
		if err != nil {
			return err
		}
		e.NextRunAt = next
	}

	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return err
	}

	_, err = es.db.ExecContext(ctx,
		`INSERT INTO endpoints (`+endpointColumns+`)
		 VALUES (?, ?, ?, ?, ?,  ?, ?, ?, ?, ?, ?, ?,  ?, ?, ?, ?,  ?, ?, ?, ?, ?, ?,  ?, ?, ?, ?,  ?, ?, ?)`,
		e.ID, e.JobID, e.TenantID, e.Name, nullString(e.Description),
		e.URL, e.Method, headers, e.Body, e.TimeoutMs, e.MaxExecutionTimeMs, e.MaxResponseSizeKb,
		e.BaselineCron, e.BaselineIntervalMs, e.MinIntervalMs, e.MaxIntervalMs,
		millis(e.NextRunAt), millisPtr(e.LastRunAt), e.FailureCount, millisPtr(e.PausedUntil), millisPtr(e.LockedUntil), e.LockedBy,
		e.AIHintIntervalMs, millisPtr(e.AIHintNextRunAt), millisPtr(e.AIHintExpiresAt), e.AIHintReason,
		millisPtr(e.ArchivedAt), millis(e.CreatedAt), millis(e.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create endpoint %s", e.ID)
	}
	return nil
}

// Get retrieves an endpoint by ID, archived or not.
func (es *EndpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := es.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("endpoint %s not found", id)
	}
	return e, err
}

// Update rewrites the request shape and baseline columns. Execution state
// (locks, schedule, failure count, hints) is never touched here.
func (es *EndpointStore) Update(ctx context.Context, e *Endpoint) error {
	e.Method = strings.ToUpper(e.Method)
	if err := validateEndpointSpec(e); err != nil {
		return err
	}
	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return err
	}
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET
			name = ?, description = ?, url = ?, method = ?, headers = ?, body = ?,
			timeout_ms = ?, max_execution_time_ms = ?, max_response_size_kb = ?,
			baseline_cron = ?, baseline_interval_ms = ?, min_interval_ms = ?, max_interval_ms = ?,
			updated_at = ?
		 WHERE id = ? AND archived_at IS NULL`,
		e.Name, nullString(e.Description), e.URL, e.Method, headers, e.Body,
		e.TimeoutMs, e.MaxExecutionTimeMs, e.MaxResponseSizeKb,
		e.BaselineCron, e.BaselineIntervalMs, e.MinIntervalMs, e.MaxIntervalMs,
		millis(time.Now().UTC()),
		e.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update endpoint %s", e.ID)
	}
	return requireRowAffected(res, "endpoint", e.ID)
}

// Archive soft-deletes an endpoint and releases any lease it holds.
func (es *EndpointStore) Archive(ctx context.Context, id string, now time.Time) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET archived_at = ?, locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND archived_at IS NULL`,
		millis(now), millis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to archive endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// ClaimDue atomically leases up to limit due endpoints for this worker and
// returns their IDs. Eligibility and the lease write happen in one
// statement, so concurrent workers can never claim the same row: due now,
// unlocked or lease expired, not paused, not archived, parent job active.
func (es *EndpointStore) ClaimDue(ctx context.Context, now time.Time, leaseFor time.Duration, workerID string, limit int) ([]string, error) {
	nowMs := millis(now)
	rows, err := es.db.QueryContext(ctx,
		`UPDATE endpoints SET locked_until = ?, locked_by = ?, updated_at = ?
		 WHERE id IN (
			SELECT e.id FROM endpoints e
			JOIN jobs j ON j.id = e.job_id
			WHERE e.next_run_at <= ?
			  AND (e.locked_until IS NULL OR e.locked_until < ?)
			  AND (e.paused_until IS NULL OR e.paused_until <= ?)
			  AND e.archived_at IS NULL
			  AND j.status = 'active'
			ORDER BY e.next_run_at ASC
			LIMIT ?
		 )
		 RETURNING id`,
		millis(now.Add(leaseFor)), workerID, nowMs,
		nowMs, nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due endpoints")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan claimed id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetLock places an explicit lease on a single endpoint.
func (es *EndpointStore) SetLock(ctx context.Context, id string, until time.Time, workerID string) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET locked_until = ?, locked_by = ?, updated_at = ? WHERE id = ?`,
		millis(until), workerID, millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to lock endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// ClearLock releases an endpoint's lease without touching its schedule.
func (es *EndpointStore) ClearLock(ctx context.Context, id string) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET locked_until = NULL, locked_by = NULL, updated_at = ? WHERE id = ?`,
		millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to unlock endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// UpdateAfterRun finalizes a completed run in one statement: records the
// run time, advances the schedule, applies the failure policy, and
// releases the lease.
func (es *EndpointStore) UpdateAfterRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time, policy FailurePolicy) error {
	var counter string
	switch policy {
	case FailureReset:
		counter = "0"
	case FailureIncrement:
		counter = "failure_count + 1"
	default:
		return errors.NewInvalidRequestf("unknown failure policy %q", policy)
	}
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET last_run_at = ?, next_run_at = ?, failure_count = `+counter+`,
			locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ?`,
		millis(lastRunAt), millis(nextRunAt), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize run for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// SetNextRunAtIfEarlier moves the schedule earlier, never later. The MIN
// makes the write idempotent and safe against racing planner and worker.
func (es *EndpointStore) SetNextRunAtIfEarlier(ctx context.Context, id string, t time.Time) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET next_run_at = MIN(next_run_at, ?), updated_at = ? WHERE id = ?`,
		millis(t), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to nudge endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// SetNextRunAt overwrites the schedule and releases the lease. This is the
// metering deferral path, the one writer allowed to push next_run_at later.
func (es *EndpointStore) SetNextRunAt(ctx context.Context, id string, t time.Time) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET next_run_at = ?, locked_until = NULL, locked_by = NULL, updated_at = ? WHERE id = ?`,
		millis(t), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set next run for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// WriteAIHint replaces the hint columns wholesale. Hint kinds never
// accumulate: a new interval hint clears a pending one-shot and vice versa.
func (es *EndpointStore) WriteAIHint(ctx context.Context, id string, hint AIHint) error {
	if hint.IntervalMs == nil && hint.NextRunAt == nil {
		return errors.NewInvalidRequestf("hint requires an interval or a next run time")
	}
	if hint.IntervalMs != nil && hint.NextRunAt != nil {
		return errors.NewInvalidRequestf("hint cannot carry both an interval and a next run time")
	}
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET ai_hint_interval_ms = ?, ai_hint_next_run_at = ?,
			ai_hint_expires_at = ?, ai_hint_reason = ?, updated_at = ?
		 WHERE id = ?`,
		hint.IntervalMs, millisPtr(hint.NextRunAt), millis(hint.ExpiresAt),
		nullString(hint.Reason), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to write hint for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// ClearAIHints removes any hint, active or expired.
func (es *EndpointStore) ClearAIHints(ctx context.Context, id string) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL,
			ai_hint_expires_at = NULL, ai_hint_reason = NULL, updated_at = ?
		 WHERE id = ?`,
		millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to clear hints for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// SetPausedUntil pauses the endpoint until the given time, or resumes it
// when until is nil.
func (es *EndpointStore) SetPausedUntil(ctx context.Context, id string, until *time.Time) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET paused_until = ?, updated_at = ? WHERE id = ?`,
		millisPtr(until), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set pause for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// ResetFailureCount zeroes the backoff counter.
func (es *EndpointStore) ResetFailureCount(ctx context.Context, id string) error {
	res, err := es.db.ExecContext(ctx,
		`UPDATE endpoints SET failure_count = 0, updated_at = ? WHERE id = ?`,
		millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to reset failures for endpoint %s", id)
	}
	return requireRowAffected(res, "endpoint", id)
}

// CountByUser returns the number of live endpoints a tenant owns.
func (es *EndpointStore) CountByUser(ctx context.Context, tenantID string) (int, error) {
	row := es.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM endpoints WHERE tenant_id = ? AND archived_at IS NULL`, tenantID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count endpoints")
	}
	return n, nil
}

// ListByJob returns a job's live endpoints in creation order.
func (es *EndpointStore) ListByJob(ctx context.Context, jobID string) ([]*Endpoint, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints
		 WHERE job_id = ? AND archived_at IS NULL
		 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list endpoints")
	}
	return collectEndpoints(rows)
}

// ListDueAnalysis returns live endpoints on active jobs whose latest AI
// session is due for another look (or that have never been analyzed).
func (es *EndpointStore) ListDueAnalysis(ctx context.Context, now time.Time, limit int) ([]*Endpoint, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints
		 WHERE archived_at IS NULL
		   AND job_id IN (SELECT id FROM jobs WHERE status = 'active')
		   AND COALESCE((
				SELECT s.next_analysis_at FROM ai_sessions s
				WHERE s.endpoint_id = endpoints.id
				ORDER BY s.analyzed_at DESC LIMIT 1
		   ), 0) <= ?
		 ORDER BY created_at ASC
		 LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list endpoints due analysis")
	}
	return collectEndpoints(rows)
}

func collectEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	defer rows.Close()
	var endpoints []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func scanEndpoint(row interface{ Scan(...any) error }) (*Endpoint, error) {
	var e Endpoint
	var description, headers sql.NullString
	var nextRunAt, createdAt, updatedAt int64
	var lastRunAt, pausedUntil, lockedUntil, hintNextRunAt, hintExpiresAt, archivedAt *int64
	err := row.Scan(
		&e.ID, &e.JobID, &e.TenantID, &e.Name, &description,
		&e.URL, &e.Method, &headers, &e.Body, &e.TimeoutMs, &e.MaxExecutionTimeMs, &e.MaxResponseSizeKb,
		&e.BaselineCron, &e.BaselineIntervalMs, &e.MinIntervalMs, &e.MaxIntervalMs,
		&nextRunAt, &lastRunAt, &e.FailureCount, &pausedUntil, &lockedUntil, &e.LockedBy,
		&e.AIHintIntervalMs, &hintNextRunAt, &hintExpiresAt, &e.AIHintReason,
		&archivedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan endpoint")
	}
	e.Description = description.String
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &e.Headers); err != nil {
			return nil, errors.Wrapf(err, "corrupt headers for endpoint %s", e.ID)
		}
	}
	e.NextRunAt = fromMillis(nextRunAt)
	e.LastRunAt = fromMillisPtr(lastRunAt)
	e.PausedUntil = fromMillisPtr(pausedUntil)
	e.LockedUntil = fromMillisPtr(lockedUntil)
	e.AIHintNextRunAt = fromMillisPtr(hintNextRunAt)
	e.AIHintExpiresAt = fromMillisPtr(hintExpiresAt)
	e.ArchivedAt = fromMillisPtr(archivedAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

func marshalHeaders(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal headers")
	}
	return string(b), nil
}

// validateEndpointSpec checks the structural shape of an endpoint: the
// request target, the one-of baseline rule, and interval sanity. Tier
// floors and per-user quotas are enforced at the API boundary.
func validateEndpointSpec(e *Endpoint) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.NewInvalidRequestf("endpoint name cannot be empty")
	}
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewInvalidRequestf("endpoint url must be absolute http or https")
	}
	if !ValidMethods[e.Method] {
		return errors.NewInvalidRequestf("unsupported method %q", e.Method)
	}
	if (e.BaselineCron == nil) == (e.BaselineIntervalMs == nil) {
		return errors.NewInvalidRequestf("exactly one of baseline_cron and baseline_interval_ms is required")
	}
	if e.BaselineCron != nil {
		if err := cronexpr.Validate(*e.BaselineCron); err != nil {
			return errors.NewInvalidRequestf("invalid cron expression: %v", err)
		}
	}
	if e.BaselineIntervalMs != nil && *e.BaselineIntervalMs < 1000 {
		return errors.NewInvalidRequestf("baseline_interval_ms must be at least 1000")
	}
	if e.MinIntervalMs != nil && *e.MinIntervalMs < 1000 {
		return errors.NewInvalidRequestf("min_interval_ms must be at least 1000")
	}
	if e.MaxIntervalMs != nil {
		floor := int64(1000)
		if e.MinIntervalMs != nil {
			floor = *e.MinIntervalMs
		}
		if *e.MaxIntervalMs < floor {
			return errors.NewInvalidRequestf("max_interval_ms must be at least min_interval_ms")
		}
	}
	for _, v := range []*int64{e.TimeoutMs, e.MaxExecutionTimeMs, e.MaxResponseSizeKb} {
		if v != nil && *v <= 0 {
			return errors.NewInvalidRequestf("timeouts and size caps must be positive")
		}
	}
	return nil
}

// initialNextRun schedules a freshly created endpoint: one baseline
// interval out, or the next cron fire.
func initialNextRun(e *Endpoint, now time.Time) (time.Time, error) {
	if e.BaselineIntervalMs != nil {
		return now.Add(time.Duration(*e.BaselineIntervalMs) * time.Millisecond), nil
	}
	next, err := cronexpr.Next(*e.BaselineCron, now)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to compute initial cron fire")
	}
	return next, nil
}
