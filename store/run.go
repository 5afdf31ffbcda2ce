package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rubato-io/rubato/errors"
)

// RunStore handles execution attempt rows and the aggregates derived from
// them: health windows for the planner and usage metrics for metering.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run storage instance.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, endpoint_id, tenant_id, attempt, status, source,
	started_at, finished_at, duration_ms, status_code, response_body, error_message, created_at`

// RunCompletion finalizes a running row.
type RunCompletion struct {
	Status       RunStatus
	FinishedAt   time.Time
	DurationMs   int64
	StatusCode   *int
	ResponseBody *string
	ErrorMessage *string
}

// WindowStats aggregates outcomes inside one trailing window. A zero Total
// means no data, which is not the same as zero percent healthy.
type WindowStats struct {
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	Total        int64   `json:"total"`
	SuccessRate  float64 `json:"success_rate"`
}

// HealthSummary is the planner's view of recent endpoint behavior.
type HealthSummary struct {
	Window1h      WindowStats `json:"window_1h"`
	Window4h      WindowStats `json:"window_4h"`
	Window24h     WindowStats `json:"window_24h"`
	AvgDurationMs *float64    `json:"avg_duration_ms,omitempty"`
	FailureStreak int         `json:"failure_streak"`
}

// MetricsFilter selects runs for aggregation. TenantID and Since are
// required; the rest narrow the set.
type MetricsFilter struct {
	TenantID string
	Since    time.Time
	Until    *time.Time
	JobID    *string
	Source   *RunSource
}

// Metrics are filtered run aggregates. TotalRuns counts every started run,
// including ones still in flight, so metering sees attempts as they begin.
type Metrics struct {
	TotalRuns     int64    `json:"total_runs"`
	SuccessCount  int64    `json:"success_count"`
	FailureCount  int64    `json:"failure_count"`
	TimeoutCount  int64    `json:"timeout_count"`
	AvgDurationMs *float64 `json:"avg_duration_ms,omitempty"`
}

// SiblingRun pairs a sibling endpoint's identity with its latest finished
// run.
type SiblingRun struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	Run          *Run   `json:"run"`
}

// Create inserts a run row, normally in the running state.
func (rs *RunStore) Create(ctx context.Context, r *Run) error {
	if r.EndpointID == "" || r.TenantID == "" {
		return errors.NewInvalidRequestf("run requires endpoint_id and tenant_id")
	}
	if r.ID == "" {
		r.ID = NewRunID()
	}
	if r.Status == "" {
		r.Status = RunStatusRunning
	}
	if r.Source == "" {
		r.Source = RunSourceSchedule
	}
	if r.Attempt == 0 {
		r.Attempt = 1
	}
	now := time.Now().UTC()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	_, err := rs.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EndpointID, r.TenantID, r.Attempt, string(r.Status), string(r.Source),
		millis(r.StartedAt), millisPtr(r.FinishedAt), r.DurationMs, r.StatusCode,
		r.ResponseBody, r.ErrorMessage, millis(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create run %s", r.ID)
	}
	return nil
}

// Finish finalizes a running row exactly once. Finishing a row that is
// already terminal (the zombie sweep may have gotten there first) returns
// not found.
func (rs *RunStore) Finish(ctx context.Context, id string, c RunCompletion) error {
	switch c.Status {
	case RunStatusSuccess, RunStatusFailed, RunStatusTimeout:
	default:
		return errors.NewInvalidRequestf("run cannot finish in status %q", c.Status)
	}
	res, err := rs.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?,
			status_code = ?, response_body = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		string(c.Status), millis(c.FinishedAt), c.DurationMs,
		c.StatusCode, c.ResponseBody, c.ErrorMessage,
		id, string(RunStatusRunning))
	if err != nil {
		return errors.Wrapf(err, "failed to finish run %s", id)
	}
	return requireRowAffected(res, "running run", id)
}

// Get retrieves a run by ID.
func (rs *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := rs.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("run %s not found", id)
	}
	return r, err
}

// ListByEndpoint returns an endpoint's runs, newest first.
func (rs *RunStore) ListByEndpoint(ctx context.Context, endpointID string, limit, offset int) ([]*Run, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE endpoint_id = ?
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		endpointID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	return collectRuns(rows)
}

// GetLatestResponse returns the most recent finished run, or nil when the
// endpoint has never completed one.
func (rs *RunStore) GetLatestResponse(ctx context.Context, endpointID string) (*Run, error) {
	row := rs.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE endpoint_id = ? AND status != ?
		 ORDER BY started_at DESC LIMIT 1`,
		endpointID, string(RunStatusRunning))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetResponseHistory pages through finished runs, newest first. The page
// size is capped at ten rows no matter what the caller asks for.
func (rs *RunStore) GetResponseHistory(ctx context.Context, endpointID string, limit, offset int) ([]*Run, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := rs.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE endpoint_id = ? AND status != ?
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		endpointID, string(RunStatusRunning), limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load response history")
	}
	return collectRuns(rows)
}

// GetSiblingLatestResponses returns the latest finished run of every other
// live endpoint in the job.
func (rs *RunStore) GetSiblingLatestResponses(ctx context.Context, jobID, excludeEndpointID string) ([]*SiblingRun, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT e.name, r.id, r.endpoint_id, r.tenant_id, r.attempt, r.status, r.source,
			r.started_at, r.finished_at, r.duration_ms, r.status_code,
			r.response_body, r.error_message, r.created_at
		 FROM runs r
		 JOIN endpoints e ON e.id = r.endpoint_id
		 WHERE e.job_id = ? AND e.id != ? AND e.archived_at IS NULL
		   AND r.status != ?
		   AND r.started_at = (
				SELECT MAX(r2.started_at) FROM runs r2
				WHERE r2.endpoint_id = r.endpoint_id AND r2.status != ?
		   )
		 GROUP BY r.endpoint_id
		 ORDER BY e.created_at ASC`,
		jobID, excludeEndpointID, string(RunStatusRunning), string(RunStatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load sibling responses")
	}
	defer rows.Close()

	var siblings []*SiblingRun
	for rows.Next() {
		var name string
		var r Run
		if err := scanRunFields(rows, &name, &r); err != nil {
			return nil, err
		}
		siblings = append(siblings, &SiblingRun{EndpointID: r.EndpointID, EndpointName: name, Run: &r})
	}
	return siblings, rows.Err()
}

// GetHealthSummary aggregates 1h, 4h, and 24h trailing windows plus the
// current failure streak. The streak counts consecutive non-success
// finished runs from the newest backwards, capped at 100.
func (rs *RunStore) GetHealthSummary(ctx context.Context, endpointID string, now time.Time) (*HealthSummary, error) {
	cut1h := millis(now.Add(-1 * time.Hour))
	cut4h := millis(now.Add(-4 * time.Hour))
	cut24h := millis(now.Add(-24 * time.Hour))

	row := rs.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN started_at >= ? AND status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN started_at >= ? AND status IN ('failed', 'timeout') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN started_at >= ? AND status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN started_at >= ? AND status IN ('failed', 'timeout') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed', 'timeout') THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		 FROM runs
		 WHERE endpoint_id = ? AND status != 'running' AND started_at >= ?`,
		cut1h, cut1h, cut4h, cut4h, endpointID, cut24h)

	var s HealthSummary
	var avg sql.NullFloat64
	err := row.Scan(
		&s.Window1h.SuccessCount, &s.Window1h.FailureCount,
		&s.Window4h.SuccessCount, &s.Window4h.FailureCount,
		&s.Window24h.SuccessCount, &s.Window24h.FailureCount,
		&avg,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate health windows")
	}
	if avg.Valid {
		s.AvgDurationMs = &avg.Float64
	}
	for _, w := range []*WindowStats{&s.Window1h, &s.Window4h, &s.Window24h} {
		w.Total = w.SuccessCount + w.FailureCount
		if w.Total > 0 {
			w.SuccessRate = float64(w.SuccessCount) / float64(w.Total)
		}
	}

	streak, err := rs.failureStreak(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	s.FailureStreak = streak
	return &s, nil
}

func (rs *RunStore) failureStreak(ctx context.Context, endpointID string) (int, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT status FROM runs
		 WHERE endpoint_id = ? AND status != 'running'
		 ORDER BY started_at DESC LIMIT 100`, endpointID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute failure streak")
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, errors.Wrap(err, "failed to scan run status")
		}
		if RunStatus(status) == RunStatusSuccess {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// GetFilteredMetrics aggregates a tenant's runs started inside a window.
func (rs *RunStore) GetFilteredMetrics(ctx context.Context, f MetricsFilter) (*Metrics, error) {
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
		AVG(duration_ms)
	 FROM runs WHERE tenant_id = ? AND started_at >= ?`
	args := []any{f.TenantID, millis(f.Since)}

	if f.Until != nil {
		query += ` AND started_at < ?`
		args = append(args, millis(*f.Until))
	}
	if f.JobID != nil {
		query += ` AND endpoint_id IN (SELECT id FROM endpoints WHERE job_id = ?)`
		args = append(args, *f.JobID)
	}
	if f.Source != nil {
		query += ` AND source = ?`
		args = append(args, string(*f.Source))
	}

	var m Metrics
	var avg sql.NullFloat64
	err := rs.db.QueryRowContext(ctx, query, args...).Scan(
		&m.TotalRuns, &m.SuccessCount, &m.FailureCount, &m.TimeoutCount, &avg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate metrics")
	}
	if avg.Valid {
		m.AvgDurationMs = &avg.Float64
	}
	return &m, nil
}

// CleanupZombieRuns fails running rows older than maxAge in place. The
// worker that started them is gone (crash or abandoned shutdown), so
// nothing will ever finish them.
func (rs *RunStore) CleanupZombieRuns(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	nowMs := millis(now)
	res, err := rs.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', error_message = 'zombie',
			finished_at = ?, duration_ms = ? - started_at
		 WHERE status = 'running' AND started_at < ?`,
		nowMs, nowMs, millis(now.Add(-maxAge)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep zombie runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read swept row count")
	}
	return n, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	if err := scanRunFields(row, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// scanRunFields scans a run row, optionally preceded by an endpoint name
// column (the sibling query joins one in).
func scanRunFields(row interface{ Scan(...any) error }, name *string, r *Run) error {
	var status, source string
	var startedAt, createdAt int64
	var finishedAt *int64

	dest := make([]any, 0, 14)
	if name != nil {
		dest = append(dest, name)
	}
	dest = append(dest,
		&r.ID, &r.EndpointID, &r.TenantID, &r.Attempt, &status, &source,
		&startedAt, &finishedAt, &r.DurationMs, &r.StatusCode,
		&r.ResponseBody, &r.ErrorMessage, &createdAt,
	)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "failed to scan run")
	}
	r.Status = RunStatus(status)
	r.Source = RunSource(source)
	r.StartedAt = fromMillis(startedAt)
	r.FinishedAt = fromMillisPtr(finishedAt)
	r.CreatedAt = fromMillis(createdAt)
	return nil
}
