package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rubato-io/rubato/errors"
)

// JobStore handles persistence of job groups.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new job storage instance.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a job. An empty ID is assigned a fresh one; an empty
// status defaults to active.
func (js *JobStore) Create(ctx context.Context, j *Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.NewInvalidRequestf("job name cannot be empty")
	}
	if j.UserID == "" {
		return errors.NewInvalidRequestf("job user_id cannot be empty")
	}
	if j.ID == "" {
		j.ID = NewJobID()
	}
	if j.Status == "" {
		j.Status = JobStatusActive
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := js.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, name, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Name, nullString(j.Description), string(j.Status),
		millis(j.CreatedAt), millis(j.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", j.ID)
	}
	return nil
}

// Get retrieves a job by ID.
func (js *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := js.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, status, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListByUser returns a user's jobs, newest first. Archived jobs are
// excluded.
func (js *JobStore) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	rows, err := js.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, status, created_at, updated_at
		 FROM jobs WHERE user_id = ? AND status != ?
		 ORDER BY created_at DESC`, userID, string(JobStatusArchived))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Rename updates a job's name and description.
func (js *JobStore) Rename(ctx context.Context, id, name, description string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewInvalidRequestf("job name cannot be empty")
	}
	res, err := js.db.ExecContext(ctx,
		`UPDATE jobs SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		name, nullString(description), millis(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to rename job %s", id)
	}
	return requireRowAffected(res, "job", id)
}

// SetStatus transitions a job between active and paused. Archival goes
// through Archive so child endpoints are archived in the same transaction.
func (js *JobStore) SetStatus(ctx context.Context, id string, status JobStatus) error {
	if status != JobStatusActive && status != JobStatusPaused {
		return errors.NewInvalidRequestf("job status %q not settable directly", status)
	}
	res, err := js.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		string(status), millis(time.Now().UTC()), id, string(JobStatusArchived))
	if err != nil {
		return errors.Wrapf(err, "failed to set status for job %s", id)
	}
	return requireRowAffected(res, "job", id)
}

// Archive soft-deletes a job and every child endpoint in one transaction.
// Archiving an already-archived job is a no-op.
func (js *JobStore) Archive(ctx context.Context, id string, now time.Time) error {
	tx, err := js.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin archive transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(JobStatusArchived), millis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to archive job %s", id)
	}
	if err := requireRowAffected(res, "job", id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE endpoints SET archived_at = ?, updated_at = ? WHERE job_id = ? AND archived_at IS NULL`,
		millis(now), millis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to archive endpoints of job %s", id)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit archive transaction")
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var description sql.NullString
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.UserID, &j.Name, &description, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "job not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}
	j.Description = description.String
	j.Status = JobStatus(status)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

// nullString binds empty strings as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// requireRowAffected converts a zero-row UPDATE into a not-found error.
func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundf("%s %s not found", kind, id)
	}
	return nil
}
