package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rubato-io/rubato/errors"
)

// AISessionStore persists planner analysis transcripts. Token sums over
// these rows drive the monthly AI budget guard.
type AISessionStore struct {
	db *sql.DB
}

// NewAISessionStore creates a new session storage instance.
func NewAISessionStore(db *sql.DB) *AISessionStore {
	return &AISessionStore{db: db}
}

const sessionColumns = `id, endpoint_id, tenant_id, analyzed_at, tool_calls, reasoning,
	token_usage, duration_ms, next_analysis_at, endpoint_failure_count, created_at`

// Create inserts an analysis session. The tool-call transcript is stored
// as a JSON array so the API can replay what the model looked at.
func (ss *AISessionStore) Create(ctx context.Context, s *AISession) error {
	if s.EndpointID == "" || s.TenantID == "" {
		return errors.NewInvalidRequestf("session requires endpoint_id and tenant_id")
	}
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	now := time.Now().UTC()
	if s.AnalyzedAt.IsZero() {
		s.AnalyzedAt = now
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	calls := s.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	transcript, err := json.Marshal(calls)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tool calls")
	}

	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO ai_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.EndpointID, s.TenantID, millis(s.AnalyzedAt), string(transcript), s.Reasoning,
		s.TokenUsage, s.DurationMs, millisPtr(s.NextAnalysisAt), s.EndpointFailureCount,
		millis(s.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create session %s", s.ID)
	}
	return nil
}

// Get retrieves a session by ID.
func (ss *AISessionStore) Get(ctx context.Context, id string) (*AISession, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM ai_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("session %s not found", id)
	}
	return s, err
}

// ListByEndpoint returns an endpoint's sessions, newest first.
func (ss *AISessionStore) ListByEndpoint(ctx context.Context, endpointID string, limit, offset int) ([]*AISession, error) {
	rows, err := ss.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM ai_sessions WHERE endpoint_id = ?
		 ORDER BY analyzed_at DESC LIMIT ? OFFSET ?`,
		endpointID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*AISession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetLatestForEndpoint returns the newest session, or nil when the
// endpoint has never been analyzed.
func (ss *AISessionStore) GetLatestForEndpoint(ctx context.Context, endpointID string) (*AISession, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM ai_sessions WHERE endpoint_id = ?
		 ORDER BY analyzed_at DESC LIMIT 1`, endpointID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// TokenUsageSince sums a tenant's recorded token usage from since onward.
func (ss *AISessionStore) TokenUsageSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(token_usage), 0) FROM ai_sessions
		 WHERE tenant_id = ? AND analyzed_at >= ?`,
		tenantID, millis(since))
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, errors.Wrap(err, "failed to sum token usage")
	}
	return total, nil
}

func scanSession(row interface{ Scan(...any) error }) (*AISession, error) {
	var s AISession
	var transcript string
	var analyzedAt, createdAt int64
	var nextAnalysisAt *int64
	err := row.Scan(
		&s.ID, &s.EndpointID, &s.TenantID, &analyzedAt, &transcript, &s.Reasoning,
		&s.TokenUsage, &s.DurationMs, &nextAnalysisAt, &s.EndpointFailureCount, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan session")
	}
	if err := json.Unmarshal([]byte(transcript), &s.ToolCalls); err != nil {
		return nil, errors.Wrapf(err, "corrupt tool calls for session %s", s.ID)
	}
	s.AnalyzedAt = fromMillis(analyzedAt)
	s.NextAnalysisAt = fromMillisPtr(nextAnalysisAt)
	s.CreatedAt = fromMillis(createdAt)
	return &s, nil
}
