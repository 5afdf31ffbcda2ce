package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rubato-io/rubato/errors"
)

// AuthSessionStore handles bearer tokens for the management API.
type AuthSessionStore struct {
	db *sql.DB
}

// NewAuthSessionStore creates a new auth session storage instance.
func NewAuthSessionStore(db *sql.DB) *AuthSessionStore {
	return &AuthSessionStore{db: db}
}

// Create mints a session. An empty token is assigned a fresh one.
func (as *AuthSessionStore) Create(ctx context.Context, s *AuthSession) error {
	if s.UserID == "" {
		return errors.NewInvalidRequestf("session user_id cannot be empty")
	}
	if s.Token == "" {
		s.Token = NewToken()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.ExpiresAt.IsZero() {
		return errors.NewInvalidRequestf("session expires_at cannot be zero")
	}

	_, err := as.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		s.Token, s.UserID, millis(s.ExpiresAt), millis(s.CreatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create auth session")
	}
	return nil
}

// Resolve returns the user ID for an unexpired token.
func (as *AuthSessionStore) Resolve(ctx context.Context, token string, now time.Time) (string, error) {
	row := as.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM auth_sessions WHERE token = ?`, token)

	var userID string
	var expiresAt int64
	err := row.Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", errors.ErrUnauthorized
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve auth session")
	}
	if millis(now) >= expiresAt {
		return "", errors.Wrap(errors.ErrUnauthorized, "session expired")
	}
	return userID, nil
}

// Revoke deletes a token. Revoking an unknown token is a no-op.
func (as *AuthSessionStore) Revoke(ctx context.Context, token string) error {
	_, err := as.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE token = ?`, token)
	if err != nil {
		return errors.Wrap(err, "failed to revoke auth session")
	}
	return nil
}

// DeleteExpired removes sessions past their expiry. Returns the number
// of rows removed.
func (as *AuthSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := as.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired auth sessions")
	}
	return res.RowsAffected()
}
