package store

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/internal/testutil"
)

func TestAuthSessionResolve(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewAuthSessionStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	session := &AuthSession{UserID: "usr_1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Create(ctx, session))
	assert.True(t, len(session.Token) > 4 && session.Token[:4] == "tok_", "got token %q", session.Token)

	userID, err := store.Resolve(ctx, session.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", userID)
}

func TestAuthSessionResolveUnknownToken(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewAuthSessionStore(db)

	_, err := store.Resolve(context.Background(), "tok_bogus", time.Now().UTC())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestAuthSessionResolveExpired(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewAuthSessionStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	session := &AuthSession{UserID: "usr_1", ExpiresAt: now}
	require.NoError(t, store.Create(ctx, session))

	// Expiry is exclusive: a token is dead the instant expires_at arrives.
	_, err := store.Resolve(ctx, session.Token, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	userID, err := store.Resolve(ctx, session.Token, now.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "usr_1", userID)
}

func TestAuthSessionCreateValidation(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewAuthSessionStore(db)
	ctx := context.Background()

	err := store.Create(ctx, &AuthSession{ExpiresAt: time.Now().Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	err = store.Create(ctx, &AuthSession{UserID: "usr_1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestAuthSessionRevoke(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewAuthSessionStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	session := &AuthSession{UserID: "usr_1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Create(ctx, session))

	require.NoError(t, store.Revoke(ctx, session.Token))
	_, err := store.Resolve(ctx, session.Token, now)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	// Revoking again is a no-op.
	require.NoError(t, store.Revoke(ctx, session.Token))
}

func TestAuthSessionDeleteExpired(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewAuthSessionStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	dead := &AuthSession{UserID: "usr_1", ExpiresAt: now.Add(-time.Minute)}
	live := &AuthSession{UserID: "usr_1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Create(ctx, dead))
	require.NoError(t, store.Create(ctx, live))

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	userID, err := store.Resolve(ctx, live.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", userID)
}
