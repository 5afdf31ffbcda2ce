package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/tier"
)

// UserStore handles user rows and tier lookups.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user storage instance.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a user. An empty ID is assigned a fresh one; an empty
// tier defaults to free.
func (us *UserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewUserID()
	}
	if u.Tier == "" {
		u.Tier = tier.Free
	}
	if !u.Tier.Valid() {
		return errors.NewInvalidRequestf("unknown tier %q", u.Tier)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := us.db.ExecContext(ctx,
		`INSERT INTO users (id, tier, created_at) VALUES (?, ?, ?)`,
		u.ID, string(u.Tier), millis(u.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create user %s", u.ID)
	}
	return nil
}

// Get retrieves a user by ID.
func (us *UserStore) Get(ctx context.Context, id string) (*User, error) {
	row := us.db.QueryRowContext(ctx,
		`SELECT id, tier, created_at FROM users WHERE id = ?`, id)

	var u User
	var tierName string
	var createdAt int64
	err := row.Scan(&u.ID, &tierName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundf("user %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan user")
	}
	u.Tier = tier.Tier(tierName)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// GetTier returns the tier for a user.
func (us *UserStore) GetTier(ctx context.Context, id string) (tier.Tier, error) {
	row := us.db.QueryRowContext(ctx, `SELECT tier FROM users WHERE id = ?`, id)

	var tierName string
	err := row.Scan(&tierName)
	if err == sql.ErrNoRows {
		return tier.Free, errors.NewNotFoundf("user %s not found", id)
	}
	if err != nil {
		return tier.Free, errors.Wrap(err, "failed to look up tier")
	}
	return tier.Tier(tierName), nil
}

// SetTier changes a user's tier.
func (us *UserStore) SetTier(ctx context.Context, id string, t tier.Tier) error {
	if !t.Valid() {
		return errors.NewInvalidRequestf("unknown tier %q", t)
	}
	res, err := us.db.ExecContext(ctx,
		`UPDATE users SET tier = ? WHERE id = ?`, string(t), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set tier for user %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundf("user %s not found", id)
	}
	return nil
}

// List returns all users, newest first.
func (us *UserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := us.db.QueryContext(ctx,
		`SELECT id, tier, created_at FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var tierName string
		var createdAt int64
		if err := rows.Scan(&u.ID, &tierName, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		u.Tier = tier.Tier(tierName)
		u.CreatedAt = fromMillis(createdAt)
		users = append(users, &u)
	}
	return users, rows.Err()
}
