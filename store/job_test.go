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

func ptr[T any](v T) *T { return &v }

func TestJobCreateAndGet(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewJobStore(db)
	ctx := context.Background()

	job := &Job{
		UserID:      "usr_1",
		Name:        "payments watch",
		Description: "health probes for the payments stack",
	}
	require.NoError(t, store.Create(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusActive, job.Status)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Description, got.Description)
	assert.Equal(t, JobStatusActive, got.Status)
	assert.Equal(t, "usr_1", got.UserID)
}

func TestJobCreateRejectsEmptyName(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewJobStore(db)

	err := store.Create(context.Background(), &Job{UserID: "usr_1", Name: "   "})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestJobGetNotFound(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewJobStore(db)

	_, err := store.Get(context.Background(), "job_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestJobRenameAndStatus(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	store := NewJobStore(db)
	ctx := context.Background()

	job := &Job{UserID: "usr_1", Name: "before"}
	require.NoError(t, store.Create(ctx, job))

	require.NoError(t, store.Rename(ctx, job.ID, "after", "renamed"))
	require.NoError(t, store.SetStatus(ctx, job.ID, JobStatusPaused))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, "renamed", got.Description)
	assert.Equal(t, JobStatusPaused, got.Status)

	// archived is not reachable through SetStatus
	err = store.SetStatus(ctx, job.ID, JobStatusArchived)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestJobArchiveCascadesToEndpoints(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	testutil.SeedJob(t, db, "job_1", "usr_1", "watch")
	jobs := NewJobStore(db)
	endpoints := NewEndpointStore(db)
	ctx := context.Background()

	ep := testEndpoint("job_1", "usr_1")
	require.NoError(t, endpoints.Create(ctx, ep))

	now := time.Now().UTC()
	require.NoError(t, jobs.Archive(ctx, "job_1", now))

	got, err := jobs.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusArchived, got.Status)

	child, err := endpoints.Get(ctx, ep.ID)
	require.NoError(t, err)
	require.NotNil(t, child.ArchivedAt)
	assert.Equal(t, now.UnixMilli(), child.ArchivedAt.UnixMilli())
}

func TestJobListByUserExcludesArchived(t *testing.T) {
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	testutil.SeedUser(t, db, "usr_2", "free")
	store := NewJobStore(db)
	ctx := context.Background()

	mine := &Job{UserID: "usr_1", Name: "mine"}
	gone := &Job{UserID: "usr_1", Name: "gone"}
	theirs := &Job{UserID: "usr_2", Name: "theirs"}
	for _, j := range []*Job{mine, gone, theirs} {
		require.NoError(t, store.Create(ctx, j))
	}
	require.NoError(t, store.Archive(ctx, gone.ID, time.Now().UTC()))

	jobs, err := store.ListByUser(ctx, "usr_1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mine.ID, jobs[0].ID)
}
