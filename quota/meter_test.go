package quota

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/internal/testutil"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

func ptr[T any](v T) *T { return &v }

// tinyTable caps free users at three runs and one hundred tokens a month.
func tinyTable() tier.Table {
	return tier.Table{
		tier.Free: {
			MinInterval:     time.Minute,
			MaxEndpoints:    10,
			MonthlyRunCap:   3,
			MonthlyTokenCap: 100,
		},
	}
}

func meterFixture(t *testing.T) (*Meter, *store.RunStore, string, context.Context) {
	t.Helper()
	db := testutil.CreateTestDB(t)
	testutil.SeedUser(t, db, "usr_1", "free")
	testutil.SeedJob(t, db, "job_1", "usr_1", "watch")
	endpoints := store.NewEndpointStore(db)
	ep := &store.Endpoint{
		JobID: "job_1", TenantID: "usr_1", Name: "probe",
		URL: "https://api.example.com/health", Method: "GET",
		BaselineIntervalMs: ptr(int64(60000)),
	}
	require.NoError(t, endpoints.Create(context.Background(), ep))

	runs := store.NewRunStore(db)
	meter := NewMeter(runs, store.NewUserStore(db), tinyTable(), nil)
	return meter, runs, ep.ID, context.Background()
}

func seedRunAt(t *testing.T, runs *store.RunStore, ctx context.Context, endpointID string, at time.Time) {
	t.Helper()
	require.NoError(t, runs.Create(ctx, &store.Run{
		EndpointID: endpointID, TenantID: "usr_1",
		Status: store.RunStatusSuccess, StartedAt: at,
	}))
}

func TestCheckDispatchUnderCap(t *testing.T) {
	meter, runs, epID, ctx := meterFixture(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	seedRunAt(t, runs, ctx, epID, now.Add(-time.Hour))
	seedRunAt(t, runs, ctx, epID, now.Add(-2*time.Hour))

	ok, deferUntil := meter.CheckDispatch(ctx, "usr_1", now)
	assert.True(t, ok)
	assert.True(t, deferUntil.IsZero())
}

func TestCheckDispatchAtCapDefersToNextMonth(t *testing.T) {
	meter, runs, epID, ctx := meterFixture(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// previous-month runs do not count
	seedRunAt(t, runs, ctx, epID, time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 3; i++ {
		seedRunAt(t, runs, ctx, epID, now.Add(-time.Duration(i+1)*time.Hour))
	}

	ok, deferUntil := meter.CheckDispatch(ctx, "usr_1", now)
	assert.False(t, ok)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), deferUntil)
}

func TestCheckDispatchYearBoundary(t *testing.T) {
	meter, runs, epID, ctx := meterFixture(t)
	now := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)

	for i := 0; i < 3; i++ {
		seedRunAt(t, runs, ctx, epID, now.Add(-time.Duration(i+1)*time.Hour))
	}

	ok, deferUntil := meter.CheckDispatch(ctx, "usr_1", now)
	assert.False(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), deferUntil)
}

func TestCheckDispatchUnknownTenantFailsOpen(t *testing.T) {
	meter, _, _, ctx := meterFixture(t)

	ok, _ := meter.CheckDispatch(ctx, "usr_ghost", time.Now().UTC())
	assert.True(t, ok)
}

func TestCheckDispatchStorageErrorFailsOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT tier FROM users").
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow("free"))
	mock.ExpectQuery("SELECT").
		WillReturnError(errors.New("disk I/O error"))

	meter := NewMeter(store.NewRunStore(db), store.NewUserStore(db), tinyTable(), nil)
	ok, _ := meter.CheckDispatch(context.Background(), "usr_1", time.Now().UTC())
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonthWindow(t *testing.T) {
	cases := []struct {
		now   time.Time
		start time.Time
		next  time.Time
	}{
		{
			time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC),
			time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), // leap February
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		start, next := monthWindow(tc.now)
		assert.Equal(t, tc.start, start)
		assert.Equal(t, tc.next, next)
	}
}
