package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubato-io/rubato/errors"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"30 4 1,15 * 5",
		"@hourly",
		"@daily",
	}
	for _, expr := range valid {
		assert.NoError(t, Validate(expr), expr)
	}

	invalid := []string{
		"",
		"* * * *",       // too few fields
		"* * * * * *",   // seconds field not accepted
		"61 * * * *",    // minute out of range
		"* 25 * * *",    // hour out of range
		"not a cron at all",
	}
	for _, expr := range invalid {
		err := Validate(expr)
		require.Error(t, err, expr)
		if expr != "" {
			assert.True(t, errors.IsInvalidRequest(err), expr)
		}
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	// Exactly on a minute boundary: the next activation of "* * * * *"
	// must be the following minute, not the boundary itself.
	from := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	next, err := Next("* * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)
}

func TestNextEveryFiveMinutes(t *testing.T) {
	from := time.Date(2025, 6, 1, 12, 31, 17, 0, time.UTC)
	next, err := Next("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 35, 0, 0, time.UTC), next)
}

func TestNextDailyCrossesDay(t *testing.T) {
	from := time.Date(2025, 6, 1, 23, 59, 30, 0, time.UTC)
	next, err := Next("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestNextInvalidExpression(t *testing.T) {
	_, err := Next("bogus", time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}
