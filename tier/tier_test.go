package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableFloors(t *testing.T) {
	tb := DefaultTable()

	assert.Equal(t, 60*time.Second, tb.For(Free).MinInterval)
	assert.Equal(t, 10*time.Second, tb.For(Pro).MinInterval)
	assert.Equal(t, 1*time.Second, tb.For(Enterprise).MinInterval)
}

func TestForUnknownTierFallsBackToFree(t *testing.T) {
	tb := DefaultTable()

	limits := tb.For(Tier("platinum"))
	assert.Equal(t, tb.For(Free), limits)
}

func TestParse(t *testing.T) {
	got, err := Parse("pro")
	require.NoError(t, err)
	assert.Equal(t, Pro, got)

	_, err = Parse("gold")
	assert.Error(t, err)
}
