package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun_FiveField(t *testing.T) {
	// Every 5 minutes.
	ref := time.Date(2025, 1, 24, 10, 2, 30, 0, time.UTC)

	next, ok, err := NextRun("*/5 * * * *", "UTC", ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 24, 10, 5, 0, 0, time.UTC), next)
}

func TestNextRun_SixField(t *testing.T) {
	// Every 5 seconds.
	ref := time.Date(2025, 1, 24, 10, 0, 1, 0, time.UTC)

	next, ok, err := NextRun("*/5 * * * * *", "UTC", ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 24, 10, 0, 5, 0, time.UTC), next)
}

func TestNextRun_StrictlyAfter(t *testing.T) {
	// Reference exactly on a fire instant must yield the following one.
	ref := time.Date(2025, 1, 24, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextRun("0 * * * *", "UTC", ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 24, 11, 0, 0, 0, time.UTC), next)
}

func TestNextRun_TimezoneConversion(t *testing.T) {
	// 08:00 in New York is 13:00 UTC in January (EST, UTC-5).
	ref := time.Date(2025, 1, 24, 0, 0, 0, 0, time.UTC)

	next, ok, err := NextRun("0 8 * * *", "America/New_York", ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 24, 13, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRun_WindowsZoneName(t *testing.T) {
	ref := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	next, ok, err := NextRun("0 12 * * *", "Eastern Standard Time", ref)
	require.NoError(t, err)
	require.True(t, ok)
	// June is EDT, UTC-4.
	assert.Equal(t, time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidInputs(t *testing.T) {
	ref := time.Now()

	_, _, err := NextRun("not a cron", "UTC", ref)
	assert.ErrorIs(t, err, ErrInvalidCron)

	_, _, err = NextRun("* * * * *", "Not/AZone", ref)
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func TestIsValidCron(t *testing.T) {
	assert.True(t, IsValidCron("*/5 * * * *"))
	assert.True(t, IsValidCron("30 2 * * * *"))
	assert.True(t, IsValidCron("@hourly"))
	assert.False(t, IsValidCron(""))
	assert.False(t, IsValidCron("61 * * * *"))
	assert.False(t, IsValidCron("* * *"))
}

func TestIsValidTimezone(t *testing.T) {
	assert.True(t, IsValidTimezone("UTC"))
	assert.True(t, IsValidTimezone("Europe/Berlin"))
	assert.True(t, IsValidTimezone("Pacific Standard Time"))
	assert.False(t, IsValidTimezone(""))
	assert.False(t, IsValidTimezone("Mars/Olympus"))
}
