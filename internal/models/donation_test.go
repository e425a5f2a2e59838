package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecurringScheduleNextClampsMonthEnd(t *testing.T) {
	jan31 := time.Date(2026, time.January, 31, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC), ScheduleMonthly.Next(jan31))

	leap := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), ScheduleMonthly.Next(leap))

	nov30 := time.Date(2026, time.November, 30, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2027, time.February, 28, 0, 0, 0, 0, time.UTC), ScheduleQuarterly.Next(nov30))

	feb29 := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), ScheduleAnnually.Next(feb29))
}

func TestRecurringScheduleNextWeekBased(t *testing.T) {
	from := time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)
	require.Equal(t, from.AddDate(0, 0, 7), ScheduleWeekly.Next(from))
	require.Equal(t, from.AddDate(0, 0, 14), ScheduleBiweekly.Next(from))
}
