package dosage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateEndDate(t *testing.T) {
	start := time.Date(2026, 3, 16, 9, 30, 0, 0, time.UTC)

	end := CalculateEndDate(start, 7, UnitDays)
	require.NotNil(t, end)
	assert.Equal(t, start.AddDate(0, 0, 7), *end)

	end = CalculateEndDate(start, 2, UnitWeeks)
	require.NotNil(t, end)
	assert.Equal(t, start.AddDate(0, 0, 14), *end)

	end = CalculateEndDate(start, 1, UnitMonths)
	require.NotNil(t, end)
	assert.Equal(t, time.Date(2026, 4, 16, 9, 30, 0, 0, time.UTC), *end)

	for _, n := range []int{0, 1, 30, 365} {
		assert.Nil(t, CalculateEndDate(start, n, UnitOngoing))
	}
}

func TestCalculateEndDate_UnknownUnitIsDays(t *testing.T) {
	start := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	end := CalculateEndDate(start, 3, "fortnights")
	require.NotNil(t, end)
	assert.Equal(t, start.AddDate(0, 0, 3), *end)
}

func TestCalculateEndDate_MonthOverflowClamps(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{"jan 31 to feb", time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC), 1, time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)},
		{"leap year", time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC)},
		{"mar 31 to apr", time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)},
		{"across year", time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC), 3, time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"valid day kept", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), 2, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end := CalculateEndDate(tt.start, tt.months, UnitMonths)
			require.NotNil(t, end)
			assert.Equal(t, tt.want, *end)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"7 days", Duration{Value: 7, Unit: UnitDays}},
		{"30 days", Duration{Value: 30, Unit: UnitDays}},
		{"1 day", Duration{Value: 1, Unit: UnitDays}},
		{"10", Duration{Value: 10, Unit: UnitDays}},
		{"5d", Duration{Value: 5, Unit: UnitDays}},
		{"2 weeks", Duration{Value: 2, Unit: UnitWeeks}},
		{"3 wks", Duration{Value: 3, Unit: UnitWeeks}},
		{"1 Month", Duration{Value: 1, Unit: UnitMonths}},
		{"6 months", Duration{Value: 6, Unit: UnitMonths}},
		{"for 14 days after meals", Duration{Value: 14, Unit: UnitDays}},
		{"ongoing", Duration{Unit: UnitOngoing}},
		{"Long-term", Duration{Unit: UnitOngoing}},
		{"continue indefinitely", Duration{Unit: UnitOngoing}},
		{"until finished", Duration{Value: 7, Unit: UnitDays}},
		{"", Duration{Value: 7, Unit: UnitDays}},
		{"0 days", Duration{Value: 7, Unit: UnitDays}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDuration(tt.in))
		})
	}
}

func TestDurationCovers(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 3, 16, 9, 0, 0, 0, loc)
	d := Duration{Value: 2, Unit: UnitDays, StartDate: start, EndDate: CalculateEndDate(start, 2, UnitDays)}

	assert.False(t, d.covers(time.Date(2026, 3, 15, 0, 0, 0, 0, loc), loc))
	assert.True(t, d.covers(time.Date(2026, 3, 16, 0, 0, 0, 0, loc), loc), "start day counts in full")
	assert.True(t, d.covers(time.Date(2026, 3, 17, 0, 0, 0, 0, loc), loc))
	assert.False(t, d.covers(time.Date(2026, 3, 18, 0, 0, 0, 0, loc), loc), "end day is excluded")

	ongoing := Duration{Unit: UnitOngoing, StartDate: start}
	assert.True(t, ongoing.covers(time.Date(2030, 1, 1, 0, 0, 0, 0, loc), loc))
}
