package dosage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFrequency_Table(t *testing.T) {
	tests := []struct {
		label string
		count int
		times []string
	}{
		{"once_daily", 1, []string{"08:00"}},
		{"twice_daily", 2, []string{"08:00", "20:00"}},
		{"three_times_daily", 3, []string{"08:00", "14:00", "20:00"}},
		{"four_times_daily", 4, []string{"08:00", "12:00", "16:00", "20:00"}},
		{"every_12_hours", 2, []string{"08:00", "20:00"}},
		{"every_8_hours", 3, []string{"08:00", "16:00", "00:00"}},
		{"every_6_hours", 4, []string{"06:00", "12:00", "18:00", "00:00"}},
		{"as_needed", 0, []string{"08:00"}},
		{"whenever", 1, []string{"08:00"}},
		{"", 1, []string{"08:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			count, times := ResolveFrequency(tt.label)
			assert.Equal(t, tt.count, count)
			assert.Equal(t, tt.times, times)
		})
	}
}

func TestResolveFrequency_NormalizesLabel(t *testing.T) {
	count, times := ResolveFrequency("  Twice_Daily ")
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"08:00", "20:00"}, times)
	assert.True(t, KnownFrequency("EVERY_6_HOURS"))
	assert.False(t, KnownFrequency("hourly"))
}

func TestResolveFrequency_ReturnsCopy(t *testing.T) {
	_, times := ResolveFrequency("twice_daily")
	times[0] = "03:00"

	_, again := ResolveFrequency("twice_daily")
	assert.Equal(t, "08:00", again[0])
}

func TestParseClock(t *testing.T) {
	valid := map[string]string{
		"08:00":   "08:00",
		"8:30":    "08:30",
		"23:59":   "23:59",
		"00:00":   "00:00",
		" 20:00 ": "20:00",
	}
	for in, want := range valid {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"24:00", "12:60", "noon", "8", "08:0", "", "08:00pm"} {
		_, err := ParseClock(in)
		assert.Error(t, err, in)
	}
}

func TestNormalizeTimes(t *testing.T) {
	times, err := NormalizeTimes([]string{"9:00", "21:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "21:00"}, times)

	_, err = NormalizeTimes([]string{"09:00", "9:00"})
	assert.Error(t, err)

	_, err = NormalizeTimes([]string{"09:00", "lunch"})
	assert.Error(t, err)

	times, err = NormalizeTimes(nil)
	require.NoError(t, err)
	assert.Empty(t, times)
}
