package resample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjae-oh/quantcore/internal/types"
)

func minuteBars(start time.Time, closes ...float64) []types.Bar {
	bars := make([]types.Bar, 0, len(closes))
	for i, c := range closes {
		bars = append(bars, types.Bar{
			Timestamp:   start.Add(time.Duration(i) * time.Minute),
			Open:        c,
			High:        c + 1,
			Low:         c - 1,
			Close:       c,
			VolumeQuote: 100,
			VolumeBase:  1,
		})
	}
	return bars
}

func TestResample_AggregatesOneWindow(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	bars := minuteBars(start, 100, 102, 98, 101)

	out := Resample(bars, types.TimeOfDay{Hour: 9})

	require.Len(t, out, 1)
	assert.Equal(t, start, out[0].Timestamp)
	assert.Equal(t, 100.0, out[0].Open, "open should be first")
	assert.Equal(t, 103.0, out[0].High, "high should be max")
	assert.Equal(t, 97.0, out[0].Low, "low should be min")
	assert.Equal(t, 101.0, out[0].Close, "close should be last")
	assert.Equal(t, 400.0, out[0].VolumeQuote, "quote volume should be summed")
	assert.Equal(t, 4.0, out[0].VolumeBase, "base volume should be summed")
}

func TestResample_WindowBoundaryAtExecutionTime(t *testing.T) {
	// Two minutes either side of the 09:00 boundary land in different days.
	bars := []types.Bar{
		{Timestamp: time.Date(2024, 3, 1, 8, 59, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Open: 2, High: 2, Low: 2, Close: 2},
	}

	out := Resample(bars, types.TimeOfDay{Hour: 9})

	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), out[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), out[1].Timestamp)
}

func TestResample_MinuteOffset(t *testing.T) {
	bars := []types.Bar{
		{Timestamp: time.Date(2024, 3, 1, 4, 11, 0, 0, time.UTC), Close: 1, High: 1, Low: 1},
		{Timestamp: time.Date(2024, 3, 1, 4, 12, 0, 0, time.UTC), Close: 2, High: 2, Low: 2},
	}

	out := Resample(bars, types.TimeOfDay{Hour: 4, Minute: 12})

	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 2, 29, 4, 12, 0, 0, time.UTC), out[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 4, 12, 0, 0, time.UTC), out[1].Timestamp)
}

func TestResample_GapsProduceSparseBuckets(t *testing.T) {
	// A two-day gap: no empty bucket is emitted for the missing day.
	bars := []types.Bar{
		{Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Close: 1, High: 1, Low: 1},
		{Timestamp: time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC), Close: 2, High: 2, Low: 2},
	}

	out := Resample(bars, types.TimeOfDay{Hour: 9})

	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), out[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC), out[1].Timestamp)
}

func TestResample_Deterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := minuteBars(start, 100, 101, 102, 103, 104, 105)

	a := Resample(bars, types.TimeOfDay{Hour: 4})
	b := Resample(bars, types.TimeOfDay{Hour: 4})

	assert.Equal(t, a, b)
}

func TestResample_Empty(t *testing.T) {
	assert.Nil(t, Resample(nil, types.TimeOfDay{Hour: 9}))
}
