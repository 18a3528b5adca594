// Package resample aligns raw minute bars into execution-time-anchored
// daily bars. Each bucket covers exactly one 24h window whose boundary is
// the subscription's execution time-of-day, so a strategy executing at
// 09:00 UTC sees "days" running 09:00 to 09:00.
package resample

import (
	"time"

	"github.com/minjae-oh/quantcore/internal/logging"
	"github.com/minjae-oh/quantcore/internal/types"
)

var log = logging.New("resample")

// Resample aggregates ordered minute bars into 24h buckets offset by the
// execution time-of-day. It is a pure function: identical inputs always
// produce an identical output sequence.
//
// Aggregation per bucket: open=first, high=max, low=min, close=last,
// volumes=sum. Gaps in the input simply produce buckets with fewer
// underlying rows. The final bucket may still be forming; callers that
// need completed windows must drop the last row.
func Resample(bars []types.Bar, at types.TimeOfDay) []types.ResampledBar {
	if len(bars) == 0 {
		return nil
	}

	offset := at.Offset()
	var out []types.ResampledBar
	var cur *types.ResampledBar

	for _, bar := range bars {
		start := bucketStart(bar.Timestamp, offset)

		if cur == nil || !cur.Timestamp.Equal(start) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &types.ResampledBar{
				Timestamp:   start,
				Open:        bar.Open,
				High:        bar.High,
				Low:         bar.Low,
				Close:       bar.Close,
				VolumeQuote: bar.VolumeQuote,
				VolumeBase:  bar.VolumeBase,
			}
			continue
		}

		if bar.High > cur.High {
			cur.High = bar.High
		}
		if bar.Low < cur.Low {
			cur.Low = bar.Low
		}
		cur.Close = bar.Close
		cur.VolumeQuote += bar.VolumeQuote
		cur.VolumeBase += bar.VolumeBase
	}
	out = append(out, *cur)

	log.Debug("Resampled bars", "input", len(bars), "output", len(out), "executionTime", at.String())
	return out
}

// bucketStart returns the start of the 24h window containing ts, where
// windows begin at midnight UTC plus offset.
func bucketStart(ts time.Time, offset time.Duration) time.Time {
	ts = ts.UTC()
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	start := midnight.Add(offset)
	if ts.Before(start) {
		start = start.Add(-24 * time.Hour)
	}
	return start
}
