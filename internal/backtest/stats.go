package backtest

import (
	"math"
)

// Metrics summarizes one backtest run. All ratio fields are fractions
// (0.25 = 25%), computed over the rows after indicator warm-up.
type Metrics struct {
	TotalReturn float64
	CAGR        float64
	MaxDrawdown float64

	TradeCount int
	WinCount   int
	WinRate    float64
	// GainLossRatio is average winning-trip gain over absolute average
	// losing-trip loss. Undefined when either side is empty; check
	// GainLossDefined before using it.
	GainLossRatio   float64
	GainLossDefined bool

	HoldingTimeRatio float64
	PeriodDays       int
	SharpeRatio      float64
}

// roundTrip is one FLAT -> LONG -> FLAT span of the replay.
type roundTrip struct {
	entryIdx int
	exitIdx  int
	// pct is the cumulative-return change across the trip.
	pct float64
}

// Calculate derives the summary metrics. The result is cached.
func (r *Result) Calculate() *Metrics {
	if r.metrics != nil {
		return r.metrics
	}

	m := &Metrics{}
	rows := r.Rows[min(r.Warmup, len(r.Rows)):]
	if len(rows) == 0 {
		r.metrics = m
		return m
	}

	first := rows[0].CumulativeReturn
	last := rows[len(rows)-1].CumulativeReturn
	m.TotalReturn = last/first - 1

	m.PeriodDays = periodDays(rows)
	if m.PeriodDays > 0 {
		m.CAGR = math.Pow(1+m.TotalReturn, 365/float64(m.PeriodDays)) - 1
	}

	m.MaxDrawdown = maxDrawdown(rows)

	trips := roundTrips(rows)
	m.TradeCount = len(trips)
	var gains, losses []float64
	for _, trip := range trips {
		if trip.pct > 0 {
			m.WinCount++
			gains = append(gains, trip.pct)
		} else {
			losses = append(losses, trip.pct)
		}
	}
	if m.TradeCount > 0 {
		m.WinRate = float64(m.WinCount) / float64(m.TradeCount)
	}
	if len(gains) > 0 && len(losses) > 0 {
		m.GainLossRatio = mean(gains) / math.Abs(mean(losses))
		m.GainLossDefined = true
	}

	held := 0
	for _, row := range rows {
		if row.Position != 0 {
			held++
		}
	}
	m.HoldingTimeRatio = float64(held) / float64(len(rows))

	m.SharpeRatio = sharpe(rows, r.Config.RiskFreeRate)

	r.metrics = m
	return m
}

// periodDays is the calendar span of the post-warm-up rows.
func periodDays(rows []Row) int {
	if len(rows) < 2 {
		return 0
	}
	span := rows[len(rows)-1].Bar.Timestamp.Sub(rows[0].Bar.Timestamp)
	return int(math.Round(span.Hours() / 24))
}

// maxDrawdown is the largest peak-to-trough decline of the cumulative
// curve, with the peak initialized at the first value.
func maxDrawdown(rows []Row) float64 {
	peak := rows[0].CumulativeReturn
	maxDD := 0.0
	for _, row := range rows {
		v := row.CumulativeReturn
		if v > peak {
			peak = v
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// roundTrips partitions the position column into completed trips. A trip
// is a win when the cumulative return at exit exceeds the level it entered
// at. An open position at the end of the series is not a trip.
func roundTrips(rows []Row) []roundTrip {
	var trips []roundTrip
	entryIdx := -1

	for i, row := range rows {
		prevPos := 0
		if i > 0 {
			prevPos = rows[i-1].Position
		}

		if row.Position == 1 && prevPos == 0 {
			entryIdx = i
		}
		if row.Position == 0 && prevPos == 1 && entryIdx >= 0 {
			entryLevel := 1.0
			if entryIdx > 0 {
				entryLevel = rows[entryIdx-1].CumulativeReturn
			}
			trips = append(trips, roundTrip{
				entryIdx: entryIdx,
				exitIdx:  i,
				pct:      rows[i].CumulativeReturn/entryLevel - 1,
			})
			entryIdx = -1
		}
	}
	return trips
}

// sharpe is sqrt(365) * mean(daily excess return) / std(daily return),
// zero when the deviation is zero. Sample standard deviation.
func sharpe(rows []Row, riskFreeRate float64) float64 {
	if len(rows) < 2 {
		return 0
	}

	daily := make([]float64, len(rows))
	for i, row := range rows {
		daily[i] = row.FeeAdjustedReturn
	}

	avg := mean(daily)
	variance := 0.0
	for _, v := range daily {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(daily) - 1)
	std := math.Sqrt(variance)
	// Constant return series accumulate rounding noise instead of an
	// exact zero deviation; treat anything below the noise floor as zero.
	if std < 1e-12 {
		return 0
	}

	excess := avg - riskFreeRate/365
	return math.Sqrt(365) * excess / std
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
