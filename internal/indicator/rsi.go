package indicator

import (
	"math"

	"github.com/minjae-oh/quantcore/internal/logging"
	"github.com/minjae-oh/quantcore/internal/types"
)

var rsiLog = logging.New("rsi")

// RSI is the Relative Strength Index strategy: buy on an upward cross
// through 30, sell on a downward cross through 70.
//
// Formula: delta = close diff; gain = max(delta, 0); loss = max(-delta, 0);
// RS = rolling mean(gain) / rolling mean(loss); RSI = 100 - 100/(1+RS).
type RSI struct{}

func (RSI) Name() string { return "Relative_Strength_Index" }

// Warmup is param1 bars: the diff consumes one bar and the rolling means
// consume param1 more, so the first defined RSI value is at index param1.
func (RSI) Warmup(p Params) int { return p.Param1 }

func (r RSI) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	if err := requireParam1(r.Name(), p); err != nil {
		return nil, err
	}
	window := p.Param1

	rsi := RSIValues(closes(series), window)

	out := make([]Event, len(series))
	for i := 1; i < len(rsi); i++ {
		prev, cur := rsi[i-1], rsi[i]
		if math.IsNaN(prev) || math.IsNaN(cur) {
			continue
		}
		switch {
		case cur >= 30 && prev < 30:
			out[i] = Buy
		case cur <= 70 && prev > 70:
			out[i] = Sell
		}
	}
	rsiLog.Debug("Computed RSI signals", "bars", len(series), "window", window)
	return out, nil
}

// RSIValues computes the RSI column for a close series.
func RSIValues(close []float64, window int) []float64 {
	delta := diff(close)

	gain := make([]float64, len(delta))
	loss := make([]float64, len(delta))
	for i, d := range delta {
		if math.IsNaN(d) {
			gain[i] = math.NaN()
			loss[i] = math.NaN()
			continue
		}
		gain[i] = math.Max(d, 0)
		loss[i] = math.Max(-d, 0)
	}

	avgGain := rollingMean(gain, window)
	avgLoss := rollingMean(loss, window)

	rsi := make([]float64, len(close))
	for i := range rsi {
		if math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]) {
			rsi[i] = math.NaN()
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		rsi[i] = 100 - 100/(1+rs)
	}
	return rsi
}
