package indicator

import (
	"math"

	"github.com/minjae-oh/quantcore/internal/types"
)

// Breakout is the trading-range breakout strategy: buy when close breaks
// above the rolling max of high, sell when it breaks below the rolling min
// of low. Both bands use the previous bar's window so the current bar is
// compared against strictly prior history.
type Breakout struct{}

func (Breakout) Name() string { return "Trading_Range_Breakout" }

// Warmup is param1 bars: the shifted band is first defined at index param1.
func (Breakout) Warmup(p Params) int { return p.Param1 }

func (b Breakout) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	if err := requireParam1(b.Name(), p); err != nil {
		return nil, err
	}
	lookback := p.Param1

	highs := make([]float64, len(series))
	lows := make([]float64, len(series))
	for i, bar := range series {
		highs[i] = bar.High
		lows[i] = bar.Low
	}

	upper := shift(rollingMax(highs, lookback))
	lower := shift(rollingMin(lows, lookback))

	out := make([]Event, len(series))
	for i, bar := range series {
		if math.IsNaN(upper[i]) || math.IsNaN(lower[i]) {
			continue
		}
		switch {
		case bar.Close > upper[i]:
			out[i] = Buy
		case bar.Close < lower[i]:
			out[i] = Sell
		}
	}
	return out, nil
}
