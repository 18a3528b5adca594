package indicator

import (
	"math"

	"github.com/minjae-oh/quantcore/internal/types"
)

// MACross is the moving-average crossover strategy: buy when the short
// rolling mean of close crosses above the long one, sell on the opposite
// cross.
type MACross struct{}

func (MACross) Name() string { return "Moving_Average_Crossover" }

func (MACross) Warmup(p Params) int {
	if p.Param2 == nil {
		return p.Param1
	}
	return *p.Param2
}

func (m MACross) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	long, err := requireParam2(m.Name(), p)
	if err != nil {
		return nil, err
	}

	close := closes(series)
	shortMA := rollingMean(close, p.Param1)
	longMA := rollingMean(close, long)

	return maCrossEvents(shortMA, longMA), nil
}

// maCrossEvents derives events from the sign change of (short - long)
// between consecutive bars. NaN on either bar resolves to None.
func maCrossEvents(short, long []float64) []Event {
	out := make([]Event, len(short))
	for i := 1; i < len(short); i++ {
		if math.IsNaN(short[i]) || math.IsNaN(long[i]) ||
			math.IsNaN(short[i-1]) || math.IsNaN(long[i-1]) {
			continue
		}
		switch {
		case short[i] > long[i] && short[i-1] <= long[i-1]:
			out[i] = Buy
		case short[i] < long[i] && short[i-1] >= long[i-1]:
			out[i] = Sell
		}
	}
	return out
}
