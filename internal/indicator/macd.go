package indicator

import (
	"github.com/minjae-oh/quantcore/internal/types"
)

// MACD is the moving-average convergence/divergence strategy: the
// difference of two exponential moving averages of close, with buy/sell on
// its sign change through zero.
type MACD struct{}

func (MACD) Name() string { return "Moving_Average_Convergence_Divergence" }

// Warmup is 1: the EMAs are seeded from the first bar, so only the first
// bar lacks a usable cross comparison.
func (MACD) Warmup(p Params) int { return 1 }

func (m MACD) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	slow, err := requireParam2(m.Name(), p)
	if err != nil {
		return nil, err
	}

	close := closes(series)
	emaFast := ema(close, p.Param1)
	emaSlow := ema(close, slow)

	macd := make([]float64, len(close))
	for i := range macd {
		macd[i] = emaFast[i] - emaSlow[i]
	}

	return crossEvents(macd), nil
}
