package indicator

import (
	"github.com/minjae-oh/quantcore/internal/types"
)

// ROC is the momentum / rate-of-change strategy: the percentage change of
// close over the configured period, with buy/sell on its sign change
// through zero.
type ROC struct{}

func (ROC) Name() string { return "Rate_of_Change" }

func (ROC) Warmup(p Params) int { return p.Param1 }

func (r ROC) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	if err := requireParam1(r.Name(), p); err != nil {
		return nil, err
	}

	momentum := pctChange(closes(series), p.Param1)
	return crossEvents(momentum), nil
}
