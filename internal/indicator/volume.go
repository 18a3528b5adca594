package indicator

import (
	"github.com/minjae-oh/quantcore/internal/types"
)

// VolumeMACross is the volume moving-average crossover strategy: rolling
// means of quote volume over short/long windows, with cross events
// analogous to the close-price crossover.
type VolumeMACross struct{}

func (VolumeMACross) Name() string { return "On_Balance_Volume" }

func (VolumeMACross) Warmup(p Params) int {
	if p.Param2 == nil {
		return p.Param1
	}
	return *p.Param2
}

func (v VolumeMACross) Signals(p Params, series []types.ResampledBar) ([]Event, error) {
	long, err := requireParam2(v.Name(), p)
	if err != nil {
		return nil, err
	}

	volumes := make([]float64, len(series))
	for i, bar := range series {
		volumes[i] = bar.VolumeQuote
	}

	shortMA := rollingMean(volumes, p.Param1)
	longMA := rollingMean(volumes, long)

	return maCrossEvents(shortMA, longMA), nil
}
