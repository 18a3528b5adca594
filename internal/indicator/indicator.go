// Package indicator computes named technical indicators over resampled
// daily bars. Each indicator family implements the Indicator interface and
// produces a per-bar event column; the registry maps the stored strategy
// names onto implementations.
package indicator

import (
	"fmt"

	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	// None means no signal on this bar: hold/stay.
	None Event = 0
	// Buy is an entry cross event.
	Buy Event = 1
	// Sell is an exit cross event.
	Sell Event = -1
)

// Event is the per-bar signal an indicator emits. Events derived from a
// NaN (warm-up) value are always None, never Buy or Sell.
type Event int8

// Params are the concrete parameters of one strategy evaluation.
type Params struct {
	Param1 int
	Param2 *int // nil for single-parameter families
}

// Indicator is one technical-indicator family.
type Indicator interface {
	Name() string

	// Warmup returns the number of leading bars whose derived values are
	// undefined. Backtest metrics exclude these rows.
	Warmup(p Params) int

	// Signals computes the event column over the series. The returned
	// slice has one entry per input bar.
	Signals(p Params, series []types.ResampledBar) ([]Event, error)
}

var registry = map[string]Indicator{
	"Relative_Strength_Index":               RSI{},
	"Moving_Average_Crossover":              MACross{},
	"Trading_Range_Breakout":                Breakout{},
	"Moving_Average_Convergence_Divergence": MACD{},
	"Rate_of_Change":                        ROC{},
	"On_Balance_Volume":                     VolumeMACross{},
}

// Lookup resolves a stored strategy name to its indicator family.
func Lookup(name string) (Indicator, error) {
	ind, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return ind, nil
}

// FromDefinition resolves a strategy definition into an indicator and its
// parameters.
func FromDefinition(def types.StrategyDefinition) (Indicator, Params, error) {
	ind, err := Lookup(def.Name)
	if err != nil {
		return nil, Params{}, err
	}
	return ind, Params{Param1: def.Param1, Param2: def.Param2}, nil
}

func requireParam1(name string, p Params) error {
	if p.Param1 <= 0 {
		return fmt.Errorf("%s: param1 must be positive, got %d", name, p.Param1)
	}
	return nil
}

func requireParam2(name string, p Params) (int, error) {
	if err := requireParam1(name, p); err != nil {
		return 0, err
	}
	if p.Param2 == nil {
		return 0, fmt.Errorf("%s: param2 is required", name)
	}
	if *p.Param2 <= 0 {
		return 0, fmt.Errorf("%s: param2 must be positive, got %d", name, *p.Param2)
	}
	return *p.Param2, nil
}

// closes extracts the close column.
func closes(series []types.ResampledBar) []float64 {
	out := make([]float64, len(series))
	for i, bar := range series {
		out[i] = bar.Close
	}
	return out
}
