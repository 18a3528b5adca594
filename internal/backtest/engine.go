// Package backtest replays a strategy's decision rules over a full
// resampled series and derives fee-adjusted performance metrics.
package backtest

import (
	"log/slog"

	"github.com/minjae-oh/quantcore/internal/indicator"
	"github.com/minjae-oh/quantcore/internal/signal"
	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	// DefaultFeeRate is the per-side trading fee (0.2%).
	DefaultFeeRate = 0.002
)

// Config holds the replay parameters that are not part of the strategy.
type Config struct {
	// FeeRate is applied symmetrically: once on entry, once on exit.
	FeeRate float64
	// RiskFreeRate is the annual risk-free rate used by the Sharpe ratio.
	RiskFreeRate float64
}

// DefaultConfig returns the standard fee/rate configuration.
func DefaultConfig() Config {
	return Config{FeeRate: DefaultFeeRate}
}

// Run replays the state machine bar-by-bar over the series and computes
// per-bar return columns. The cumulative-return column is the running
// product of (1 + fee-adjusted return) and is built fresh on every run.
func Run(def types.StrategyDefinition, series []types.ResampledBar, cfg Config) (*Result, error) {
	ind, p, err := indicator.FromDefinition(def)
	if err != nil {
		return nil, err
	}

	machineRows, err := signal.Replay(ind, p, def.StopLossPercent, series)
	if err != nil {
		return nil, err
	}

	slog.Debug("Starting backtest replay", "strategy", def.Name, "bars", len(series), "feeRate", cfg.FeeRate)

	rows := make([]Row, len(machineRows))
	cumulative := 1.0
	for t, mr := range machineRows {
		row := Row{Row: mr}

		if t > 0 {
			prevClose := machineRows[t-1].Bar.Close
			pct := mr.Bar.Close/prevClose - 1
			row.StrategyReturn = float64(mr.Position) * pct
			row.FeeAdjustedReturn = row.StrategyReturn

			entered := mr.Position == 1 && machineRows[t-1].Position == 0
			exited := mr.Position == 0 && machineRows[t-1].Position == 1
			switch {
			case entered:
				// Bought at the prior close, fee on top.
				buyPrice := prevClose * (1 + cfg.FeeRate)
				row.FeeAdjustedReturn = mr.Bar.Close/buyPrice - 1
			case exited:
				// Sold at this close, fee taken out.
				sellPrice := mr.Bar.Close * (1 - cfg.FeeRate)
				row.FeeAdjustedReturn = sellPrice/prevClose - 1
			}
		}

		cumulative *= 1 + row.FeeAdjustedReturn
		row.CumulativeReturn = cumulative
		rows[t] = row
	}

	return &Result{
		Rows:   rows,
		Warmup: ind.Warmup(p),
		Config: cfg,
	}, nil
}
