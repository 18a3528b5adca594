package signal

import (
	"github.com/minjae-oh/quantcore/internal/indicator"
	"github.com/minjae-oh/quantcore/internal/types"
)

// Decide evaluates a strategy against the live holding flag and returns
// the action to execute.
//
// The resampled series includes the still-forming final window, so the
// decision reads the last completed row of the replay:
//   - not holding: "buy" when that row entered LONG, or when a buy event
//     fired while the machine was already LONG without an intervening
//     exit, otherwise "stay".
//   - holding: "sell" when that row exited to FLAT, or when a sell event
//     fired while the machine was already flat, otherwise "hold".
func Decide(def types.StrategyDefinition, state types.PositionState, series []types.ResampledBar) (types.Action, error) {
	ind, p, err := indicator.FromDefinition(def)
	if err != nil {
		return "", err
	}

	// Need at least one completed window beyond the forming one.
	if len(series) < 2 {
		if state.Holding {
			return types.HOLD, nil
		}
		return types.STAY, nil
	}

	completed := series[:len(series)-1]
	rows, err := Replay(ind, p, def.StopLossPercent, completed)
	if err != nil {
		return "", err
	}
	last := rows[len(rows)-1]

	if !state.Holding {
		entered := last.Transition == TransitionEntered
		if entered || (last.Position == 1 && last.Event == indicator.Buy) {
			return types.BUY, nil
		}
		return types.STAY, nil
	}

	exited := last.Transition == TransitionExited || last.Transition == TransitionStopLoss
	if exited || (last.Position == 0 && last.Event == indicator.Sell) {
		return types.SELL, nil
	}
	return types.HOLD, nil
}
