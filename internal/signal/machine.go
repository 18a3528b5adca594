// Package signal turns indicator events and holding state into trade
// decisions. The same bar-by-bar state machine drives both the backtest
// replay and live decisioning so their results are directly comparable.
package signal

import (
	"github.com/minjae-oh/quantcore/internal/indicator"
	"github.com/minjae-oh/quantcore/internal/logging"
	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	TransitionNone Transition = iota
	// TransitionEntered is FLAT -> LONG on a buy event.
	TransitionEntered
	// TransitionExited is LONG -> FLAT on a sell event.
	TransitionExited
	// TransitionStopLoss is LONG -> FLAT forced by the trailing stop.
	TransitionStopLoss
)

// Transition describes what the machine did on one bar.
type Transition int

var machineLog = logging.New("machine")

// Machine is the FLAT/LONG position state machine. It tracks the highest
// close since entry to support a trailing stop-loss.
type Machine struct {
	stopLossPercent *float64

	holding bool
	highest float64
}

// NewMachine creates a flat machine. stopLossPercent of nil disables the
// trailing stop.
func NewMachine(stopLossPercent *float64) *Machine {
	return &Machine{stopLossPercent: stopLossPercent}
}

// Holding reports whether the machine is currently LONG.
func (m *Machine) Holding() bool { return m.holding }

// HighestSinceEntry returns the highest close seen since entry. Only
// meaningful while holding.
func (m *Machine) HighestSinceEntry() float64 { return m.highest }

// Step evaluates the transition rules for one completed bar. Exactly one
// rule applies per bar:
//
//  1. FLAT + buy event enters LONG with highest = close.
//  2. LONG + sell event exits to FLAT.
//  3. LONG without a sell event updates highest and force-exits when close
//     drops to or below highest * (1 - stopLoss/100). The stop-loss exit
//     overrides a simultaneous buy event on the same bar.
//  4. Anything else keeps the current state.
func (m *Machine) Step(event indicator.Event, close float64) Transition {
	if !m.holding {
		if event == indicator.Buy {
			m.holding = true
			m.highest = close
			machineLog.Debug("Entered long", "close", close)
			return TransitionEntered
		}
		return TransitionNone
	}

	if event == indicator.Sell {
		m.exit()
		machineLog.Debug("Exited long on sell event", "close", close)
		return TransitionExited
	}

	if close > m.highest {
		m.highest = close
	}
	if m.stopLossPercent != nil && close <= m.highest*(1-*m.stopLossPercent/100) {
		highest := m.highest
		m.exit()
		machineLog.Debug("Stop-loss exit", "close", close, "highest", highest)
		return TransitionStopLoss
	}

	return TransitionNone
}

func (m *Machine) exit() {
	m.holding = false
	m.highest = 0
}

// Row is one annotated bar of a replay.
type Row struct {
	Bar        types.ResampledBar
	Event      indicator.Event
	Transition Transition
	// Position is 1 when the machine is LONG after processing this bar.
	Position int
	// Highest is the highest close since entry, 0 while flat.
	Highest float64
}

// Replay runs the state machine over a full resampled series and returns
// the annotated rows.
func Replay(ind indicator.Indicator, p indicator.Params, stopLossPercent *float64, series []types.ResampledBar) ([]Row, error) {
	events, err := ind.Signals(p, series)
	if err != nil {
		return nil, err
	}

	m := NewMachine(stopLossPercent)
	rows := make([]Row, len(series))
	for i, bar := range series {
		transition := m.Step(events[i], bar.Close)

		position := 0
		if m.holding {
			position = 1
		}
		rows[i] = Row{
			Bar:        bar,
			Event:      events[i],
			Transition: transition,
			Position:   position,
			Highest:    m.highest,
		}
	}
	return rows, nil
}
