package types

import (
	"fmt"
	"time"
)

const (
	BUY  Action = "buy"
	SELL Action = "sell"
	HOLD Action = "hold"
	STAY Action = "stay"
)

// Action is the outcome of evaluating a strategy against live state.
// BUY/SELL require an order; HOLD/STAY are no-ops.
type Action string

// Bar is one minute-granularity OHLCV record. Sequences are ordered by
// Timestamp, strictly increasing, with unique timestamps.
type Bar struct {
	Timestamp   time.Time // UTC, minute resolution
	Open        float64
	High        float64
	Low         float64
	Close       float64
	VolumeQuote float64 // traded value in the quote currency (KRW)
	VolumeBase  float64 // traded quantity in the base currency
}

// ResampledBar is one Bar aggregated over a 24h window whose boundary is
// anchored at a subscription's execution time-of-day.
type ResampledBar struct {
	Timestamp   time.Time // window start, UTC
	Open        float64
	High        float64
	Low         float64
	Close       float64
	VolumeQuote float64
	VolumeBase  float64
}

// TimeOfDay is a UTC wall-clock time at minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Offset returns the time-of-day as a duration past midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
}

// TimeOfDayUTC extracts the minute-resolution time-of-day from an instant.
func TimeOfDayUTC(at time.Time) TimeOfDay {
	at = at.UTC()
	return TimeOfDay{Hour: at.Hour(), Minute: at.Minute()}
}

// StrategyDefinition selects an indicator formula and its parameters.
// Immutable per evaluation.
type StrategyDefinition struct {
	Name            string
	Param1          int
	Param2          *int     // nil for single-parameter families
	StopLossPercent *float64 // nil disables the trailing stop
}

// PositionState is the live holding state of one subscription. It is
// mutated only by confirmed order fills and explicit user overrides.
type PositionState struct {
	Holding          bool
	UnitsPendingSale float64 // base-currency quantity to liquidate on exit
}

// Flat returns a cleared position state.
func Flat() PositionState {
	return PositionState{}
}

// Subscription binds one user's strategy, market, and parameters to live
// execution. The backing store is the source of truth; this is the
// in-memory view execution jobs work with.
type Subscription struct {
	ID             uint
	UserID         uint
	Market         string // e.g. "KRW-BTC"
	Strategy       StrategyDefinition
	ExecutionTime  TimeOfDay
	InvestingLimit float64 // max spendable quote currency
	Active         bool
	Position       PositionState
}

// CatalogStrategy is one published strategy whose performance windows are
// periodically recomputed for display.
type CatalogStrategy struct {
	ID         uint
	Market     string
	Definition StrategyDefinition
}
