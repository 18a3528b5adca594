package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjae-oh/quantcore/internal/indicator"
	"github.com/minjae-oh/quantcore/internal/types"
)

func floatPtr(v float64) *float64 { return &v }

func TestMachine_EnterAndExit(t *testing.T) {
	m := NewMachine(nil)

	assert.Equal(t, TransitionEntered, m.Step(indicator.Buy, 100))
	assert.True(t, m.Holding())
	assert.Equal(t, 100.0, m.HighestSinceEntry())

	assert.Equal(t, TransitionNone, m.Step(indicator.None, 110))
	assert.Equal(t, 110.0, m.HighestSinceEntry(), "highest should track rising closes")

	assert.Equal(t, TransitionNone, m.Step(indicator.None, 105))
	assert.Equal(t, 110.0, m.HighestSinceEntry(), "highest should not decrease")

	assert.Equal(t, TransitionExited, m.Step(indicator.Sell, 104))
	assert.False(t, m.Holding())
}

func TestMachine_SellEventWhileFlatIsIgnored(t *testing.T) {
	m := NewMachine(nil)

	assert.Equal(t, TransitionNone, m.Step(indicator.Sell, 100))
	assert.False(t, m.Holding())
}

func TestMachine_TrailingStopLoss(t *testing.T) {
	m := NewMachine(floatPtr(5))

	m.Step(indicator.Buy, 100)
	m.Step(indicator.None, 110)

	// 110 * 0.95 = 104.5
	assert.Equal(t, TransitionNone, m.Step(indicator.None, 104.6))
	assert.Equal(t, TransitionStopLoss, m.Step(indicator.None, 104.5))
	assert.False(t, m.Holding())
}

func TestMachine_StopLossPreemptsSameBarBuyEvent(t *testing.T) {
	// While LONG, a bar that both emits a buy event and breaches the stop
	// must exit: the stop-loss overrides the buy.
	m := NewMachine(floatPtr(10))

	m.Step(indicator.Buy, 100)
	assert.Equal(t, TransitionStopLoss, m.Step(indicator.Buy, 85))
	assert.False(t, m.Holding())
}

func TestMachine_NoStopOnEntryBar(t *testing.T) {
	m := NewMachine(floatPtr(5))

	assert.Equal(t, TransitionEntered, m.Step(indicator.Buy, 100))
	assert.True(t, m.Holding(), "the entry bar seeds highest from its own close and cannot stop out")
}

func TestReplay_AnnotatesPositions(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	series := []types.ResampledBar{
		{Timestamp: start, Close: 100},
		{Timestamp: start.AddDate(0, 0, 1), Close: 101},
		{Timestamp: start.AddDate(0, 0, 2), Close: 102},
		{Timestamp: start.AddDate(0, 0, 3), Close: 103},
	}

	rows, err := Replay(scriptedIndicator{
		indicator.None, indicator.Buy, indicator.None, indicator.Sell,
	}, indicator.Params{Param1: 1}, nil, series)
	require.NoError(t, err)

	positions := make([]int, len(rows))
	for i, row := range rows {
		positions[i] = row.Position
	}
	assert.Equal(t, []int{0, 1, 1, 0}, positions)
	assert.Equal(t, TransitionEntered, rows[1].Transition)
	assert.Equal(t, TransitionExited, rows[3].Transition)
}

// scriptedIndicator replays a fixed event column, letting tests drive the
// machine without a real indicator.
type scriptedIndicator []indicator.Event

func (scriptedIndicator) Name() string                  { return "scripted" }
func (scriptedIndicator) Warmup(indicator.Params) int   { return 0 }
func (s scriptedIndicator) Signals(_ indicator.Params, series []types.ResampledBar) ([]indicator.Event, error) {
	out := make([]indicator.Event, len(series))
	copy(out, s)
	return out, nil
}
