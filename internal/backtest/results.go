package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/minjae-oh/quantcore/internal/signal"
)

// Row is one bar of the replay annotated with return columns.
type Row struct {
	signal.Row

	// StrategyReturn is position * pct-change of close, unadjusted.
	StrategyReturn float64
	// FeeAdjustedReturn applies the entry/exit fees on transition bars.
	FeeAdjustedReturn float64
	// CumulativeReturn is the running product of (1 + FeeAdjustedReturn).
	CumulativeReturn float64
}

// Result is the annotated series of one backtest run.
type Result struct {
	Rows []Row
	// Warmup is the number of leading rows excluded from metrics because
	// the indicator is undefined there.
	Warmup int
	Config Config

	metrics *Metrics
}

// WindowReturn is the return over the trailing barsBack bars of the
// cumulative-return curve. Reports false when history is too short.
func (r *Result) WindowReturn(barsBack int) (float64, bool) {
	n := len(r.Rows)
	if barsBack <= 0 || n < barsBack+1 {
		return 0, false
	}
	then := r.Rows[n-1-barsBack].CumulativeReturn
	now := r.Rows[n-1].CumulativeReturn
	return now/then - 1, true
}

// WriteCSV dumps the annotated series for offline inspection.
func (r *Result) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp", "open", "high", "low", "close", "signal", "position", "strategy_return", "fee_adjusted_return", "cumulative_return"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, row := range r.Rows {
		record := []string{
			row.Bar.Timestamp.Format("2006-01-02T15:04:05Z"),
			formatFloat(row.Bar.Open),
			formatFloat(row.Bar.High),
			formatFloat(row.Bar.Low),
			formatFloat(row.Bar.Close),
			strconv.Itoa(int(row.Event)),
			strconv.Itoa(row.Position),
			formatFloat(row.StrategyReturn),
			formatFloat(row.FeeAdjustedReturn),
			formatFloat(row.CumulativeReturn),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Print writes a human-readable summary to stdout.
func (m *Metrics) Print() {
	fmt.Println("\n=== Backtest Results ===")
	fmt.Printf("Total Return:       %.2f%%\n", m.TotalReturn*100)
	fmt.Printf("CAGR:               %.2f%%\n", m.CAGR*100)
	fmt.Printf("Max Drawdown:       %.2f%%\n", m.MaxDrawdown*100)
	fmt.Printf("Sharpe Ratio:       %.2f\n\n", m.SharpeRatio)

	fmt.Printf("Trades:             %d\n", m.TradeCount)
	fmt.Printf("Wins:               %d (%.2f%%)\n", m.WinCount, m.WinRate*100)
	if m.GainLossDefined {
		fmt.Printf("Gain/Loss Ratio:    %.2f\n", m.GainLossRatio)
	} else {
		fmt.Printf("Gain/Loss Ratio:    insufficient data\n")
	}
	fmt.Printf("Holding Time:       %.2f%%\n", m.HoldingTimeRatio*100)
	fmt.Printf("Period:             %d days\n", m.PeriodDays)
}
