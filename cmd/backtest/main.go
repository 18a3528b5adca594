package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/minjae-oh/quantcore/internal/backtest"
	"github.com/minjae-oh/quantcore/internal/csvio"
	"github.com/minjae-oh/quantcore/internal/resample"
	"github.com/minjae-oh/quantcore/internal/types"
)

func main() {
	csvPath := flag.String("csv", "", "Input CSV of minute bars (timestamp,open,high,low,close[,volume_quote[,volume_base]])")
	name := flag.String("strategy", "Relative_Strength_Index", "Strategy name")
	param1 := flag.Int("param1", 14, "First strategy parameter")
	param2 := flag.Int("param2", 0, "Second strategy parameter (0 = unset)")
	stopLoss := flag.Float64("stoploss", 0, "Trailing stop percent (0 = disabled)")
	at := flag.String("at", "00:00", "Daily execution time HH:MM, UTC")
	fee := flag.Float64("fee", backtest.DefaultFeeRate, "Per-side fee rate")
	out := flag.String("out", "", "Optional per-bar results CSV path")
	flag.Parse()

	if *csvPath == "" {
		slog.Error("-csv is required")
		return
	}

	execTime, err := parseTimeOfDay(*at)
	if err != nil {
		slog.Error("Invalid -at value", "error", err)
		return
	}

	def := types.StrategyDefinition{Name: *name, Param1: *param1}
	if *param2 != 0 {
		def.Param2 = param2
	}
	if *stopLoss != 0 {
		def.StopLossPercent = stopLoss
	}

	bars, err := csvio.ReadBarsFile(*csvPath)
	if err != nil {
		slog.Error("Failed to load bars", "error", err)
		return
	}
	slog.Info("Loaded bars", "count", len(bars))

	series := resample.Resample(bars, execTime)
	slog.Info("Resampled to daily bars", "count", len(series), "at", execTime)

	cfg := backtest.DefaultConfig()
	cfg.FeeRate = *fee
	result, err := backtest.Run(def, series, cfg)
	if err != nil {
		slog.Error("Simulation failed", "error", err)
		return
	}

	result.Calculate().Print()

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			slog.Error("Failed to create output file", "error", err)
			return
		}
		defer f.Close()
		if err := result.WriteCSV(f); err != nil {
			slog.Error("Failed to write results", "error", err)
			return
		}
		slog.Info("Wrote per-bar results", "path", *out)
	}
}

func parseTimeOfDay(s string) (types.TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return types.TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return types.TimeOfDay{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return types.TimeOfDay{}, fmt.Errorf("time of day out of range: %q", s)
	}
	return types.TimeOfDay{Hour: hour, Minute: minute}, nil
}
