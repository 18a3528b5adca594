package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minjae-oh/quantcore/internal/backtest"
	"github.com/minjae-oh/quantcore/internal/types"
)

const (
	StatusNoAction          OutcomeStatus = "no_action"
	StatusBought            OutcomeStatus = "bought"
	StatusSold              OutcomeStatus = "sold"
	StatusInsufficientFunds OutcomeStatus = "insufficient_funds"
	StatusNothingToSell     OutcomeStatus = "nothing_to_sell"
)

// OutcomeStatus classifies how an execution concluded. Statuses other
// than bought/sold are normal results, not errors.
type OutcomeStatus string

// Outcome summarizes one subscription execution.
type Outcome struct {
	Action types.Action
	Status OutcomeStatus
	// OrderID is set when an order was placed.
	OrderID string
	// Filled holds the broker's final order state when an order filled.
	Filled *OrderStatus
}

// ExecuteSubscription runs one subscription's decision for the tick at
// now: wait for fresh bars, resample, decide, and place whatever order
// the decision requires. Order fills update the stored position before
// returning; an unconfirmed fill leaves the position untouched and
// surfaces ErrOrderFillTimeout so the operator can reconcile manually.
func (c *Coordinator) ExecuteSubscription(ctx context.Context, sub types.Subscription, now time.Time) (Outcome, error) {
	series, err := c.freshSeries(ctx, sub, now)
	if err != nil {
		return Outcome{}, err
	}

	action, err := c.decide(sub.Strategy, sub.Position, series)
	if err != nil {
		return Outcome{}, fmt.Errorf("deciding for subscription %d: %w", sub.ID, err)
	}

	switch action {
	case types.BUY:
		return c.executeBuy(ctx, sub)
	case types.SELL:
		return c.executeSell(ctx, sub)
	default:
		return Outcome{Action: action, Status: StatusNoAction}, nil
	}
}

// freshSeries loads bar history and polls until the latest stored bar
// carries the current tick minute. Stale data after the attempt budget
// aborts the execution rather than deciding on an old bar.
func (c *Coordinator) freshSeries(ctx context.Context, sub types.Subscription, now time.Time) ([]types.ResampledBar, error) {
	want := now
	since := now.AddDate(0, 0, -c.cfg.HistoryDays)

	for attempt := 0; attempt < c.cfg.FreshnessAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.FreshnessDelay); err != nil {
				return nil, err
			}
		}
		latest, err := c.bars.Latest(ctx, sub.Market)
		if err != nil {
			return nil, fmt.Errorf("reading latest bar for %s: %w", sub.Market, err)
		}
		if latest.Before(want) {
			log.Debug("Bars not fresh yet", "market", sub.Market, "latest", latest, "want", want)
			continue
		}
		bars, err := c.bars.History(ctx, sub.Market, since)
		if err != nil {
			return nil, fmt.Errorf("loading history for %s: %w", sub.Market, err)
		}
		return c.resample(bars, sub.ExecutionTime), nil
	}
	return nil, fmt.Errorf("market %s: %w", sub.Market, ErrDataNotReady)
}

func (c *Coordinator) executeBuy(ctx context.Context, sub types.Subscription) (Outcome, error) {
	broker, err := c.brokers.BrokerFor(ctx, sub.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolving broker for user %d: %w", sub.UserID, err)
	}

	var balance decimal.Decimal
	err = c.withRetry(ctx, "balance", func() error {
		var err error
		balance, err = broker.Balance(ctx, c.cfg.QuoteCurrency)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	spendable := balance.Mul(decimal.NewFromFloat(c.cfg.SafetyMargin))
	limit := decimal.NewFromFloat(sub.InvestingLimit)
	if spendable.GreaterThan(limit) {
		spendable = limit
	}
	if spendable.LessThan(decimal.NewFromFloat(c.cfg.MinOrderAmount)) {
		slog.Warn("Buy skipped, insufficient funds", "subscription", sub.ID, "spendable", spendable)
		return Outcome{Action: types.BUY, Status: StatusInsufficientFunds}, nil
	}

	var orderID string
	err = c.withRetry(ctx, "place buy order", func() error {
		var err error
		orderID, err = broker.PlaceMarketOrder(ctx, SideBuy, sub.Market, spendable)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	status, err := c.awaitFill(ctx, broker, orderID)
	if err != nil {
		return Outcome{Action: types.BUY, OrderID: orderID}, err
	}

	qty, _ := status.ExecutedQty.Float64()
	state := types.PositionState{Holding: true, UnitsPendingSale: qty}
	if err := c.subs.UpdatePosition(ctx, sub.ID, state); err != nil {
		return Outcome{}, fmt.Errorf("recording buy for subscription %d: %w", sub.ID, err)
	}

	slog.Info("Bought", "subscription", sub.ID, "market", sub.Market, "qty", qty, "order", orderID)
	return Outcome{Action: types.BUY, Status: StatusBought, OrderID: orderID, Filled: &status}, nil
}

func (c *Coordinator) executeSell(ctx context.Context, sub types.Subscription) (Outcome, error) {
	if sub.Position.UnitsPendingSale <= 0 {
		slog.Warn("Sell signal with nothing to sell", "subscription", sub.ID)
		return Outcome{Action: types.SELL, Status: StatusNothingToSell}, nil
	}

	broker, err := c.brokers.BrokerFor(ctx, sub.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolving broker for user %d: %w", sub.UserID, err)
	}

	qty := decimal.NewFromFloat(sub.Position.UnitsPendingSale)
	var orderID string
	err = c.withRetry(ctx, "place sell order", func() error {
		var err error
		orderID, err = broker.PlaceMarketOrder(ctx, SideSell, sub.Market, qty)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	status, err := c.awaitFill(ctx, broker, orderID)
	if err != nil {
		return Outcome{Action: types.SELL, OrderID: orderID}, err
	}

	if err := c.subs.UpdatePosition(ctx, sub.ID, types.Flat()); err != nil {
		return Outcome{}, fmt.Errorf("recording sell for subscription %d: %w", sub.ID, err)
	}
	if err := c.subs.RecomputeAllocation(ctx, sub.UserID); err != nil {
		slog.Warn("Allocation recompute failed", "user", sub.UserID, "error", err)
	}

	slog.Info("Sold", "subscription", sub.ID, "market", sub.Market, "order", orderID)
	return Outcome{Action: types.SELL, Status: StatusSold, OrderID: orderID, Filled: &status}, nil
}

// awaitFill polls the broker until the order reports filled or the
// attempt budget runs out.
func (c *Coordinator) awaitFill(ctx context.Context, broker Broker, orderID string) (OrderStatus, error) {
	for attempt := 0; attempt < c.cfg.FillAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.FillDelay); err != nil {
				return OrderStatus{}, err
			}
		}
		status, err := broker.Order(ctx, orderID)
		if err != nil {
			slog.Warn("Order status check failed", "order", orderID, "error", err)
			continue
		}
		if status.Filled {
			return status, nil
		}
	}
	return OrderStatus{}, fmt.Errorf("order %s: %w", orderID, ErrOrderFillTimeout)
}

// withRetry retries transient broker failures with a fixed backoff.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.BrokerAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.BrokerBackoff); err != nil {
				return err
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		slog.Warn("Broker call failed, retrying", "op", op, "attempt", attempt+1, "error", lastErr)
	}
	return &BrokerError{Op: op, Err: lastErr}
}

// UpdatePerformance recomputes the 24h/30d/1y return windows for every
// catalog strategy and writes them to the metrics sink. Runs hourly.
func (c *Coordinator) UpdatePerformance(ctx context.Context, now time.Time) error {
	catalog, err := c.subs.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("loading strategy catalog: %w", err)
	}

	since := now.AddDate(-1, 0, -2)
	windows := []struct {
		label    string
		barsBack int
	}{
		{"24h", 1},
		{"30d", 30},
		{"1y", 365},
	}

	for _, strat := range catalog {
		bars, err := c.bars.History(ctx, strat.Market, since)
		if err != nil {
			slog.Warn("Performance refresh skipped, history load failed", "market", strat.Market, "error", err)
			continue
		}
		series := c.resample(bars, types.TimeOfDay{})
		result, err := backtest.Run(strat.Definition, series, backtest.DefaultConfig())
		if err != nil {
			slog.Warn("Performance refresh skipped, simulation failed", "strategy", strat.ID, "error", err)
			continue
		}
		entityID := fmt.Sprintf("strategy:%d", strat.ID)
		for _, w := range windows {
			value, ok := result.WindowReturn(w.barsBack)
			if !ok {
				continue
			}
			if err := c.metrics.Write(ctx, entityID, w.label, value); err != nil {
				return fmt.Errorf("writing %s performance for %s: %w", w.label, entityID, err)
			}
		}
	}

	log.Debug("Performance refresh complete", "strategies", len(catalog))
	return nil
}
