// Package executor schedules and runs subscription executions. A minute
// tick selects due subscriptions and enqueues one independent job per
// match; market-data refresh is guarded by a leased distributed lock so at
// most one refresh per market is in flight across all workers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minjae-oh/quantcore/internal/logging"
	"github.com/minjae-oh/quantcore/internal/resample"
	"github.com/minjae-oh/quantcore/internal/signal"
	"github.com/minjae-oh/quantcore/internal/types"
)

var log = logging.New("executor")

// MarketData fetches raw minute bars from the exchange.
type MarketData interface {
	FetchBars(ctx context.Context, market string, since time.Time) ([]types.Bar, error)
}

// BarStore persists bar history. Bars are appended by refresh jobs and
// never edited.
type BarStore interface {
	Append(ctx context.Context, market string, bars []types.Bar) error
	Latest(ctx context.Context, market string) (time.Time, error)
	History(ctx context.Context, market string, since time.Time) ([]types.Bar, error)
}

const (
	SideBuy  OrderSide = "bid"
	SideSell OrderSide = "ask"
)

// OrderSide is the exchange-facing order direction.
type OrderSide string

// OrderStatus is the broker's view of a placed order.
type OrderStatus struct {
	Filled      bool
	ExecutedQty decimal.Decimal
	PaidFee     decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Broker places and inspects orders on behalf of one user.
type Broker interface {
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
	// PlaceMarketOrder submits a market order. For buys, amount is quote
	// currency to spend; for sells, base currency quantity.
	PlaceMarketOrder(ctx context.Context, side OrderSide, market string, amount decimal.Decimal) (string, error)
	Order(ctx context.Context, orderID string) (OrderStatus, error)
}

// BrokerFactory resolves the broker client for a subscription's user.
type BrokerFactory interface {
	BrokerFor(ctx context.Context, userID uint) (Broker, error)
}

// SubscriptionStore reads and writes the externally-owned subscription
// records. Writes are last-writer-wins.
type SubscriptionStore interface {
	ActiveAt(ctx context.Context, at types.TimeOfDay) ([]types.Subscription, error)
	Markets(ctx context.Context) ([]string, error)
	Catalog(ctx context.Context) ([]types.CatalogStrategy, error)
	UpdatePosition(ctx context.Context, subscriptionID uint, state types.PositionState) error
	SetActive(ctx context.Context, subscriptionID uint, active bool) error
	// RecomputeAllocation refreshes the user's available balance split
	// after an exit frees funds.
	RecomputeAllocation(ctx context.Context, userID uint) error
}

// Locker is a distributed lease-based lock. Acquire is non-blocking: a
// false return means another worker holds the lease.
type Locker interface {
	Acquire(ctx context.Context, name string, lease time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// MetricsSink persists computed performance numbers for later display.
type MetricsSink interface {
	Write(ctx context.Context, entityID, window string, value float64) error
}

// Config carries the coordinator's tuning knobs. Everything is explicit;
// there is no process-wide configuration state.
type Config struct {
	QuoteCurrency string
	// MinOrderAmount is the exchange's minimum order size in quote
	// currency (5,000 KRW on Upbit).
	MinOrderAmount float64
	// SafetyMargin is the portion of the available balance that may be
	// spent, leaving headroom for fees.
	SafetyMargin float64

	// FreshnessAttempts/FreshnessDelay bound the wait for bars to catch
	// up to the current minute.
	FreshnessAttempts int
	FreshnessDelay    time.Duration

	// FillAttempts/FillDelay bound order-fill polling.
	FillAttempts int
	FillDelay    time.Duration

	// BrokerAttempts/BrokerBackoff bound retries of broker API calls.
	BrokerAttempts int
	BrokerBackoff  time.Duration

	// RefreshLease is the data-refresh lock lease; an expired lease lets
	// a future tick recover from a crashed holder.
	RefreshLease time.Duration

	// HistoryDays is how much bar history execution decisions load.
	HistoryDays int
}

// DefaultConfig mirrors production settings.
func DefaultConfig() Config {
	return Config{
		QuoteCurrency:     "KRW",
		MinOrderAmount:    5000,
		SafetyMargin:      0.9995,
		FreshnessAttempts: 10,
		FreshnessDelay:    500 * time.Millisecond,
		FillAttempts:      20,
		FillDelay:         250 * time.Millisecond,
		BrokerAttempts:    3,
		BrokerBackoff:     time.Second,
		RefreshLease:      time.Hour,
		HistoryDays:       400,
	}
}

// Coordinator wires the external collaborators together.
type Coordinator struct {
	cfg     Config
	subs    SubscriptionStore
	bars    BarStore
	source  MarketData
	brokers BrokerFactory
	locker  Locker
	metrics MetricsSink
	queue   *Queue

	resample func([]types.Bar, types.TimeOfDay) []types.ResampledBar
	decide   func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error)
	sleep    func(context.Context, time.Duration) error
}

// New builds a coordinator. The queue is owned by the caller, who decides
// how many workers drain it.
func New(cfg Config, subs SubscriptionStore, bars BarStore, source MarketData, brokers BrokerFactory, locker Locker, metrics MetricsSink, queue *Queue) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		subs:     subs,
		bars:     bars,
		source:   source,
		brokers:  brokers,
		locker:   locker,
		metrics:  metrics,
		queue:    queue,
		resample: resample.Resample,
		decide:   signal.Decide,
		sleep:    sleepCtx,
	}
}

// RunDispatchTick is the once-per-minute scheduler entry point. It
// enqueues refresh jobs for every tracked market, one execution job per
// subscription due at this minute, and (top of the hour) the catalog
// performance refresh. Returns the number of execution jobs enqueued.
func (c *Coordinator) RunDispatchTick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC().Truncate(time.Minute)

	markets, err := c.subs.Markets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing markets: %w", err)
	}
	for _, market := range markets {
		if err := c.queue.TryEnqueue(NewJob("refresh", func(ctx context.Context) error {
			return c.RefreshMarket(ctx, market, now)
		})); err != nil {
			slog.Warn("Dropping refresh job", "market", market, "error", err)
		}
	}

	due, err := c.subs.ActiveAt(ctx, types.TimeOfDayUTC(now))
	if err != nil {
		return 0, fmt.Errorf("selecting due subscriptions: %w", err)
	}

	dispatched := 0
	for _, sub := range due {
		job := NewJob("execute", func(ctx context.Context) error {
			outcome, err := c.ExecuteSubscription(ctx, sub, now)
			if err != nil {
				return err
			}
			slog.Info("Execution finished", "subscription", sub.ID, "action", outcome.Action, "status", outcome.Status)
			return nil
		})
		if err := c.queue.TryEnqueue(job); err != nil {
			slog.Warn("Dropping execution job", "subscription", sub.ID, "error", err)
			continue
		}
		dispatched++
	}

	if now.Minute() == 0 {
		if err := c.queue.TryEnqueue(NewJob("performance", func(ctx context.Context) error {
			return c.UpdatePerformance(ctx, now)
		})); err != nil {
			slog.Warn("Dropping performance job", "error", err)
		}
	}

	slog.Info("Dispatch tick", "at", now, "dispatched", dispatched)
	return dispatched, nil
}

// RefreshMarket fetches bars missing between the stored history and now.
// The per-market lock makes the job single-flight: losing the acquire
// means another worker is already refreshing, so this tick is a no-op.
func (c *Coordinator) RefreshMarket(ctx context.Context, market string, now time.Time) error {
	lockName := "refresh:" + market
	ok, err := c.locker.Acquire(ctx, lockName, c.cfg.RefreshLease)
	if err != nil {
		return fmt.Errorf("acquiring refresh lock for %s: %w", market, err)
	}
	if !ok {
		log.Debug("Refresh already in flight", "market", market)
		return nil
	}
	defer func() {
		if err := c.locker.Release(ctx, lockName); err != nil {
			slog.Warn("Releasing refresh lock failed", "market", market, "error", err)
		}
	}()

	since, err := c.bars.Latest(ctx, market)
	if err != nil {
		return fmt.Errorf("reading latest bar for %s: %w", market, err)
	}
	if since.IsZero() {
		since = now.AddDate(0, 0, -c.cfg.HistoryDays)
	}
	// Refetch from the stored latest bar inclusive: that bar was appended
	// while its minute was still forming, and the replacing key in the
	// store collapses the re-ingested final version over the snapshot.

	bars, err := c.source.FetchBars(ctx, market, since)
	if err != nil {
		return fmt.Errorf("fetching bars for %s: %w", market, err)
	}
	if len(bars) == 0 {
		return nil
	}
	if err := c.bars.Append(ctx, market, bars); err != nil {
		return fmt.Errorf("appending bars for %s: %w", market, err)
	}

	log.Debug("Refreshed market", "market", market, "bars", len(bars))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
