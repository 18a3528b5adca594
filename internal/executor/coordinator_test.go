package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjae-oh/quantcore/internal/types"
)

type fakeSubStore struct {
	mu         sync.Mutex
	subs       []types.Subscription
	catalog    []types.CatalogStrategy
	positions  map[uint]types.PositionState
	active     map[uint]bool
	recomputed []uint
}

func newFakeSubStore(subs ...types.Subscription) *fakeSubStore {
	return &fakeSubStore{
		subs:      subs,
		positions: make(map[uint]types.PositionState),
		active:    make(map[uint]bool),
	}
}

func (s *fakeSubStore) ActiveAt(_ context.Context, at types.TimeOfDay) ([]types.Subscription, error) {
	var due []types.Subscription
	for _, sub := range s.subs {
		if sub.Active && sub.ExecutionTime == at {
			due = append(due, sub)
		}
	}
	return due, nil
}

func (s *fakeSubStore) Markets(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var markets []string
	for _, sub := range s.subs {
		if sub.Active && !seen[sub.Market] {
			seen[sub.Market] = true
			markets = append(markets, sub.Market)
		}
	}
	return markets, nil
}

func (s *fakeSubStore) Catalog(_ context.Context) ([]types.CatalogStrategy, error) {
	return s.catalog, nil
}

func (s *fakeSubStore) UpdatePosition(_ context.Context, id uint, state types.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[id] = state
	return nil
}

func (s *fakeSubStore) SetActive(_ context.Context, id uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = active
	return nil
}

func (s *fakeSubStore) RecomputeAllocation(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputed = append(s.recomputed, userID)
	return nil
}

// fakeBarStore mirrors the store contract: appends replace any earlier
// row with the same timestamp, so re-ingesting an overlap is harmless.
type fakeBarStore struct {
	mu       sync.Mutex
	latest   time.Time
	bars     []types.Bar
	appended int
}

func (b *fakeBarStore) Append(_ context.Context, _ string, bars []types.Bar) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended += len(bars)
	for _, bar := range bars {
		replaced := false
		for i := range b.bars {
			if b.bars[i].Timestamp.Equal(bar.Timestamp) {
				b.bars[i] = bar
				replaced = true
				break
			}
		}
		if !replaced {
			b.bars = append(b.bars, bar)
		}
		if bar.Timestamp.After(b.latest) {
			b.latest = bar.Timestamp
		}
	}
	return nil
}

func (b *fakeBarStore) Latest(_ context.Context, _ string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, nil
}

func (b *fakeBarStore) History(_ context.Context, _ string, since time.Time) ([]types.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Bar
	for _, bar := range b.bars {
		if !bar.Timestamp.Before(since) {
			out = append(out, bar)
		}
	}
	return out, nil
}

type fakeMarketData struct {
	bars []types.Bar
	err  error
}

func (m *fakeMarketData) FetchBars(_ context.Context, _ string, since time.Time) ([]types.Bar, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []types.Bar
	for _, bar := range m.bars {
		if !bar.Timestamp.Before(since) {
			out = append(out, bar)
		}
	}
	return out, nil
}

type fakeBroker struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	balErr    error
	balFails  int
	placed    []placedOrder
	placeErr  error
	status    OrderStatus
	statusErr error
	// unfilledPolls delays the fill by that many Order calls.
	unfilledPolls int
	orderCalls    int
}

type placedOrder struct {
	side   OrderSide
	market string
	amount decimal.Decimal
}

func (b *fakeBroker) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balFails > 0 {
		b.balFails--
		return decimal.Zero, errors.New("temporarily unavailable")
	}
	return b.balance, b.balErr
}

func (b *fakeBroker) PlaceMarketOrder(_ context.Context, side OrderSide, market string, amount decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return "", b.placeErr
	}
	b.placed = append(b.placed, placedOrder{side: side, market: market, amount: amount})
	return "order-1", nil
}

func (b *fakeBroker) Order(_ context.Context, _ string) (OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderCalls++
	if b.statusErr != nil {
		return OrderStatus{}, b.statusErr
	}
	if b.orderCalls <= b.unfilledPolls {
		return OrderStatus{Filled: false}, nil
	}
	return b.status, nil
}

type fakeBrokerFactory struct{ broker *fakeBroker }

func (f *fakeBrokerFactory) BrokerFor(_ context.Context, _ uint) (Broker, error) {
	return f.broker, nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	writes map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{writes: make(map[string]float64)}
}

func (m *fakeMetrics) Write(_ context.Context, entityID, window string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[entityID+"/"+window] = value
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FreshnessAttempts = 3
	cfg.FreshnessDelay = 0
	cfg.FillAttempts = 3
	cfg.FillDelay = 0
	cfg.BrokerAttempts = 2
	cfg.BrokerBackoff = 0
	return cfg
}

func testCoordinator(subs *fakeSubStore, bars *fakeBarStore, broker *fakeBroker) *Coordinator {
	c := New(testConfig(), subs, bars, &fakeMarketData{}, &fakeBrokerFactory{broker: broker}, NewMemLocker(), newFakeMetrics(), NewQueue(64))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func rsiSub(id uint, market string, at types.TimeOfDay) types.Subscription {
	return types.Subscription{
		ID:             id,
		UserID:         id,
		Market:         market,
		Strategy:       types.StrategyDefinition{Name: "Relative_Strength_Index", Param1: 14},
		ExecutionTime:  at,
		InvestingLimit: 100_000,
		Active:         true,
	}
}

func TestRunDispatchTick_DispatchesOnlyDueSubscriptions(t *testing.T) {
	at := types.TimeOfDay{Hour: 9, Minute: 30}
	other := types.TimeOfDay{Hour: 9, Minute: 31}

	store := newFakeSubStore(
		rsiSub(1, "KRW-BTC", at),
		rsiSub(2, "KRW-ETH", at),
		rsiSub(3, "KRW-BTC", other),
	)
	inactive := rsiSub(4, "KRW-XRP", at)
	inactive.Active = false
	store.subs = append(store.subs, inactive)

	c := testCoordinator(store, &fakeBarStore{}, &fakeBroker{})

	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	dispatched, err := c.RunDispatchTick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
}

func TestRunDispatchTick_PerformanceJobOnlyAtTopOfHour(t *testing.T) {
	store := newFakeSubStore()
	c := testCoordinator(store, &fakeBarStore{}, &fakeBroker{})

	_, err := c.RunDispatchTick(context.Background(), time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, c.queue.Len())

	_, err = c.RunDispatchTick(context.Background(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, c.queue.Len())
}

func TestRefreshMarket_SingleFlight(t *testing.T) {
	locker := NewMemLocker()
	held, err := locker.Acquire(context.Background(), "refresh:KRW-BTC", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	bars := &fakeBarStore{}
	source := &fakeMarketData{err: errors.New("must not be called")}
	c := New(testConfig(), newFakeSubStore(), bars, source, &fakeBrokerFactory{}, locker, newFakeMetrics(), NewQueue(1))

	// Lock is held elsewhere, so the refresh is a quiet no-op.
	err = c.RefreshMarket(context.Background(), "KRW-BTC", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, bars.appended)
}

func TestRefreshMarket_AppendsMissingBars(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	var feed []types.Bar
	for i := 0; i < 5; i++ {
		feed = append(feed, types.Bar{Timestamp: now.Add(time.Duration(i-5) * time.Minute), Close: 100})
	}

	bars := &fakeBarStore{latest: now.Add(-5 * time.Minute)}
	bars.bars = []types.Bar{{Timestamp: bars.latest, Close: 99}}

	c := New(testConfig(), newFakeSubStore(), bars, &fakeMarketData{bars: feed}, &fakeBrokerFactory{}, NewMemLocker(), newFakeMetrics(), NewQueue(1))

	require.NoError(t, c.RefreshMarket(context.Background(), "KRW-BTC", now))
	// The stored latest bar is refetched inclusively along with the gap.
	require.Len(t, bars.bars, 5)
	assert.Equal(t, 100.0, bars.bars[0].Close, "stored snapshot superseded by the refetched bar")

	// Lock was released, so a second refresh may run; the overlap is
	// replaced, not duplicated.
	require.NoError(t, c.RefreshMarket(context.Background(), "KRW-BTC", now))
	assert.Len(t, bars.bars, 5)
}

func TestRefreshMarket_SupersedesFormingBarSnapshot(t *testing.T) {
	tick := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	formed := tick.Add(-time.Minute)

	// The previous tick stored the 09:29 bar while that minute was still
	// trading; the exchange now serves its final version.
	bars := &fakeBarStore{latest: formed}
	bars.bars = []types.Bar{{Timestamp: formed, Close: 100}}
	source := &fakeMarketData{bars: []types.Bar{{Timestamp: formed, Close: 200}}}

	c := New(testConfig(), newFakeSubStore(), bars, source, &fakeBrokerFactory{}, NewMemLocker(), newFakeMetrics(), NewQueue(1))
	require.NoError(t, c.RefreshMarket(context.Background(), "KRW-BTC", tick))

	history, err := bars.History(context.Background(), "KRW-BTC", formed)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 200.0, history[0].Close, "mid-minute snapshot must not survive the next refresh")
}

func TestMemLocker_AtMostOneHolder(t *testing.T) {
	locker := NewMemLocker()
	ctx := context.Background()

	var mu sync.Mutex
	acquired := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locker.Acquire(ctx, "refresh:KRW-BTC", time.Hour)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)

	require.NoError(t, locker.Release(ctx, "refresh:KRW-BTC"))
	ok, err := locker.Acquire(ctx, "refresh:KRW-BTC", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemLocker_LeaseExpires(t *testing.T) {
	locker := NewMemLocker()
	current := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return current }

	ok, _ := locker.Acquire(context.Background(), "refresh:KRW-BTC", time.Hour)
	require.True(t, ok)

	ok, _ = locker.Acquire(context.Background(), "refresh:KRW-BTC", time.Hour)
	assert.False(t, ok)

	current = current.Add(61 * time.Minute)
	ok, _ = locker.Acquire(context.Background(), "refresh:KRW-BTC", time.Hour)
	assert.True(t, ok, "expired lease should be reclaimable")
}

func TestExecuteSubscription_StaleDataAborts(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	bars := &fakeBarStore{latest: now.Add(-10 * time.Minute)}
	c := testCoordinator(newFakeSubStore(), bars, &fakeBroker{})

	_, err := c.ExecuteSubscription(context.Background(), rsiSub(1, "KRW-BTC", types.TimeOfDay{Hour: 9, Minute: 30}), now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataNotReady)
}

func TestExecuteSubscription_PreviousMinuteBarIsStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	bars := &fakeBarStore{latest: now.Add(-time.Minute)}
	c := testCoordinator(newFakeSubStore(), bars, &fakeBroker{})

	_, err := c.ExecuteSubscription(context.Background(), rsiSub(1, "KRW-BTC", types.TimeOfDay{Hour: 9, Minute: 30}), now)
	assert.ErrorIs(t, err, ErrDataNotReady, "latest bar must carry the tick minute")
}

func freshSub(id uint) (types.Subscription, *fakeBarStore, time.Time) {
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	bars := &fakeBarStore{latest: now}
	return rsiSub(id, "KRW-BTC", types.TimeOfDay{Hour: 9, Minute: 30}), bars, now
}

func TestExecuteSubscription_BuyFlow(t *testing.T) {
	sub, bars, now := freshSub(1)
	store := newFakeSubStore(sub)
	broker := &fakeBroker{
		balance:       decimal.NewFromInt(1_000_000),
		unfilledPolls: 1,
		status: OrderStatus{
			Filled:      true,
			ExecutedQty: decimal.RequireFromString("0.0015"),
			AvgPrice:    decimal.NewFromInt(66_000_000),
		},
	}

	c := testCoordinator(store, bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.BUY, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusBought, outcome.Status)
	assert.Equal(t, "order-1", outcome.OrderID)

	require.Len(t, broker.placed, 1)
	assert.Equal(t, SideBuy, broker.placed[0].side)
	// Spend is capped by the investing limit, not the full balance.
	assert.True(t, broker.placed[0].amount.Equal(decimal.NewFromInt(100_000)),
		"spent %s", broker.placed[0].amount)

	state := store.positions[sub.ID]
	assert.True(t, state.Holding)
	assert.InDelta(t, 0.0015, state.UnitsPendingSale, 1e-12)
}

func TestExecuteSubscription_BuySpendCappedBySafetyMargin(t *testing.T) {
	sub, bars, now := freshSub(1)
	sub.InvestingLimit = 10_000_000
	broker := &fakeBroker{
		balance: decimal.NewFromInt(100_000),
		status:  OrderStatus{Filled: true, ExecutedQty: decimal.NewFromInt(1)},
	}

	c := testCoordinator(newFakeSubStore(sub), bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.BUY, nil
	}

	_, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	require.Len(t, broker.placed, 1)
	want := decimal.NewFromInt(100_000).Mul(decimal.NewFromFloat(0.9995))
	assert.True(t, broker.placed[0].amount.Equal(want), "spent %s", broker.placed[0].amount)
}

func TestExecuteSubscription_InsufficientFundsIsNotAnError(t *testing.T) {
	sub, bars, now := freshSub(1)
	broker := &fakeBroker{balance: decimal.NewFromInt(3000)}

	c := testCoordinator(newFakeSubStore(sub), bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.BUY, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientFunds, outcome.Status)
	assert.Empty(t, broker.placed, "no order below the exchange minimum")
}

func TestExecuteSubscription_BuyRetriesTransientBalanceFailure(t *testing.T) {
	sub, bars, now := freshSub(1)
	broker := &fakeBroker{
		balance:  decimal.NewFromInt(1_000_000),
		balFails: 1,
		status:   OrderStatus{Filled: true, ExecutedQty: decimal.NewFromInt(1)},
	}

	c := testCoordinator(newFakeSubStore(sub), bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.BUY, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusBought, outcome.Status)
}

func TestExecuteSubscription_BuyFillTimeoutLeavesPositionUntouched(t *testing.T) {
	sub, bars, now := freshSub(1)
	store := newFakeSubStore(sub)
	broker := &fakeBroker{
		balance:       decimal.NewFromInt(1_000_000),
		unfilledPolls: 100,
	}

	c := testCoordinator(store, bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.BUY, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderFillTimeout)
	assert.Equal(t, "order-1", outcome.OrderID, "order id surfaced for reconciliation")
	_, updated := store.positions[sub.ID]
	assert.False(t, updated)
}

func TestExecuteSubscription_SellFlow(t *testing.T) {
	sub, bars, now := freshSub(1)
	sub.Position = types.PositionState{Holding: true, UnitsPendingSale: 0.25}
	store := newFakeSubStore(sub)
	broker := &fakeBroker{
		status: OrderStatus{Filled: true, ExecutedQty: decimal.RequireFromString("0.25")},
	}

	c := testCoordinator(store, bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.SELL, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusSold, outcome.Status)

	require.Len(t, broker.placed, 1)
	assert.Equal(t, SideSell, broker.placed[0].side)
	assert.True(t, broker.placed[0].amount.Equal(decimal.RequireFromString("0.25")))

	assert.Equal(t, types.Flat(), store.positions[sub.ID])
	assert.Equal(t, []uint{sub.UserID}, store.recomputed)
}

func TestExecuteSubscription_SellWithNothingHeld(t *testing.T) {
	sub, bars, now := freshSub(1)
	broker := &fakeBroker{}

	c := testCoordinator(newFakeSubStore(sub), bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.SELL, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusNothingToSell, outcome.Status)
	assert.Empty(t, broker.placed)
}

func TestExecuteSubscription_HoldPlacesNoOrder(t *testing.T) {
	sub, bars, now := freshSub(1)
	broker := &fakeBroker{}
	c := testCoordinator(newFakeSubStore(sub), bars, broker)
	c.decide = func(types.StrategyDefinition, types.PositionState, []types.ResampledBar) (types.Action, error) {
		return types.STAY, nil
	}

	outcome, err := c.ExecuteSubscription(context.Background(), sub, now)
	require.NoError(t, err)
	assert.Equal(t, StatusNoAction, outcome.Status)
	assert.Empty(t, broker.placed)
}

func TestActivate_WithDeclaredHoldings(t *testing.T) {
	store := newFakeSubStore()
	bars := &fakeBarStore{latest: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	c := testCoordinator(store, bars, &fakeBroker{})

	sub := rsiSub(7, "KRW-BTC", types.TimeOfDay{Hour: 9})
	sub.Active = false

	result, err := c.Activate(context.Background(), sub, 0.5)
	require.NoError(t, err)
	assert.Equal(t, ActivationStartedHeld, result)
	assert.True(t, store.active[7])
	assert.Equal(t, types.PositionState{Holding: true, UnitsPendingSale: 0.5}, store.positions[7])
}

func TestActivate_MarketWithoutHistory(t *testing.T) {
	store := newFakeSubStore()
	c := testCoordinator(store, &fakeBarStore{}, &fakeBroker{})

	sub := rsiSub(7, "KRW-NEW", types.TimeOfDay{Hour: 9})
	sub.Active = false

	result, err := c.Activate(context.Background(), sub, 0)
	require.NoError(t, err)
	assert.Equal(t, ActivationNoData, result)
	assert.Empty(t, store.active, "no writes when the market has no data")
}

func TestActivate_AlreadyActive(t *testing.T) {
	store := newFakeSubStore()
	c := testCoordinator(store, &fakeBarStore{}, &fakeBroker{})

	result, err := c.Activate(context.Background(), rsiSub(7, "KRW-BTC", types.TimeOfDay{Hour: 9}), 0)
	require.NoError(t, err)
	assert.Equal(t, ActivationAlreadyActive, result)
	assert.Empty(t, store.active, "no writes for a no-op")
}

func TestDeactivate_ClearsPosition(t *testing.T) {
	store := newFakeSubStore()
	c := testCoordinator(store, &fakeBarStore{}, &fakeBroker{})

	sub := rsiSub(7, "KRW-BTC", types.TimeOfDay{Hour: 9})
	sub.Position = types.PositionState{Holding: true, UnitsPendingSale: 2}

	result, err := c.Deactivate(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, ActivationStopped, result)
	assert.False(t, store.active[7])
	assert.Equal(t, types.Flat(), store.positions[7])
	assert.Equal(t, []uint{sub.UserID}, store.recomputed)
}

func TestQueue_RunDrainsJobs(t *testing.T) {
	q := NewQueue(8)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(NewJob("test", func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})))
	}
	q.Close()
	q.Run(context.Background(), 3)
	assert.Equal(t, 5, ran)
}

func TestQueue_TryEnqueueFullAndClosed(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(NewJob("test", func(context.Context) error { return nil })))
	assert.ErrorIs(t, q.TryEnqueue(NewJob("test", func(context.Context) error { return nil })), ErrQueueFull)

	q.Close()
	assert.ErrorIs(t, q.TryEnqueue(NewJob("test", func(context.Context) error { return nil })), ErrQueueClosed)
}
