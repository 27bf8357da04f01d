package trader

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

// fakeClient is an in-memory exchange. Market orders fill immediately at the mark price,
// reduce-only orders flatten the position, and limit orders rest until cancelled unless
// fillLimits is set.
type fakeClient struct {
	mu sync.Mutex

	account     string
	markets     []models.Market
	prices      map[string]float64
	accountInfo *models.Account

	positions  []models.Position
	openOrders []models.OpenOrder
	history    map[int64][]models.HistoryOrder

	marketsErr error
	pricesErr  error
	accountErr error

	// Optional per-call overrides; call counts start at 1.
	onPositions  func(call int) ([]models.Position, error)
	onOpenOrders func(call int) ([]models.OpenOrder, error)
	onUpdate     func(symbol string, leverage int) error

	positionsCalls  int
	openOrdersCalls int
	historyCalls    int
	marketsCalls    int

	fillLimits       bool
	reportFillPrice  bool
	rejectReduceOnly bool
	placeErr         error
	nextOrderID      int64

	placed        []models.OrderRequest
	cancelled     []int64
	cancelAll     []cancelAllCall
	cancelAllErr  error
	leverageCalls []int
	tpsl          []models.TPSLRequest
	tpslErr       error
}

type cancelAllCall struct {
	symbol            string
	excludeReduceOnly bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		account: "test-account",
		markets: []models.Market{
			{Symbol: "BTC", TickSize: 1, LotSize: 0.0001, MaxLeverage: 50, FundingRate: 0.0001, NextFundingRate: 0.0001},
			{Symbol: "ETH", TickSize: 0.1, LotSize: 0.01, MaxLeverage: 20, FundingRate: -0.0003, NextFundingRate: -0.0003},
			{Symbol: "SOL", TickSize: 0.01, LotSize: 0.1, MaxLeverage: 20, FundingRate: 0.00005},
		},
		prices: map[string]float64{
			"BTC": 50000,
			"ETH": 2000,
			"SOL": 100,
		},
		accountInfo: &models.Account{AvailableToSpend: 1000, Balance: 1000},
		history:     make(map[int64][]models.HistoryOrder),
		nextOrderID: 1,
	}
}

func (f *fakeClient) Account() string { return f.account }

func (f *fakeClient) GetMarkets(ctx context.Context) ([]models.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketsCalls++
	if f.marketsErr != nil {
		return nil, f.marketsErr
	}
	return append([]models.Market(nil), f.markets...), nil
}

func (f *fakeClient) GetPrices(ctx context.Context) ([]models.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pricesErr != nil {
		return nil, f.pricesErr
	}
	prices := make([]models.Price, 0, len(f.prices))
	for symbol, mark := range f.prices {
		prices = append(prices, models.Price{Symbol: symbol, Mark: mark})
	}
	return prices, nil
}

func (f *fakeClient) GetAccount(ctx context.Context) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	info := *f.accountInfo
	return &info, nil
}

func (f *fakeClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionsCalls++
	if f.onPositions != nil {
		return f.onPositions(f.positionsCalls)
	}
	return append([]models.Position(nil), f.positions...), nil
}

func (f *fakeClient) GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openOrdersCalls++
	if f.onOpenOrders != nil {
		return f.onOpenOrders(f.openOrdersCalls)
	}
	return append([]models.OpenOrder(nil), f.openOrders...), nil
}

func (f *fakeClient) GetOrderHistory(ctx context.Context, orderID int64) ([]models.HistoryOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.history[orderID], nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, *order)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if order.ReduceOnly && f.rejectReduceOnly {
		return nil, errRejected
	}

	id := f.nextOrderID
	f.nextOrderID++
	result := &models.OrderResult{OrderID: id, ClientOrderID: order.ClientOrderID}
	amount, _ := strconv.ParseFloat(order.Amount, 64)

	switch {
	case order.ReduceOnly:
		f.removePosition(order.Symbol)
	case order.Type == models.OrderTypeMarket || f.fillLimits:
		price := f.prices[order.Symbol]
		if order.Type == models.OrderTypeLimit {
			price, _ = strconv.ParseFloat(order.Price, 64)
		}
		signed := amount
		if order.Side == models.SideAsk {
			signed = -amount
		}
		f.positions = append(f.positions, models.Position{
			Symbol:     order.Symbol,
			Side:       order.Side,
			Amount:     signed,
			EntryPrice: price,
			Leverage:   5,
		})
		if f.reportFillPrice {
			result.FillPrice = price
		}
	default:
		price, _ := strconv.ParseFloat(order.Price, 64)
		f.openOrders = append(f.openOrders, models.OpenOrder{
			OrderID:       id,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Price:         price,
			InitialAmount: amount,
		})
	}
	return result, nil
}

func (f *fakeClient) removePosition(symbol string) {
	kept := f.positions[:0]
	for _, p := range f.positions {
		if p.Symbol != symbol {
			kept = append(kept, p)
		}
	}
	f.positions = kept
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	kept := f.openOrders[:0]
	for _, o := range f.openOrders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	f.openOrders = kept
	return nil
}

func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string, excludeReduceOnly bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll = append(f.cancelAll, cancelAllCall{symbol: symbol, excludeReduceOnly: excludeReduceOnly})
	if f.cancelAllErr != nil {
		return 0, f.cancelAllErr
	}
	n := len(f.openOrders)
	f.openOrders = nil
	return n, nil
}

func (f *fakeClient) UpdateLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageCalls = append(f.leverageCalls, leverage)
	if f.onUpdate != nil {
		return f.onUpdate(symbol, leverage)
	}
	return nil
}

func (f *fakeClient) SetPositionTPSL(ctx context.Context, req *models.TPSLRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpsl = append(f.tpsl, *req)
	return f.tpslErr
}

var errRejected = errors.New("order rejected")

// recordingSleeper returns immediately and remembers every requested pause.
type recordingSleeper struct {
	durations []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	return ctx.Err()
}

func (s *recordingSleeper) count(d time.Duration) int {
	n := 0
	for _, got := range s.durations {
		if got == d {
			n++
		}
	}
	return n
}

// instantTimer satisfies backoff.Timer without waiting.
type instantTimer struct {
	ch    chan time.Time
	waits []time.Duration
}

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.ch = make(chan time.Time, 1)
	t.ch <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.ch }

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []EventType {
	types := make([]EventType, len(s.events))
	for i, e := range s.events {
		types[i] = e.Type
	}
	return types
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Markets = []string{"BTC", "ETH", "SOL"}
	s.PositionSize = Range{Min: 0.8, Max: 0.8}
	s.HoldTimeMinutes = IntRange{Min: 1, Max: 1}
	s.DelaySeconds = IntRange{Min: 30, Max: 30}
	s.TakeProfit = Range{Min: 0.001, Max: 0.001}
	s.StopLoss = Range{Min: 0.003, Max: 0.003}
	s.Slippage = Range{Min: 0.0005, Max: 0.0005}
	return s
}

type testTrader struct {
	*VolumeTrader
	client  *fakeClient
	sleeper *recordingSleeper
	timer   *instantTimer
	sink    *recordingSink
}

func newTestTrader(client *fakeClient, mutate func(*Settings)) *testTrader {
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	sleeper := &recordingSleeper{}
	timer := &instantTimer{}
	sink := &recordingSink{}
	trader, err := NewVolumeTrader(client, settings, testLogger(),
		WithSleeper(sleeper.Sleep),
		WithRand(rand.New(rand.NewSource(42))),
		WithBackoffTimer(timer),
		WithEventSink(sink),
	)
	if err != nil {
		panic(err)
	}
	return &testTrader{VolumeTrader: trader, client: client, sleeper: sleeper, timer: timer, sink: sink}
}
