package trader

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/sirupsen/logrus"
)

const (
	entrySettle      = 2 * time.Second
	exitSettle       = 2 * time.Second
	cycleCooldown    = 10 * time.Second
	leverageGap      = 1 * time.Second
	balanceAttempts  = 5
	maxBalanceWait   = 30 * time.Second
	balanceWaitStep  = 5 * time.Second
	flattenStraggler = 1 * time.Second
)

// VolumeTrader runs one account's trading cycles until the target volume is reached.
// It is single-owner: all methods must be called from one goroutine.
type VolumeTrader struct {
	client   pacifica.Client
	gateway  *Gateway
	settings Settings
	logger   *logrus.Entry
	events   EventSink
	sleep    Sleeper
	rng      *rand.Rand
	now      func() time.Time

	account string
	runID   string

	leverage   int
	slippage   float64
	takeProfit float64
	stopLoss   float64

	cachedBalance *float64
	stats         Stats
}

type options struct {
	sleep  Sleeper
	rng    *rand.Rand
	events EventSink
	prices PriceSource
	timer  backoff.Timer
	now    func() time.Time
}

type Option func(*options)

// WithSleeper replaces the wall-clock sleep used for settle delays and polling.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

func WithEventSink(sink EventSink) Option {
	return func(o *options) { o.events = sink }
}

// WithPriceSource lets mark price lookups use a streaming feed before REST.
func WithPriceSource(src PriceSource) Option {
	return func(o *options) { o.prices = src }
}

// WithBackoffTimer replaces the timer used between query retries.
func WithBackoffTimer(timer backoff.Timer) Option {
	return func(o *options) { o.timer = timer }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewVolumeTrader(client pacifica.Client, settings Settings, logger *logrus.Logger, opts ...Option) (*VolumeTrader, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	o := options{
		sleep:  sleepContext,
		events: nopSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	runID := uuid.NewString()
	entry := logger.WithFields(logrus.Fields{
		"account": client.Account(),
		"run_id":  runID,
	})

	gateway := NewGateway(client, entry, o.rng)
	gateway.prices = o.prices
	gateway.timer = o.timer

	t := &VolumeTrader{
		client:   client,
		gateway:  gateway,
		settings: settings,
		logger:   entry,
		events:   o.events,
		sleep:    o.sleep,
		rng:      o.rng,
		now:      o.now,
		account:  client.Account(),
		runID:    runID,
		leverage: settings.Leverage,
	}
	t.slippage = settings.Slippage.Sample(t.rng)
	t.takeProfit = settings.TakeProfit.Sample(t.rng)
	t.stopLoss = settings.StopLoss.Sample(t.rng)

	entry.WithFields(logrus.Fields{
		"leverage":    t.leverage,
		"slippage":    t.slippage,
		"take_profit": t.takeProfit,
		"stop_loss":   t.stopLoss,
		"size_min":    settings.PositionSize.Min,
		"size_max":    settings.PositionSize.Max,
	}).Info("Randomized parameters for account")
	return t, nil
}

func (t *VolumeTrader) Account() string { return t.account }

func (t *VolumeTrader) RunID() string { return t.runID }

func (t *VolumeTrader) Stats() Stats { return t.stats }

func (t *VolumeTrader) Leverage() int { return t.leverage }

// Run prepares the account and repeats trading cycles until the target volume is reached,
// then flattens everything. Cancelling ctx returns without flattening; the next start's
// cleanup recovers any leftover state.
func (t *VolumeTrader) Run(ctx context.Context) error {
	t.publish(Event{Type: EventRunStarted, Leverage: t.leverage})
	t.logger.WithField("target_volume", t.settings.TargetVolume).Info("Starting volume trader")

	if err := t.Prepare(ctx); err != nil {
		return err
	}

	for t.stats.TotalVolume < t.settings.TargetVolume {
		done, err := t.TradingCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.WithError(err).Error("Error in trading cycle")
			if err := t.sleep(ctx, cycleCooldown); err != nil {
				return err
			}
			continue
		}
		if done || t.stats.TotalVolume >= t.settings.TargetVolume {
			break
		}

		t.logProgress()
		delay := time.Duration(t.settings.DelaySeconds.Sample(t.rng)) * time.Second
		t.logger.WithField("delay", delay.String()).Info("Waiting before next trade")
		if err := t.sleep(ctx, delay); err != nil {
			return err
		}
	}

	t.logger.Info("Target volume reached, closing all positions and cancelling orders")
	if err := t.Flatten(ctx); err != nil {
		return err
	}

	t.publish(Event{Type: EventRunFinished})
	t.logger.WithFields(logrus.Fields{
		"total_volume": t.stats.TotalVolume,
		"total_pnl":    t.stats.TotalPnL,
		"trades":       t.stats.TradesCount,
	}).Info("Volume trader finished")
	return nil
}

// Prepare applies leverage to every configured market and loads the starting balance.
func (t *VolumeTrader) Prepare(ctx context.Context) error {
	if markets, err := t.gateway.Markets(ctx); err == nil {
		if floor := minMaxLeverage(markets, t.settings.Markets); floor > 0 && t.leverage > floor {
			t.logger.WithFields(logrus.Fields{
				"leverage":     t.leverage,
				"max_leverage": floor,
			}).Warn("Leverage exceeds the maximum of some markets, lowering")
			t.leverage = floor
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	target := t.leverage
	for _, symbol := range t.settings.Markets {
		if _, err := t.SetLeverage(ctx, symbol, target); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.WithError(err).WithField("symbol", symbol).Warn("Leverage not applied")
		}
		if err := t.sleep(ctx, leverageGap); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < balanceAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt+1) * balanceWaitStep
			if wait > maxBalanceWait {
				wait = maxBalanceWait
			}
			t.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"wait":    wait.String(),
			}).Warn("Retrying balance")
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
		}

		balance, err := t.gateway.Balance(ctx)
		if err == nil && balance > 0 {
			t.cachedBalance = &balance
			t.logger.WithField("balance", balance).Info("Balance loaded")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	t.logger.Error("Failed to get balance after all attempts, check credentials and account funding")
	return ErrNoBalance
}

func minMaxLeverage(markets []models.Market, symbols []string) int {
	floor := 0
	for _, symbol := range symbols {
		for _, m := range markets {
			if m.Symbol == symbol && m.MaxLeverage > 0 && (floor == 0 || m.MaxLeverage < floor) {
				floor = m.MaxLeverage
			}
		}
	}
	return floor
}

// TradingCycle opens, holds and closes one position. It reports whether the target volume
// has been reached. Failures local to the cycle are logged and reported as false with a nil
// error; only context cancellation is returned as an error.
func (t *VolumeTrader) TradingCycle(ctx context.Context) (bool, error) {
	if err := t.CleanupBeforeTrade(ctx); err != nil {
		return false, err
	}
	if t.stats.TotalVolume >= t.settings.TargetVolume {
		return true, nil
	}

	markets, err := t.gateway.Markets(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		t.logger.WithError(err).Warn("Market metadata unavailable")
	}
	symbol, funding := t.selectBestMarket(markets)
	market, ok := findMarket(markets, symbol)
	if !ok {
		return t.abort(symbol, "market metadata unavailable"), nil
	}
	side := determineSide(funding)
	log := t.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"side":    string(side),
		"funding": funding,
	})
	log.Info("Selected market")

	if t.cachedBalance == nil {
		balance, err := t.gateway.Balance(ctx)
		if err != nil || balance <= 0 {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return t.abort(symbol, "balance unavailable"), nil
		}
		t.cachedBalance = &balance
	}
	balance := *t.cachedBalance

	mark, err := t.gateway.MarkPrice(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return t.abort(symbol, "no mark price"), nil
	}

	fraction := t.settings.PositionSize.Sample(t.rng)
	sizing, err := SizePosition(balance, fraction, t.settings.FeeRate(), t.leverage)
	if err != nil {
		log.WithError(err).Error("Position sizing failed")
		return t.abort(symbol, "sizing failed"), nil
	}
	if sizing.Reduced {
		log.WithField("fraction", sizing.Fraction).Warn("Position size reduced to fit balance")
	}

	var limitPrice float64
	refPrice := mark
	if t.settings.UseMakerOrders {
		limitPrice = mark * (1 - t.slippage)
		if side == models.SideAsk {
			limitPrice = mark * (1 + t.slippage)
		}
		refPrice = limitPrice
	}

	amount, err := OrderAmount(sizing.Notional, refPrice, market.LotSize)
	if err != nil {
		log.WithError(err).Error("Order amount rounds to zero")
		return t.abort(symbol, "order too small"), nil
	}

	log.WithFields(logrus.Fields{
		"balance":     balance,
		"fraction":    sizing.Fraction,
		"margin":      sizing.Base,
		"notional":    sizing.Notional,
		"leverage":    t.leverage,
		"mark_price":  mark,
		"limit_price": limitPrice,
		"amount":      amount,
	}).Info("Opening position")
	t.publish(Event{
		Type:     EventCycleStarted,
		Symbol:   symbol,
		Side:     side,
		Price:    mark,
		Amount:   amount,
		Notional: sizing.Notional,
		Leverage: t.leverage,
	})

	openedAt := t.now()
	result, err := t.PlaceOrder(ctx, market, side, amount, limitPrice, false)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return t.abort(symbol, "entry order rejected"), nil
	}

	order := &pendingOrder{
		ID:         result.OrderID,
		Symbol:     symbol,
		Side:       side,
		Amount:     amount,
		LimitPrice: limitPrice,
		Result:     result,
	}
	entry, filled, err := t.waitForFill(ctx, order, market)
	if err != nil {
		return false, err
	}
	if !filled {
		return t.abort(symbol, "order not filled"), nil
	}

	log.WithField("entry_price", entry).Info("Position opened")
	t.publish(Event{
		Type:     EventPositionOpened,
		Symbol:   symbol,
		Side:     side,
		Price:    entry,
		Amount:   amount,
		Notional: sizing.Notional,
		Leverage: t.leverage,
	})

	if err := t.sleep(ctx, entrySettle); err != nil {
		return false, err
	}
	if !t.setPositionTPSL(ctx, market, side, entry) {
		log.Warn("Exchange TP/SL not set, monitoring thresholds locally")
	}

	hold := time.Duration(t.settings.HoldTimeMinutes.Sample(t.rng)) * time.Minute
	reason, err := t.holdPosition(ctx, symbol, side, entry, hold)
	if err != nil {
		return false, err
	}

	if !t.ClosePosition(ctx, symbol) {
		log.WithField("exit_reason", string(reason)).Error("Failed to close position")
		return false, ctx.Err()
	}
	if err := t.sleep(ctx, exitSettle); err != nil {
		return false, err
	}

	exit, err := t.gateway.MarkPrice(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.WithError(err).Warn("Failed to get closing price, trade not recorded")
		return false, nil
	}

	trade := models.TradeRecord{
		ID:         uuid.NewString(),
		Account:    t.account,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		ExitPrice:  exit,
		Notional:   sizing.Notional,
		Leverage:   t.leverage,
		PnL:        PnL(side, entry, exit, sizing.Notional, t.settings.FeeRate()),
		ExitReason: string(reason),
		OpenedAt:   openedAt,
		ClosedAt:   t.now(),
	}
	t.stats.Record(trade)

	log.WithFields(logrus.Fields{
		"trade":        t.stats.TradesCount,
		"exit_price":   exit,
		"pnl":          trade.PnL,
		"trade_volume": trade.Volume(),
		"total_volume": t.stats.TotalVolume,
		"total_pnl":    t.stats.TotalPnL,
		"exit_reason":  trade.ExitReason,
	}).Info("Trade closed")
	t.publish(Event{
		Type:     EventPositionClosed,
		Symbol:   symbol,
		Side:     side,
		Price:    exit,
		Notional: sizing.Notional,
		Leverage: t.leverage,
		Reason:   trade.ExitReason,
		Trade:    &trade,
	})

	return t.stats.TotalVolume >= t.settings.TargetVolume, nil
}

// selectBestMarket picks the configured market with the largest absolute funding rate.
// Ties go to the earlier configured market; with no metadata the first market is used.
func (t *VolumeTrader) selectBestMarket(markets []models.Market) (string, float64) {
	best, bestFunding, bestScore := t.settings.Markets[0], 0.0, -1.0
	for _, symbol := range t.settings.Markets {
		m, ok := findMarket(markets, symbol)
		if !ok {
			continue
		}
		if score := math.Abs(m.Funding()); score > bestScore {
			best, bestFunding, bestScore = symbol, m.Funding(), score
		}
	}
	return best, bestFunding
}

// determineSide goes short when longs pay funding and long otherwise.
func determineSide(funding float64) models.Side {
	if funding > 0 {
		return models.SideAsk
	}
	return models.SideBid
}

func findMarket(markets []models.Market, symbol string) (models.Market, bool) {
	for _, m := range markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return models.Market{}, false
}

// defaultTPSLTick rounds trigger prices for markets that publish no tick size.
const defaultTPSLTick = 0.01

// setPositionTPSL attaches exchange-side take-profit and stop-loss orders to the open position.
func (t *VolumeTrader) setPositionTPSL(ctx context.Context, market models.Market, side models.Side, entry float64) bool {
	log := t.logger.WithFields(logrus.Fields{
		"symbol": market.Symbol,
		"side":   string(side),
	})

	position, err := t.gateway.Position(ctx, market.Symbol, ModeFast)
	if err != nil || position == nil {
		log.Warn("Position not visible yet, skipping exchange TP/SL")
		return false
	}

	takeProfit := entry * (1 + t.takeProfit)
	stopLoss := entry * (1 - t.stopLoss)
	if side == models.SideAsk {
		takeProfit = entry * (1 - t.takeProfit)
		stopLoss = entry * (1 + t.stopLoss)
	}
	tick := market.TickSize
	if tick <= 0 {
		tick = defaultTPSLTick
	}
	tp := RoundToTick(takeProfit, tick)
	sl := RoundToTick(stopLoss, tick)

	req := &models.TPSLRequest{
		Symbol:     market.Symbol,
		Side:       side.Opposite(),
		TakeProfit: &models.StopOrder{StopPrice: tp, LimitPrice: tp},
		StopLoss:   &models.StopOrder{StopPrice: sl, LimitPrice: sl},
	}
	if err := t.client.SetPositionTPSL(ctx, req); err != nil {
		log.WithError(err).Warn("Failed to set TP/SL")
		return false
	}
	log.WithFields(logrus.Fields{
		"take_profit": tp,
		"stop_loss":   sl,
	}).Info("TP/SL set")
	return true
}

// Flatten cancels every order and closes every position, then closes any stragglers.
func (t *VolumeTrader) Flatten(ctx context.Context) error {
	t.CancelAllOrders(ctx, "", false)
	if err := t.sleep(ctx, cancelSettle); err != nil {
		return err
	}

	t.CloseAllPositions(ctx)
	if err := t.sleep(ctx, closeSettle); err != nil {
		return err
	}

	positions, err := t.gateway.Positions(ctx, ModeNormal)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		t.logger.WithField("symbol", p.Symbol).Warn("Position still open, closing")
		t.ClosePosition(ctx, p.Symbol)
		if err := t.sleep(ctx, flattenStraggler); err != nil {
			return err
		}
	}

	t.CancelAllOrders(ctx, "", false)
	return ctx.Err()
}

func (t *VolumeTrader) abort(symbol, reason string) bool {
	t.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"reason": reason,
	}).Warn("Trade skipped")
	t.publish(Event{Type: EventCycleAborted, Symbol: symbol, Reason: reason})
	return false
}

func (t *VolumeTrader) logProgress() {
	t.logger.WithFields(logrus.Fields{
		"total_volume":  t.stats.TotalVolume,
		"target_volume": t.settings.TargetVolume,
		"progress_pct":  t.stats.Progress(t.settings.TargetVolume) * 100,
		"total_pnl":     t.stats.TotalPnL,
		"trades":        t.stats.TradesCount,
	}).Info("Progress")
	t.publish(Event{Type: EventProgress})
}

func (t *VolumeTrader) publish(event Event) {
	event.Time = t.now()
	event.Account = t.account
	event.RunID = t.runID
	event.Stats = t.stats
	if event.Leverage == 0 {
		event.Leverage = t.leverage
	}
	t.events.Publish(event)
}
