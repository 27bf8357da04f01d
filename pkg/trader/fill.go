package trader

import (
	"context"
	"errors"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

type FillState int

const (
	// FillUnknown means a source was blocked; it never implies the order is gone.
	FillUnknown FillState = iota
	FillUnfilled
	FillPartial
	FillFilled
)

func (s FillState) String() string {
	switch s {
	case FillUnfilled:
		return "unfilled"
	case FillPartial:
		return "partial"
	case FillFilled:
		return "filled"
	}
	return "unknown"
}

const (
	sourcePositions  = "positions"
	sourceOpenOrders = "open_orders"
	sourceHistory    = "history"

	// An order counts as filled once 99% of it has executed.
	filledThreshold = 0.99

	fillSettle     = 2 * time.Second
	progressPeriod = 15 * time.Second
)

type FillStatus struct {
	State    FillState
	Fraction float64
	Price    float64
	Source   string
}

// pendingOrder is an entry order being reconciled. ID, LimitPrice and Result change on reposition.
type pendingOrder struct {
	ID         int64
	Symbol     string
	Side       models.Side
	Amount     string
	LimitPrice float64
	Result     *models.OrderResult
}

var (
	errRepositionFailed = errors.New("replacement order rejected")
	// errFillUnclear means the position check after cancelling was blocked.
	errFillUnclear = errors.New("fill state unclear after cancel")
)

// resolveFill merges the three fill sources into one status. A live position is
// authoritative, then the order's open-order record, then its history record.
func (t *VolumeTrader) resolveFill(ctx context.Context, order *pendingOrder) FillStatus {
	positions, posErr := t.gateway.Positions(ctx, ModePoll)
	if posErr == nil {
		if p := findOpenPosition(positions, order.Symbol); p != nil {
			return FillStatus{State: FillFilled, Fraction: 1, Price: orFallback(p.EntryPrice, order.LimitPrice), Source: sourcePositions}
		}
	}

	orders, err := t.gateway.OpenOrders(ctx, order.Symbol, ModePoll)
	if err != nil {
		return FillStatus{State: FillUnknown}
	}
	for _, o := range orders {
		if o.OrderID != order.ID {
			continue
		}
		if o.InitialAmount > 0 && (o.Remaining() <= o.InitialAmount*(1-filledThreshold) || o.FilledFraction() >= filledThreshold) {
			return FillStatus{State: FillFilled, Fraction: o.FilledFraction(), Price: orFallback(o.Price, order.LimitPrice), Source: sourceOpenOrders}
		}
		if o.FilledAmount > 0 {
			return FillStatus{State: FillPartial, Fraction: o.FilledFraction(), Source: sourceOpenOrders}
		}
		return FillStatus{State: FillUnfilled, Source: sourceOpenOrders}
	}

	history, err := t.gateway.OrderHistory(ctx, order.ID, ModePoll)
	if err != nil {
		return FillStatus{State: FillUnknown}
	}
	if len(history) > 0 {
		h := history[0]
		if h.InitialAmount > 0 && h.FilledAmount >= h.InitialAmount*filledThreshold {
			return FillStatus{State: FillFilled, Fraction: h.FilledFraction(), Price: orFallback(h.ExecutionPrice(), order.LimitPrice), Source: sourceHistory}
		}
		if h.FilledAmount > 0 {
			return FillStatus{State: FillPartial, Fraction: h.FilledFraction(), Source: sourceHistory}
		}
	}

	if posErr != nil {
		return FillStatus{State: FillUnknown}
	}
	return FillStatus{State: FillUnfilled}
}

// waitForFill blocks until the entry order fills or the wait budget runs out. It returns
// the entry price and true on a fill. On timeout the order is cancelled and false is returned.
func (t *VolumeTrader) waitForFill(ctx context.Context, order *pendingOrder, market models.Market) (float64, bool, error) {
	log := t.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
		"side":     string(order.Side),
	})

	if order.LimitPrice <= 0 {
		return t.waitForMarketFill(ctx, order, log)
	}

	cfg := t.settings.Fill
	log.WithFields(logrus.Fields{
		"limit_price":        order.LimitPrice,
		"max_wait":           cfg.MaxWait.String(),
		"reposition_timeout": cfg.RepositionTimeout.String(),
	}).Info("Waiting for order fill")

	var elapsed, total, lastLog time.Duration
	repositioned := false
	for total < cfg.MaxWait {
		if total > 0 {
			if err := t.sleep(ctx, t.jitter()); err != nil {
				return 0, false, err
			}
		}

		status := t.resolveFill(ctx, order)
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		switch status.State {
		case FillFilled:
			price := status.Price
			if status.Source == sourceOpenOrders {
				if err := t.sleep(ctx, fillSettle); err != nil {
					return 0, false, err
				}
				if p, err := t.gateway.Position(ctx, order.Symbol, ModeNormal); err == nil && p != nil && p.EntryPrice > 0 {
					price = p.EntryPrice
				}
			}
			if repositioned && status.Source != sourceHistory {
				// The fill may have come from the cancelled original; drop whatever still rests.
				t.CancelOrder(ctx, order.Symbol, order.ID)
			}
			log.WithFields(logrus.Fields{
				"price":   price,
				"source":  status.Source,
				"elapsed": total.String(),
			}).Info("Order filled")
			return price, true, nil
		case FillPartial:
			log.WithField("filled_fraction", status.Fraction).Info("Order partially filled")
		case FillUnknown:
			log.Debug("Fill sources blocked, continuing to poll")
		}

		if total-lastLog >= progressPeriod {
			log.WithFields(logrus.Fields{
				"elapsed":     total.String(),
				"remaining":   (cfg.MaxWait - total).String(),
				"limit_price": order.LimitPrice,
			}).Info("Still waiting for fill")
			lastLog = total
		}

		if !repositioned && elapsed >= cfg.RepositionTimeout && total < cfg.MaxWait-cfg.RepositionReserve {
			price, filled, err := t.reposition(ctx, order, market)
			switch {
			case errors.Is(err, errFillUnclear):
				log.Debug("Position check blocked after cancel, polling before replacing")
			case errors.Is(err, errRepositionFailed):
				return 0, false, nil
			case err != nil:
				return 0, false, err
			case filled:
				return price, true, nil
			default:
				repositioned = true
				log = log.WithField("order_id", order.ID)
				elapsed = 0
				lastLog = total
			}
		}

		if err := t.sleep(ctx, cfg.PollInterval); err != nil {
			return 0, false, err
		}
		elapsed += cfg.PollInterval
		total += cfg.PollInterval
	}

	log.WithField("elapsed", total.String()).Warn("Order not filled in time, cancelling")
	t.CancelOrder(ctx, order.Symbol, order.ID)
	log.Warn("Position not opened")
	return 0, false, nil
}

func (t *VolumeTrader) waitForMarketFill(ctx context.Context, order *pendingOrder, log *logrus.Entry) (float64, bool, error) {
	if err := t.sleep(ctx, fillSettle); err != nil {
		return 0, false, err
	}
	if order.Result != nil && order.Result.FillPrice > 0 {
		log.WithField("price", order.Result.FillPrice).Info("Market order filled")
		return order.Result.FillPrice, true, nil
	}

	p, err := t.gateway.Position(ctx, order.Symbol, ModePoll)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		log.WithError(err).Warn("Market order fill could not be confirmed")
		return 0, false, nil
	}
	if p == nil || p.EntryPrice <= 0 {
		log.Warn("Market order produced no position")
		return 0, false, nil
	}
	log.WithField("price", p.EntryPrice).Info("Market order filled")
	return p.EntryPrice, true, nil
}

// reposition replaces a stale limit order with one closer to the current mark price.
// A position that appeared while the stale order was being cancelled is taken as the fill.
// When that check is blocked nothing is placed and errFillUnclear is returned.
func (t *VolumeTrader) reposition(ctx context.Context, order *pendingOrder, market models.Market) (float64, bool, error) {
	log := t.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
	})
	log.Info("Order not filled before reposition timeout, moving closer to market")

	t.CancelOrder(ctx, order.Symbol, order.ID)
	if err := t.sleep(ctx, cancelSettle); err != nil {
		return 0, false, err
	}

	p, err := t.gateway.Position(ctx, order.Symbol, ModePoll)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		log.WithError(err).Warn("Position check failed after cancel, not replacing yet")
		return 0, false, errFillUnclear
	}
	if p != nil {
		price := orFallback(p.EntryPrice, order.LimitPrice)
		log.WithField("price", price).Info("Order filled while cancelling")
		return price, true, nil
	}

	mark, err := t.gateway.MarkPrice(ctx, order.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		mark = order.LimitPrice
	}
	limit := mark * (1 - AggressiveSlippage)
	if order.Side == models.SideAsk {
		limit = mark * (1 + AggressiveSlippage)
	}

	result, err := t.PlaceOrder(ctx, market, order.Side, order.Amount, limit, false)
	if err != nil {
		return 0, false, errRepositionFailed
	}
	order.ID = result.OrderID
	order.Result = result
	order.LimitPrice = parseAmount(RoundToTick(limit, market.TickSize))
	log.WithFields(logrus.Fields{
		"new_order_id": result.OrderID,
		"limit_price":  order.LimitPrice,
		"mark_price":   mark,
	}).Info("Order repositioned")
	return 0, false, nil
}

func (t *VolumeTrader) jitter() time.Duration {
	cfg := t.settings.Fill
	span := cfg.JitterMax - cfg.JitterMin
	if span <= 0 {
		return cfg.JitterMin
	}
	return cfg.JitterMin + time.Duration(t.rng.Int63n(int64(span)))
}

func orFallback(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
