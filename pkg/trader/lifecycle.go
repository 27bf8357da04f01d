package trader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	closeSettle   = 2 * time.Second
	closeGap      = 1 * time.Second
	cleanupSettle = 2 * time.Second
	cancelSettle  = 1 * time.Second
)

// CancelAllOrders cancels resting orders for symbol, or every symbol when symbol is empty.
// Only a structured rejection or transport failure reports false.
func (t *VolumeTrader) CancelAllOrders(ctx context.Context, symbol string, excludeReduceOnly bool) bool {
	log := t.logger.WithFields(logrus.Fields{
		"symbol":              symbol,
		"exclude_reduce_only": excludeReduceOnly,
	})

	cancelled, err := t.client.CancelAllOrders(ctx, symbol, excludeReduceOnly)
	if err != nil {
		log.WithError(err).Warn("Failed to cancel orders")
		return false
	}
	if cancelled > 0 {
		log.WithField("cancelled", cancelled).Info("Cancelled open orders")
	} else {
		log.Debug("No open orders to cancel")
	}
	return true
}

func (t *VolumeTrader) CancelOrder(ctx context.Context, symbol string, orderID int64) bool {
	if err := t.client.CancelOrder(ctx, symbol, orderID); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":   symbol,
			"order_id": orderID,
		}).Warn("Failed to cancel order")
		return false
	}
	t.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"order_id": orderID,
	}).Debug("Order cancelled")
	return true
}

// PlaceOrder submits an order for an already lot-rounded amount. A positive limitPrice
// places a GTC limit order at the tick-rounded price; zero places a market order with the
// run's slippage tolerance.
func (t *VolumeTrader) PlaceOrder(ctx context.Context, market models.Market, side models.Side, amount string, limitPrice float64, reduceOnly bool) (*models.OrderResult, error) {
	req := &models.OrderRequest{
		Symbol:        market.Symbol,
		Side:          side,
		Amount:        amount,
		ReduceOnly:    reduceOnly,
		ClientOrderID: uuid.NewString(),
	}
	if limitPrice > 0 {
		req.Type = models.OrderTypeLimit
		req.Price = RoundToTick(limitPrice, market.TickSize)
		req.TimeInForce = models.TimeInForceGTC
	} else {
		req.Type = models.OrderTypeMarket
		req.SlippagePercent = strconv.FormatFloat(t.slippage*100, 'f', -1, 64)
	}

	log := t.logger.WithFields(logrus.Fields{
		"symbol":      market.Symbol,
		"side":        string(side),
		"type":        string(req.Type),
		"amount":      amount,
		"price":       req.Price,
		"reduce_only": reduceOnly,
	})

	result, err := t.client.PlaceOrder(ctx, req)
	if err != nil {
		log.WithError(err).Error("Failed to place order")
		return nil, fmt.Errorf("place %s order on %s: %w", req.Type, market.Symbol, err)
	}
	log.WithField("order_id", result.OrderID).Info("Order placed")
	return result, nil
}

// ClosePosition flattens the open position on symbol with a reduce-only market order.
// It reports false when there was nothing to close, in which case any resting orders on
// the symbol are still cancelled.
func (t *VolumeTrader) ClosePosition(ctx context.Context, symbol string) bool {
	log := t.logger.WithField("symbol", symbol)

	positions, err := t.gateway.Positions(ctx, ModeNormal)
	if err != nil {
		log.WithError(err).Warn("Positions unavailable, cannot close")
	}
	position := findOpenPosition(positions, symbol)
	if position == nil {
		if err == nil {
			t.cancelSymbolOrders(ctx, symbol)
		}
		return false
	}

	price, err := t.gateway.MarkPrice(ctx, symbol)
	if err != nil {
		log.WithError(err).Error("Failed to get price for closing position")
		return false
	}

	closeSide := position.Direction().Opposite()
	amount := strconv.FormatFloat(position.Size(), 'f', -1, 64)
	log.WithFields(logrus.Fields{
		"position_side": string(position.Direction()),
		"close_side":    string(closeSide),
		"amount":        amount,
		"notional":      position.Size() * price,
	}).Info("Closing position")

	market := models.Market{Symbol: symbol}
	if _, err := t.PlaceOrder(ctx, market, closeSide, amount, 0, true); err != nil {
		return false
	}

	if err := t.sleep(ctx, closeSettle); err != nil {
		return true
	}

	remaining, err := t.gateway.Position(ctx, symbol, ModeFast)
	switch {
	case err != nil:
		log.WithError(err).Debug("Could not confirm position is flat")
	case remaining != nil:
		log.WithField("amount", remaining.Amount).Warn("Position still open after close order")
	default:
		t.cancelSymbolOrders(ctx, symbol)
	}
	return true
}

func (t *VolumeTrader) cancelSymbolOrders(ctx context.Context, symbol string) {
	orders, err := t.gateway.OpenOrders(ctx, symbol, ModeNormal)
	if err != nil || len(orders) == 0 {
		return
	}
	t.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"orders": len(orders),
	}).Info("Cancelling residual orders")
	for _, o := range orders {
		t.CancelOrder(ctx, symbol, o.OrderID)
	}
}

// CloseAllPositions closes every open position one at a time.
func (t *VolumeTrader) CloseAllPositions(ctx context.Context) bool {
	positions, err := t.gateway.Positions(ctx, ModeNormal)
	if err != nil {
		t.logger.WithError(err).Warn("Positions unavailable, nothing closed")
		return ctx.Err() == nil
	}

	closed := 0
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if t.ClosePosition(ctx, p.Symbol) {
			closed++
			if err := t.sleep(ctx, closeGap); err != nil {
				return false
			}
		}
	}

	if closed > 0 {
		t.logger.WithField("closed", closed).Info("Closed positions")
		if err := t.sleep(ctx, closeSettle); err != nil {
			return false
		}
	}
	return true
}

// CleanupBeforeTrade leaves the account with no positions and no resting orders.
func (t *VolumeTrader) CleanupBeforeTrade(ctx context.Context) error {
	t.logger.Info("Cleaning up before new trade")

	t.CloseAllPositions(ctx)
	if err := t.sleep(ctx, cleanupSettle); err != nil {
		return err
	}
	t.CancelAllOrders(ctx, "", false)
	if err := t.sleep(ctx, cancelSettle); err != nil {
		return err
	}

	t.logger.Debug("Cleanup completed")
	return nil
}
