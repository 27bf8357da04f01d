package trader

import (
	"context"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

type ExitReason string

const (
	ExitHoldExpired   ExitReason = "hold_expired"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitExternalClose ExitReason = "external_close"
)

const monitorLogPeriod = 30 * time.Second

// priceChange is the move from entry to mark, positive when it favors the position.
func priceChange(side models.Side, entry, mark float64) float64 {
	if entry <= 0 {
		return 0
	}
	change := (mark - entry) / entry
	if side == models.SideAsk {
		return -change
	}
	return change
}

// holdPosition keeps the position open for hold, polling its existence and price. It
// returns early when the position disappears or a take-profit or stop-loss threshold is hit.
func (t *VolumeTrader) holdPosition(ctx context.Context, symbol string, side models.Side, entry float64, hold time.Duration) (ExitReason, error) {
	log := t.logger.WithFields(logrus.Fields{
		"symbol":      symbol,
		"side":        string(side),
		"entry_price": entry,
	})
	log.WithFields(logrus.Fields{
		"hold":        hold.String(),
		"take_profit": t.takeProfit,
		"stop_loss":   t.stopLoss,
	}).Info("Monitoring position")

	interval := t.settings.MonitorInterval
	var held, lastLog time.Duration
	for held < hold {
		position, err := t.gateway.Position(ctx, symbol, ModeFast)
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			log.WithError(err).Debug("Position check blocked, continuing to hold")
		case position == nil:
			log.Info("Position closed externally")
			return ExitExternalClose, nil
		default:
			if reason, done := t.checkThresholds(ctx, log, symbol, side, entry, held, hold, &lastLog); done {
				return reason, nil
			}
		}

		wait := interval
		if remaining := hold - held; remaining < wait {
			wait = remaining
		}
		if err := t.sleep(ctx, wait); err != nil {
			return "", err
		}
		held += wait
	}

	log.WithField("hold", hold.String()).Info("Hold time elapsed")
	return ExitHoldExpired, nil
}

func (t *VolumeTrader) checkThresholds(ctx context.Context, log *logrus.Entry, symbol string, side models.Side, entry float64, held, hold time.Duration, lastLog *time.Duration) (ExitReason, bool) {
	mark, err := t.gateway.MarkPrice(ctx, symbol)
	if err != nil {
		log.WithError(err).Warn("Failed to get price for monitoring")
		return "", false
	}

	change := priceChange(side, entry, mark)
	if held == 0 || held-*lastLog >= monitorLogPeriod {
		log.WithFields(logrus.Fields{
			"mark_price": mark,
			"change":     change,
			"remaining":  (hold - held).String(),
		}).Info("Position active")
		*lastLog = held
	}

	switch {
	case change >= t.takeProfit:
		log.WithField("change", change).Info("Take profit reached")
		return ExitTakeProfit, true
	case change <= -t.stopLoss:
		log.WithField("change", change).Warn("Stop loss reached")
		return ExitStopLoss, true
	}
	return "", false
}
