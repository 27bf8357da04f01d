package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/sirupsen/logrus"
)

var ErrLeverageRejected = errors.New("no acceptable leverage")

// SetLeverage applies leverage on symbol and returns the value actually in force.
//
// Leverage on a symbol with an open position may only go up, so a request below the
// position's leverage resolves to that leverage without touching the exchange. Requests are
// clamped to [1, max_leverage]. If the exchange still rejects the value as invalid, the
// reconciler scans upward (position open) or downward (flat) for the first accepted value.
func (t *VolumeTrader) SetLeverage(ctx context.Context, symbol string, requested int) (int, error) {
	log := t.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"leverage": requested,
	})

	position, err := t.gateway.Position(ctx, symbol, ModeFast)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.WithError(err).Warn("Could not check open position before setting leverage")
	}
	if position != nil && position.Leverage > 0 {
		switch {
		case requested < position.Leverage:
			log.WithField("position_leverage", position.Leverage).
				Warn("Leverage can only be increased on an open position, keeping current")
			t.applyLeverage(symbol, requested, position.Leverage)
			return position.Leverage, nil
		case requested == position.Leverage:
			log.Info("Leverage already set")
			t.applyLeverage(symbol, requested, requested)
			return requested, nil
		}
	}

	applied := requested
	maxLeverage := 0
	if market, err := t.gateway.Market(ctx, symbol); err == nil && market.MaxLeverage > 0 {
		maxLeverage = market.MaxLeverage
		if applied > maxLeverage {
			log.WithField("max_leverage", maxLeverage).Warn("Leverage exceeds market maximum, clamping")
			applied = maxLeverage
		}
	} else if ctx.Err() != nil {
		return 0, ctx.Err()
	} else {
		log.Debug("Max leverage unavailable, using requested leverage")
	}
	if applied < 1 {
		applied = 1
	}

	err = t.client.UpdateLeverage(ctx, symbol, applied)
	if err == nil {
		log.WithField("applied", applied).Info("Leverage set")
		t.applyLeverage(symbol, requested, applied)
		return applied, nil
	}
	if pacifica.Classify(err) != pacifica.KindInvalidLeverage {
		log.WithError(err).Error("Failed to set leverage")
		return 0, fmt.Errorf("update leverage %s to %d: %w", symbol, applied, err)
	}

	log.WithError(err).Warn("Leverage rejected as invalid, searching for an accepted value")
	return t.scanLeverage(ctx, symbol, requested, applied, maxLeverage)
}

func (t *VolumeTrader) scanLeverage(ctx context.Context, symbol string, requested, rejected, maxLeverage int) (int, error) {
	position, err := t.gateway.Position(ctx, symbol, ModeFast)
	if err != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}

	var candidates []int
	if position != nil {
		if maxLeverage == 0 {
			market, err := t.gateway.Market(ctx, symbol)
			if err != nil {
				return 0, fmt.Errorf("%w for %s: max leverage unavailable: %v", ErrLeverageRejected, symbol, err)
			}
			maxLeverage = market.MaxLeverage
		}
		for lev := rejected + 1; lev <= maxLeverage; lev++ {
			candidates = append(candidates, lev)
		}
	} else {
		for lev := rejected - 1; lev >= 1; lev-- {
			candidates = append(candidates, lev)
		}
	}

	for _, lev := range candidates {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		t.logger.WithFields(logrus.Fields{"symbol": symbol, "leverage": lev}).Debug("Trying leverage")
		if err := t.client.UpdateLeverage(ctx, symbol, lev); err != nil {
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"symbol":    symbol,
			"requested": requested,
			"applied":   lev,
		}).Info("Leverage set to fallback value")
		t.applyLeverage(symbol, requested, lev)
		return lev, nil
	}

	t.logger.WithFields(logrus.Fields{
		"symbol":        symbol,
		"requested":     requested,
		"position_open": position != nil,
	}).Error("Failed to find an accepted leverage")
	return 0, fmt.Errorf("%w for %s (requested %d)", ErrLeverageRejected, symbol, requested)
}

func (t *VolumeTrader) applyLeverage(symbol string, requested, applied int) {
	t.leverage = applied
	if applied != requested {
		t.publish(Event{
			Type:     EventLeverageAdjusted,
			Symbol:   symbol,
			Leverage: applied,
			Reason:   fmt.Sprintf("requested %dx", requested),
		})
	}
}
