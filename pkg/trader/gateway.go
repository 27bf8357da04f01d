package trader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownMarket = errors.New("market not listed")
	ErrNoPrice       = errors.New("no price available")
	ErrNoBalance     = errors.New("no balance available")
)

// BackoffProfile is a capped exponential schedule: base·2^n plus up to 30% jitter, never above Cap.
type BackoffProfile struct {
	Base time.Duration
	Cap  time.Duration
}

var (
	FastBackoff   = BackoffProfile{Base: 2 * time.Second, Cap: 10 * time.Second}
	NormalBackoff = BackoffProfile{Base: 3 * time.Second, Cap: 15 * time.Second}
)

// QueryMode selects the retry policy for latency-sensitive or background queries.
type QueryMode int

const (
	ModeNormal QueryMode = iota
	ModeFast
	// ModePoll is used inside fill polling, where the loop itself provides the retries.
	ModePoll
)

const (
	DefaultQueryAttempts = 3
	PriceQueryTimeout    = 30 * time.Second
	// FeedPriceMaxAge bounds how old a streamed price may be before REST is used instead.
	FeedPriceMaxAge = 15 * time.Second
)

type retryPolicy struct {
	profile  BackoffProfile
	attempts int
	timeout  time.Duration
}

func policyFor(mode QueryMode) retryPolicy {
	switch mode {
	case ModeFast:
		return retryPolicy{profile: FastBackoff, attempts: DefaultQueryAttempts}
	case ModePoll:
		return retryPolicy{profile: FastBackoff, attempts: 2}
	}
	return retryPolicy{profile: NormalBackoff, attempts: DefaultQueryAttempts}
}

// PriceSource is an optional streaming price cache consulted before REST.
type PriceSource interface {
	Price(symbol string, maxAge time.Duration) (models.Price, bool)
}

// Gateway wraps exchange queries with bounded retries. Blocked or malformed responses are
// retried quietly; any other failure ends the query at once. On failure the result is empty
// and the final error is returned so callers can tell "blocked" from "none".
type Gateway struct {
	client pacifica.Client
	prices PriceSource
	logger *logrus.Entry
	timer  backoff.Timer
	jitter func() float64
}

func NewGateway(client pacifica.Client, logger *logrus.Entry, rng *rand.Rand) *Gateway {
	return &Gateway{
		client: client,
		logger: logger,
		jitter: rng.Float64,
	}
}

func (g *Gateway) Prices(ctx context.Context) ([]models.Price, error) {
	var prices []models.Price
	policy := retryPolicy{profile: NormalBackoff, attempts: DefaultQueryAttempts, timeout: PriceQueryTimeout}
	err := g.query(ctx, "prices", policy, func(ctx context.Context) error {
		var err error
		prices, err = g.client.GetPrices(ctx)
		if err == nil && len(prices) == 0 {
			return fmt.Errorf("%w: empty price list", pacifica.ErrMalformedResponse)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return prices, nil
}

func (g *Gateway) Markets(ctx context.Context) ([]models.Market, error) {
	var markets []models.Market
	err := g.query(ctx, "markets", policyFor(ModeNormal), func(ctx context.Context) error {
		var err error
		markets, err = g.client.GetMarkets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return markets, nil
}

func (g *Gateway) Market(ctx context.Context, symbol string) (models.Market, error) {
	markets, err := g.Markets(ctx)
	if err != nil {
		return models.Market{}, err
	}
	for _, m := range markets {
		if m.Symbol == symbol {
			return m, nil
		}
	}
	return models.Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
}

// MarkPrice resolves a price from the stream, then the prices endpoint, then market metadata.
func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if g.prices != nil {
		if p, ok := g.prices.Price(symbol, FeedPriceMaxAge); ok && p.Value() > 0 {
			return p.Value(), nil
		}
	}

	prices, err := g.Prices(ctx)
	if err == nil {
		for _, p := range prices {
			if p.Symbol == symbol && p.Value() > 0 {
				return p.Value(), nil
			}
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	g.logger.WithField("symbol", symbol).Warn("Price not in price list, trying market metadata")
	market, mErr := g.Market(ctx, symbol)
	if mErr == nil && market.FallbackPrice() > 0 {
		return market.FallbackPrice(), nil
	}

	g.logger.WithField("symbol", symbol).Error("Failed to get price")
	return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
}

func (g *Gateway) Positions(ctx context.Context, mode QueryMode) ([]models.Position, error) {
	var positions []models.Position
	err := g.query(ctx, "positions", policyFor(mode), func(ctx context.Context) error {
		var err error
		positions, err = g.client.GetPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// Position returns the open position on symbol, or nil when the account is flat there.
func (g *Gateway) Position(ctx context.Context, symbol string, mode QueryMode) (*models.Position, error) {
	positions, err := g.Positions(ctx, mode)
	if err != nil {
		return nil, err
	}
	return findOpenPosition(positions, symbol), nil
}

func findOpenPosition(positions []models.Position, symbol string) *models.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].IsOpen() {
			return &positions[i]
		}
	}
	return nil
}

func (g *Gateway) Balance(ctx context.Context) (float64, error) {
	var account *models.Account
	err := g.query(ctx, "account", policyFor(ModeNormal), func(ctx context.Context) error {
		var err error
		account, err = g.client.GetAccount(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	balance, ok := account.Spendable()
	if !ok {
		return 0, ErrNoBalance
	}
	return balance, nil
}

// OpenOrders lists resting orders, filtered to symbol unless it is empty.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string, mode QueryMode) ([]models.OpenOrder, error) {
	var orders []models.OpenOrder
	err := g.query(ctx, "open_orders", policyFor(mode), func(ctx context.Context) error {
		var err error
		orders, err = g.client.GetOpenOrders(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return orders, nil
	}
	filtered := orders[:0]
	for _, o := range orders {
		if o.Symbol == symbol {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (g *Gateway) OrderHistory(ctx context.Context, orderID int64, mode QueryMode) ([]models.HistoryOrder, error) {
	var history []models.HistoryOrder
	err := g.query(ctx, "order_history", policyFor(mode), func(ctx context.Context) error {
		var err error
		history, err = g.client.GetOrderHistory(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (g *Gateway) query(ctx context.Context, name string, policy retryPolicy, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.timeout)
		}
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !pacifica.Classify(err).Retryable() {
			g.logger.WithError(err).WithFields(logrus.Fields{
				"query":   name,
				"attempt": attempt,
			}).Error("Query failed")
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"query":   name,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("Upstream blocked, backing off")
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(newJitterBackoff(policy.profile, g.jitter), uint64(policy.attempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, schedule, notify, g.timer)
	if err != nil && pacifica.Classify(err).Retryable() {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"query":    name,
			"attempts": attempt,
		}).Debug("Query still blocked after retries")
	}
	return err
}

type jitterBackoff struct {
	profile BackoffProfile
	jitter  func() float64
	attempt int
}

func newJitterBackoff(profile BackoffProfile, jitter func() float64) *jitterBackoff {
	return &jitterBackoff{profile: profile, jitter: jitter}
}

func (b *jitterBackoff) NextBackOff() time.Duration {
	base := b.profile.Base << b.attempt
	b.attempt++
	spread := float64(base) * 3 / 10
	wait := base + time.Duration(b.jitter()*spread)
	if wait > b.profile.Cap {
		wait = b.profile.Cap
	}
	return wait
}

func (b *jitterBackoff) Reset() {
	b.attempt = 0
}
