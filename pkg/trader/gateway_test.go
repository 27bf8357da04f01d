package trader

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/gregtusar/pacifica-volume/pkg/pacifica"
	"github.com/sirupsen/logrus"
)

func newTestGateway(client *fakeClient) (*Gateway, *instantTimer) {
	g := NewGateway(client, logrus.NewEntry(testLogger()), rand.New(rand.NewSource(7)))
	timer := &instantTimer{}
	g.timer = timer
	return g, timer
}

type staticPrices map[string]models.Price

func (s staticPrices) Price(symbol string, maxAge time.Duration) (models.Price, bool) {
	p, ok := s[symbol]
	return p, ok
}

func TestJitterBackoffSchedule(t *testing.T) {
	tests := []struct {
		name    string
		profile BackoffProfile
		jitter  float64
		want    []time.Duration
	}{
		{
			name:    "normal without jitter",
			profile: NormalBackoff,
			jitter:  0,
			want:    []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 15 * time.Second},
		},
		{
			name:    "normal with full jitter",
			profile: NormalBackoff,
			jitter:  1,
			want:    []time.Duration{3900 * time.Millisecond, 7800 * time.Millisecond, 15 * time.Second},
		},
		{
			name:    "fast without jitter",
			profile: FastBackoff,
			jitter:  0,
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newJitterBackoff(tt.profile, func() float64 { return tt.jitter })
			for i, want := range tt.want {
				if got := b.NextBackOff(); got != want {
					t.Errorf("Step %d: expected %v, got %v", i, want, got)
				}
			}
			b.Reset()
			if got := b.NextBackOff(); got != tt.want[0] {
				t.Errorf("Expected %v after reset, got %v", tt.want[0], got)
			}
		})
	}
}

func TestGatewayRetriesBlockedQueries(t *testing.T) {
	client := newFakeClient()
	client.onPositions = func(int) ([]models.Position, error) {
		return nil, &pacifica.APIError{StatusCode: http.StatusForbidden, Message: "blocked"}
	}
	g, timer := newTestGateway(client)

	positions, err := g.Positions(context.Background(), ModeNormal)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if positions != nil {
		t.Errorf("Expected nil positions, got %v", positions)
	}
	if pacifica.Classify(err) != pacifica.KindBlocked {
		t.Errorf("Expected blocked error, got %v", err)
	}
	if client.positionsCalls != DefaultQueryAttempts {
		t.Errorf("Expected %d calls, got %d", DefaultQueryAttempts, client.positionsCalls)
	}
	if len(timer.waits) != DefaultQueryAttempts-1 {
		t.Fatalf("Expected %d waits, got %d", DefaultQueryAttempts-1, len(timer.waits))
	}
	for n, wait := range timer.waits {
		lower := NormalBackoff.Base << n
		upper := time.Duration(1.3 * float64(lower))
		if upper > NormalBackoff.Cap {
			upper = NormalBackoff.Cap
		}
		if wait < lower || wait > upper {
			t.Errorf("Wait %d: expected within [%v, %v], got %v", n, lower, upper, wait)
		}
	}
}

func TestGatewayPollModeUsesTwoAttempts(t *testing.T) {
	client := newFakeClient()
	client.onPositions = func(int) ([]models.Position, error) {
		return nil, pacifica.ErrMalformedResponse
	}
	g, timer := newTestGateway(client)

	if _, err := g.Positions(context.Background(), ModePoll); err == nil {
		t.Fatal("Expected error")
	}
	if client.positionsCalls != 2 {
		t.Errorf("Expected 2 calls, got %d", client.positionsCalls)
	}
	for _, wait := range timer.waits {
		if wait < FastBackoff.Base || wait > FastBackoff.Cap {
			t.Errorf("Expected fast profile wait, got %v", wait)
		}
	}
}

func TestGatewayDoesNotRetryUnknownErrors(t *testing.T) {
	client := newFakeClient()
	client.onPositions = func(int) ([]models.Position, error) {
		return nil, errors.New("connection reset")
	}
	g, timer := newTestGateway(client)

	if _, err := g.Positions(context.Background(), ModeNormal); err == nil {
		t.Fatal("Expected error")
	}
	if client.positionsCalls != 1 {
		t.Errorf("Expected 1 call, got %d", client.positionsCalls)
	}
	if len(timer.waits) != 0 {
		t.Errorf("Expected no backoff waits, got %v", timer.waits)
	}
}

func TestGatewayRecoversAfterBlock(t *testing.T) {
	client := newFakeClient()
	client.onPositions = func(call int) ([]models.Position, error) {
		if call == 1 {
			return nil, &pacifica.APIError{StatusCode: http.StatusTooManyRequests}
		}
		return []models.Position{{Symbol: "ETH", Amount: 1.5, EntryPrice: 2000}}, nil
	}
	g, _ := newTestGateway(client)

	p, err := g.Position(context.Background(), "ETH", ModeFast)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p == nil || p.EntryPrice != 2000 {
		t.Errorf("Expected ETH position at 2000, got %+v", p)
	}
	if client.positionsCalls != 2 {
		t.Errorf("Expected 2 calls, got %d", client.positionsCalls)
	}
}

func TestGatewayPositionIgnoresDust(t *testing.T) {
	client := newFakeClient()
	client.positions = []models.Position{{Symbol: "BTC", Amount: 1e-9, EntryPrice: 50000}}
	g, _ := newTestGateway(client)

	p, err := g.Position(context.Background(), "BTC", ModeNormal)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p != nil {
		t.Errorf("Expected dust position to count as flat, got %+v", p)
	}
}

func TestGatewayMarkPrice(t *testing.T) {
	t.Run("stream first", func(t *testing.T) {
		client := newFakeClient()
		g, _ := newTestGateway(client)
		g.prices = staticPrices{"ETH": {Symbol: "ETH", Mark: 2100}}

		price, err := g.MarkPrice(context.Background(), "ETH")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if price != 2100 {
			t.Errorf("Expected 2100, got %v", price)
		}
	})

	t.Run("rest prices", func(t *testing.T) {
		client := newFakeClient()
		g, _ := newTestGateway(client)

		price, err := g.MarkPrice(context.Background(), "SOL")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if price != 100 {
			t.Errorf("Expected 100, got %v", price)
		}
	})

	t.Run("market metadata fallback", func(t *testing.T) {
		client := newFakeClient()
		delete(client.prices, "BTC")
		client.markets[0].MarkPrice = 49000
		g, _ := newTestGateway(client)

		price, err := g.MarkPrice(context.Background(), "BTC")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if price != 49000 {
			t.Errorf("Expected 49000, got %v", price)
		}
	})

	t.Run("no price", func(t *testing.T) {
		client := newFakeClient()
		g, _ := newTestGateway(client)

		if _, err := g.MarkPrice(context.Background(), "DOGE"); !errors.Is(err, ErrNoPrice) {
			t.Errorf("Expected ErrNoPrice, got %v", err)
		}
	})
}

func TestGatewayBalance(t *testing.T) {
	client := newFakeClient()
	client.accountInfo = &models.Account{Balance: 750, AccountEquity: 800}
	g, _ := newTestGateway(client)

	balance, err := g.Balance(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if balance != 750 {
		t.Errorf("Expected 750, got %v", balance)
	}

	client.accountInfo = &models.Account{}
	if _, err := g.Balance(context.Background()); !errors.Is(err, ErrNoBalance) {
		t.Errorf("Expected ErrNoBalance, got %v", err)
	}
}

func TestGatewayMarketUnknown(t *testing.T) {
	g, _ := newTestGateway(newFakeClient())
	if _, err := g.Market(context.Background(), "DOGE"); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("Expected ErrUnknownMarket, got %v", err)
	}
}

func TestGatewayOpenOrdersFiltersSymbol(t *testing.T) {
	client := newFakeClient()
	client.openOrders = []models.OpenOrder{
		{OrderID: 1, Symbol: "BTC"},
		{OrderID: 2, Symbol: "ETH"},
		{OrderID: 3, Symbol: "BTC"},
	}
	g, _ := newTestGateway(client)

	orders, err := g.OpenOrders(context.Background(), "BTC", ModeNormal)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(orders) != 2 || orders[0].OrderID != 1 || orders[1].OrderID != 3 {
		t.Errorf("Expected BTC orders 1 and 3, got %+v", orders)
	}
}
