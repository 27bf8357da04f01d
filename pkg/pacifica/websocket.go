package pacifica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

// PriceFeed keeps the latest mark prices from the public "prices" stream.
type PriceFeed struct {
	url            string
	conn           *websocket.Conn
	mu             sync.Mutex
	writeMu        sync.Mutex
	connected      bool
	prices         map[string]models.Price
	received       map[string]time.Time
	reconnectDelay time.Duration
	pingInterval   time.Duration
	logger         *logrus.Logger
	now            func() time.Time
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

func NewPriceFeed(url string, reconnectDelay time.Duration, logger *logrus.Logger) *PriceFeed {
	if url == "" {
		url = MainnetWSURL
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &PriceFeed{
		url:            url,
		prices:         make(map[string]models.Price),
		received:       make(map[string]time.Time),
		reconnectDelay: reconnectDelay,
		pingInterval:   30 * time.Second,
		logger:         logger,
		now:            time.Now,
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (f *PriceFeed) Run(ctx context.Context) {
	for {
		if err := f.Connect(ctx); err != nil {
			f.logger.WithError(err).Warn("Price feed connection failed")
		} else {
			f.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

// Connect dials and subscribes outside the feed lock; Price stays readable during the handshake.
func (f *PriceFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	sub := wsRequest{Method: "subscribe", Params: map[string]any{"source": "prices"}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to prices: %w", err)
	}

	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	go f.keepAlive(ctx, conn)

	return nil
}

// Price returns the latest price for symbol if it was received within maxAge.
func (f *PriceFeed) Price(symbol string, maxAge time.Duration) (models.Price, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	price, ok := f.prices[symbol]
	if !ok {
		return models.Price{}, false
	}
	if maxAge > 0 && f.now().Sub(f.received[symbol]) > maxAge {
		return models.Price{}, false
	}
	return price, true
}

func (f *PriceFeed) Close() {
	f.handleDisconnect()
}

func (f *PriceFeed) readLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				f.logger.WithError(err).Warn("Failed to read price feed message")
			}
			f.handleDisconnect()
			return
		}

		if msg.Channel != "prices" {
			continue
		}
		if err := f.handlePrices(msg.Data); err != nil {
			f.logger.WithError(err).Debug("Discarding malformed price update")
		}
	}
}

func (f *PriceFeed) handlePrices(data json.RawMessage) error {
	var wire []priceWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range wire {
		f.prices[w.Symbol] = w.model()
		f.received[w.Symbol] = now
	}
	return nil
}

func (f *PriceFeed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			current := f.connected && f.conn == conn
			f.mu.Unlock()
			if !current {
				return
			}

			f.writeMu.Lock()
			err := conn.WriteJSON(wsRequest{Method: "ping"})
			f.writeMu.Unlock()
			if err != nil {
				f.logger.WithError(err).Warn("Failed to send ping")
				f.handleDisconnect()
				return
			}
		}
	}
}

func (f *PriceFeed) handleDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
