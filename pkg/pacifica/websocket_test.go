package pacifica

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func TestPriceFeedStoresPrices(t *testing.T) {
	subscribed := make(chan wsRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"pong"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"channel":"prices","data":[{"symbol":"BTC","mark":"100123.5","mid":"100120","funding":"0.0001","timestamp":1700000000000}]}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	feed := NewPriceFeed("ws"+strings.TrimPrefix(server.URL, "http"), 50*time.Millisecond, logger)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case req := <-subscribed:
		if req.Method != "subscribe" || req.Params["source"] != "prices" {
			t.Errorf("Expected prices subscription, got %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for subscription")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if price, ok := feed.Price("BTC", time.Minute); ok {
			if price.Mark != 100123.5 {
				t.Errorf("Expected mark 100123.5, got %v", price.Mark)
			}
			if price.Value() != 100123.5 {
				t.Errorf("Expected value to prefer mark, got %v", price.Value())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for BTC price")
}

func TestPriceFeedRejectsStalePrices(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	feed := NewPriceFeed("", 0, logger)

	start := time.Unix(1700000000, 0)
	feed.now = func() time.Time { return start }
	if err := feed.handlePrices([]byte(`[{"symbol":"ETH","mark":"3500"}]`)); err != nil {
		t.Fatalf("handlePrices failed: %v", err)
	}

	feed.now = func() time.Time { return start.Add(30 * time.Second) }
	if _, ok := feed.Price("ETH", 15*time.Second); ok {
		t.Error("Expected stale price to be rejected")
	}
	if _, ok := feed.Price("ETH", 0); !ok {
		t.Error("Expected price without age limit")
	}
	if _, ok := feed.Price("SOL", 0); ok {
		t.Error("Expected unknown symbol to be missing")
	}
}

func TestPriceFeedReadableDuringHandshake(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()
	defer close(release)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	feed := NewPriceFeed("ws"+strings.TrimPrefix(server.URL, "http"), time.Second, logger)
	defer feed.Close()
	if err := feed.handlePrices([]byte(`[{"symbol":"ETH","mark":"2000"}]`)); err != nil {
		t.Fatalf("Failed to seed price: %v", err)
	}

	connected := make(chan error, 1)
	go func() { connected <- feed.Connect(context.Background()) }()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for dial")
	}

	got := make(chan bool, 1)
	go func() {
		_, ok := feed.Price("ETH", time.Minute)
		got <- ok
	}()
	select {
	case ok := <-got:
		if !ok {
			t.Error("Expected cached ETH price")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Price blocked while the handshake was pending")
	}

	release <- struct{}{}
	select {
	case err := <-connected:
		if err != nil {
			t.Errorf("Expected connect to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connect")
	}
}
