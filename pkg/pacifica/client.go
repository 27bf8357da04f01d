package pacifica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	MainnetAPIURL = "https://api.pacifica.fi/api/v1"
	MainnetWSURL  = "wss://ws.pacifica.fi/ws"
)

type Client interface {
	Account() string
	GetMarkets(ctx context.Context) ([]models.Market, error)
	GetPrices(ctx context.Context) ([]models.Price, error)
	GetAccount(ctx context.Context) (*models.Account, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error)
	GetOrderHistory(ctx context.Context, orderID int64) ([]models.HistoryOrder, error)
	PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	// CancelAllOrders cancels across every symbol when symbol is empty.
	CancelAllOrders(ctx context.Context, symbol string, excludeReduceOnly bool) (int, error)
	UpdateLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionTPSL(ctx context.Context, req *models.TPSLRequest) error
}

type ClientOptions struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type HTTPClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewHTTPClient(opts ClientOptions, auth Authenticator, logger *logrus.Logger) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = MainnetAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, opts.Burst),
		logger:     logger,
	}
}

func (c *HTTPClient) Account() string {
	return c.auth.Account()
}

func (c *HTTPClient) GetMarkets(ctx context.Context) ([]models.Market, error) {
	var wire []marketWire
	if err := c.get(ctx, "/info", nil, &wire); err != nil {
		return nil, err
	}
	markets := make([]models.Market, 0, len(wire))
	for _, w := range wire {
		markets = append(markets, w.model())
	}
	return markets, nil
}

func (c *HTTPClient) GetPrices(ctx context.Context) ([]models.Price, error) {
	var wire []priceWire
	if err := c.get(ctx, "/info/prices", nil, &wire); err != nil {
		return nil, err
	}
	prices := make([]models.Price, 0, len(wire))
	for _, w := range wire {
		prices = append(prices, w.model())
	}
	return prices, nil
}

func (c *HTTPClient) GetAccount(ctx context.Context) (*models.Account, error) {
	var wire accountWire
	if err := c.get(ctx, "/account", c.accountQuery(), &wire); err != nil {
		return nil, err
	}
	return wire.model(), nil
}

func (c *HTTPClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	var wire []positionWire
	if err := c.get(ctx, "/positions", c.accountQuery(), &wire); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(wire))
	for _, w := range wire {
		positions = append(positions, w.model())
	}
	return positions, nil
}

func (c *HTTPClient) GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	var wire []openOrderWire
	if err := c.get(ctx, "/orders", c.accountQuery(), &wire); err != nil {
		return nil, err
	}
	orders := make([]models.OpenOrder, 0, len(wire))
	for _, w := range wire {
		orders = append(orders, w.model())
	}
	return orders, nil
}

func (c *HTTPClient) GetOrderHistory(ctx context.Context, orderID int64) ([]models.HistoryOrder, error) {
	query := url.Values{"order_id": {strconv.FormatInt(orderID, 10)}}
	var wire []historyOrderWire
	if err := c.get(ctx, "/orders/history_by_id", query, &wire); err != nil {
		return nil, err
	}
	history := make([]models.HistoryOrder, 0, len(wire))
	for _, w := range wire {
		history = append(history, w.model())
	}
	return history, nil
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.OrderResult, error) {
	clientOrderID := order.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	params := map[string]any{
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"amount":          order.Amount,
		"reduce_only":     order.ReduceOnly,
		"client_order_id": clientOrderID,
	}

	op, path := OpCreateOrder, "/orders/create"
	switch order.Type {
	case models.OrderTypeLimit:
		tif := order.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		params["price"] = order.Price
		params["tif"] = string(tif)
	case models.OrderTypeMarket:
		op, path = OpCreateMarketOrder, "/orders/create_market"
		params["slippage_percent"] = order.SlippagePercent
	default:
		return nil, fmt.Errorf("unsupported order type %q", order.Type)
	}

	var wire orderResultWire
	if err := c.post(ctx, path, op, params, &wire); err != nil {
		return nil, err
	}
	result := wire.model()
	if result.ClientOrderID == "" {
		result.ClientOrderID = clientOrderID
	}
	return result, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]any{
		"symbol":   symbol,
		"order_id": orderID,
	}
	return c.post(ctx, "/orders/cancel", OpCancelOrder, params, nil)
}

func (c *HTTPClient) CancelAllOrders(ctx context.Context, symbol string, excludeReduceOnly bool) (int, error) {
	params := map[string]any{
		"all_symbols":         symbol == "",
		"exclude_reduce_only": excludeReduceOnly,
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var wire cancelAllWire
	if err := c.post(ctx, "/orders/cancel_all", OpCancelAllOrders, params, &wire); err != nil {
		return 0, err
	}
	return wire.CancelledCount, nil
}

func (c *HTTPClient) UpdateLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]any{
		"symbol":   symbol,
		"leverage": leverage,
	}
	return c.post(ctx, "/account/leverage", OpUpdateLeverage, params, nil)
}

func (c *HTTPClient) SetPositionTPSL(ctx context.Context, req *models.TPSLRequest) error {
	params := map[string]any{
		"symbol": req.Symbol,
		"side":   string(req.Side),
	}
	if req.TakeProfit != nil {
		params["take_profit"] = stopParams(req.TakeProfit)
	}
	if req.StopLoss != nil {
		params["stop_loss"] = stopParams(req.StopLoss)
	}
	return c.post(ctx, "/positions/tpsl", OpSetPositionTPSL, params, nil)
}

func stopParams(s *models.StopOrder) map[string]any {
	params := map[string]any{"stop_price": s.StopPrice}
	if s.LimitPrice != "" {
		params["limit_price"] = s.LimitPrice
	}
	return params
}

func (c *HTTPClient) accountQuery() url.Values {
	return url.Values{"account": {c.auth.Account()}}
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, op OperationType, params map[string]any, out any) error {
	body, err := c.auth.SignRequest(op, params)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", op, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
		"status": resp.StatusCode,
	}).Debug("Pacifica request completed")

	if resp.StatusCode == http.StatusForbidden {
		return &APIError{StatusCode: resp.StatusCode, Message: snippet(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return &APIError{StatusCode: resp.StatusCode, Message: snippet(raw)}
		}
		// Proxy error pages (502/503/504 HTML) land here and are retried like any block.
		return fmt.Errorf("%w: status %d: %s", ErrMalformedResponse, resp.StatusCode, snippet(raw))
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		message := env.Error
		if message == "" {
			message = snippet(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

const maxSnippet = 200

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
