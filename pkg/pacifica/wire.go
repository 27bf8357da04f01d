package pacifica

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/shopspring/decimal"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
}

// number decodes exchange numerics, which arrive as quoted strings, bare numbers, "" or null.
type number struct {
	decimal.Decimal
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	n.Decimal = d
	return nil
}

func (n number) Float() float64 {
	return n.InexactFloat64()
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type marketWire struct {
	Symbol          string `json:"symbol"`
	TickSize        number `json:"tick_size"`
	LotSize         number `json:"lot_size"`
	MinOrderSize    number `json:"min_order_size"`
	MaxLeverage     number `json:"max_leverage"`
	FundingRate     number `json:"funding_rate"`
	NextFundingRate number `json:"next_funding_rate"`
	MarkPrice       number `json:"mark_price"`
	IndexPrice      number `json:"index_price"`
	LastPrice       number `json:"last_price"`
}

func (w marketWire) model() models.Market {
	return models.Market{
		Symbol:          w.Symbol,
		TickSize:        w.TickSize.Float(),
		LotSize:         w.LotSize.Float(),
		MinOrderSize:    w.MinOrderSize.Float(),
		MaxLeverage:     int(w.MaxLeverage.IntPart()),
		FundingRate:     w.FundingRate.Float(),
		NextFundingRate: w.NextFundingRate.Float(),
		MarkPrice:       w.MarkPrice.Float(),
		IndexPrice:      w.IndexPrice.Float(),
		LastPrice:       w.LastPrice.Float(),
	}
}

type priceWire struct {
	Symbol      string `json:"symbol"`
	Mark        number `json:"mark"`
	Mid         number `json:"mid"`
	Oracle      number `json:"oracle"`
	Funding     number `json:"funding"`
	NextFunding number `json:"next_funding"`
	Timestamp   int64  `json:"timestamp"`
}

func (w priceWire) model() models.Price {
	return models.Price{
		Symbol:      w.Symbol,
		Mark:        w.Mark.Float(),
		Mid:         w.Mid.Float(),
		Oracle:      w.Oracle.Float(),
		Funding:     w.Funding.Float(),
		NextFunding: w.NextFunding.Float(),
		Timestamp:   millis(w.Timestamp),
	}
}

type accountWire struct {
	Balance          number `json:"balance"`
	AccountEquity    number `json:"account_equity"`
	AvailableToSpend number `json:"available_to_spend"`
	PositionsCount   int    `json:"positions_count"`
	OrdersCount      int    `json:"orders_count"`
	UpdatedAt        int64  `json:"updated_at"`
}

func (w accountWire) model() *models.Account {
	return &models.Account{
		Balance:          w.Balance.Float(),
		AccountEquity:    w.AccountEquity.Float(),
		AvailableToSpend: w.AvailableToSpend.Float(),
		PositionsCount:   w.PositionsCount,
		OrdersCount:      w.OrdersCount,
		UpdatedAt:        millis(w.UpdatedAt),
	}
}

type positionWire struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Amount     number `json:"amount"`
	EntryPrice number `json:"entry_price"`
	Leverage   number `json:"leverage"`
	Margin     number `json:"margin"`
	Isolated   bool   `json:"isolated"`
	UpdatedAt  int64  `json:"updated_at"`
}

// model converts the unsigned amount into a signed one using the side.
func (w positionWire) model() models.Position {
	side := models.Side(strings.ToLower(w.Side))
	amount := w.Amount.Float()
	if side == models.SideAsk && amount > 0 {
		amount = -amount
	}
	return models.Position{
		Symbol:     w.Symbol,
		Side:       side,
		Amount:     amount,
		EntryPrice: w.EntryPrice.Float(),
		Leverage:   int(w.Leverage.IntPart()),
		Margin:     w.Margin.Float(),
		Isolated:   w.Isolated,
		UpdatedAt:  millis(w.UpdatedAt),
	}
}

type openOrderWire struct {
	OrderID         number `json:"order_id"`
	ClientOrderID   string `json:"client_order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           number `json:"price"`
	InitialAmount   number `json:"initial_amount"`
	FilledAmount    number `json:"filled_amount"`
	CancelledAmount number `json:"cancelled_amount"`
	OrderType       string `json:"order_type"`
	ReduceOnly      bool   `json:"reduce_only"`
	CreatedAt       int64  `json:"created_at"`
}

func (w openOrderWire) model() models.OpenOrder {
	return models.OpenOrder{
		OrderID:         w.OrderID.IntPart(),
		ClientOrderID:   w.ClientOrderID,
		Symbol:          w.Symbol,
		Side:            models.Side(strings.ToLower(w.Side)),
		Price:           w.Price.Float(),
		InitialAmount:   w.InitialAmount.Float(),
		FilledAmount:    w.FilledAmount.Float(),
		CancelledAmount: w.CancelledAmount.Float(),
		OrderType:       w.OrderType,
		ReduceOnly:      w.ReduceOnly,
		CreatedAt:       millis(w.CreatedAt),
	}
}

type historyOrderWire struct {
	OrderID       number `json:"order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         number `json:"price"`
	AveragePrice  number `json:"average_filled_price"`
	InitialAmount number `json:"initial_amount"`
	FilledAmount  number `json:"filled_amount"`
	Status        string `json:"order_status"`
	CreatedAt     int64  `json:"created_at"`
}

func (w historyOrderWire) model() models.HistoryOrder {
	return models.HistoryOrder{
		OrderID:       w.OrderID.IntPart(),
		Symbol:        w.Symbol,
		Side:          models.Side(strings.ToLower(w.Side)),
		Price:         w.Price.Float(),
		AveragePrice:  w.AveragePrice.Float(),
		InitialAmount: w.InitialAmount.Float(),
		FilledAmount:  w.FilledAmount.Float(),
		Status:        w.Status,
		CreatedAt:     millis(w.CreatedAt),
	}
}

// orderResultWire lists every id and price alias seen in placement responses.
type orderResultWire struct {
	OrderID       number `json:"order_id"`
	ID            number `json:"id"`
	OrderIDCamel  number `json:"orderId"`
	ClientOrderID string `json:"client_order_id"`
	AvgPrice      number `json:"avg_price"`
	AvgPriceCamel number `json:"avgPrice"`
	Price         number `json:"price"`
	ExecutedPrice number `json:"executed_price"`
	FillPrice     number `json:"fill_price"`
}

func (w orderResultWire) model() *models.OrderResult {
	result := &models.OrderResult{ClientOrderID: w.ClientOrderID}
	for _, id := range []number{w.OrderID, w.ID, w.OrderIDCamel} {
		if id.IsPositive() {
			result.OrderID = id.IntPart()
			break
		}
	}
	for _, p := range []number{w.AvgPrice, w.AvgPriceCamel, w.Price, w.ExecutedPrice, w.FillPrice} {
		if p.IsPositive() {
			result.FillPrice = p.Float()
			break
		}
	}
	return result
}

type cancelAllWire struct {
	CancelledCount int `json:"cancelled_count"`
}
