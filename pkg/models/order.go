package models

import (
	"time"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceALO TimeInForce = "ALO"
)

// OrderRequest carries prices and amounts already rounded to the market's tick and lot.
type OrderRequest struct {
	Symbol          string
	Side            Side
	Type            OrderType
	Price           string
	Amount          string
	TimeInForce     TimeInForce
	ReduceOnly      bool
	SlippagePercent string
	ClientOrderID   string
}

type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	// FillPrice is set when the placement response already reports an execution price.
	FillPrice float64
}

type OpenOrder struct {
	OrderID         int64
	ClientOrderID   string
	Symbol          string
	Side            Side
	Price           float64
	InitialAmount   float64
	FilledAmount    float64
	CancelledAmount float64
	OrderType       string
	ReduceOnly      bool
	CreatedAt       time.Time
}

func (o OpenOrder) Remaining() float64 {
	return o.InitialAmount - o.FilledAmount - o.CancelledAmount
}

func (o OpenOrder) FilledFraction() float64 {
	if o.InitialAmount <= 0 {
		return 0
	}
	return o.FilledAmount / o.InitialAmount
}

type HistoryOrder struct {
	OrderID       int64
	Symbol        string
	Side          Side
	Price         float64
	AveragePrice  float64
	InitialAmount float64
	FilledAmount  float64
	Status        string
	CreatedAt     time.Time
}

func (h HistoryOrder) FilledFraction() float64 {
	if h.InitialAmount <= 0 {
		return 0
	}
	return h.FilledAmount / h.InitialAmount
}

// ExecutionPrice prefers the average fill price over the order price.
func (h HistoryOrder) ExecutionPrice() float64 {
	if h.AveragePrice > 0 {
		return h.AveragePrice
	}
	return h.Price
}

type StopOrder struct {
	StopPrice  string
	LimitPrice string
}

// TPSLRequest attaches exchange-side exits to a position; Side is the side of the stop orders.
type TPSLRequest struct {
	Symbol     string
	Side       Side
	TakeProfit *StopOrder
	StopLoss   *StopOrder
}
