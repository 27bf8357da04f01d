package models

import (
	"time"
)

type TradeRecord struct {
	ID         string
	Account    string
	Symbol     string
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	Notional   float64
	Leverage   int
	PnL        float64
	ExitReason string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Volume counts both legs of the round trip.
func (t TradeRecord) Volume() float64 {
	return t.Notional * 2
}
