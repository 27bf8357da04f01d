package models

import (
	"math"
	"time"
)

// FlatEpsilon is the amount below which a position counts as closed.
const FlatEpsilon = 1e-6

type Position struct {
	Symbol     string
	Side       Side
	Amount     float64 // signed, positive = long
	EntryPrice float64
	Leverage   int
	Margin     float64
	Isolated   bool
	UpdatedAt  time.Time
}

func (p Position) IsOpen() bool {
	return math.Abs(p.Amount) > FlatEpsilon
}

func (p Position) Size() float64 {
	return math.Abs(p.Amount)
}

// Direction derives the side from the signed amount, falling back to the reported side.
func (p Position) Direction() Side {
	switch {
	case p.Amount > 0:
		return SideBid
	case p.Amount < 0:
		return SideAsk
	}
	return p.Side
}

type Account struct {
	Balance          float64
	AccountEquity    float64
	AvailableToSpend float64
	PositionsCount   int
	OrdersCount      int
	UpdatedAt        time.Time
}

// Spendable picks the first non-zero of available_to_spend, balance and account_equity.
func (a Account) Spendable() (float64, bool) {
	for _, v := range []float64{a.AvailableToSpend, a.Balance, a.AccountEquity} {
		if v != 0 {
			return v, true
		}
	}
	return 0, false
}
