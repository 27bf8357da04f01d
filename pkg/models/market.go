package models

import (
	"time"
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Direction reports LONG for bids and SHORT for asks.
func (s Side) Direction() string {
	if s == SideBid {
		return "LONG"
	}
	return "SHORT"
}

type Market struct {
	Symbol          string
	TickSize        float64
	LotSize         float64
	MinOrderSize    float64
	MaxLeverage     int
	FundingRate     float64
	NextFundingRate float64

	// Price fields some market listings carry; used only when the price feed has nothing.
	MarkPrice  float64
	IndexPrice float64
	LastPrice  float64
}

// Funding returns the rate used for market selection and direction.
func (m Market) Funding() float64 {
	if m.NextFundingRate != 0 {
		return m.NextFundingRate
	}
	return m.FundingRate
}

func (m Market) FallbackPrice() float64 {
	for _, p := range []float64{m.MarkPrice, m.IndexPrice, m.LastPrice} {
		if p > 0 {
			return p
		}
	}
	return 0
}

type Price struct {
	Symbol      string
	Mark        float64
	Mid         float64
	Oracle      float64
	Funding     float64
	NextFunding float64
	Timestamp   time.Time
}

// Value is the mark price, falling back to mid and oracle.
func (p Price) Value() float64 {
	for _, v := range []float64{p.Mark, p.Mid, p.Oracle} {
		if v > 0 {
			return v
		}
	}
	return 0
}
