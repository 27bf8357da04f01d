package trader

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundToLot truncates qty toward zero to a multiple of lot, formatted with the lot's
// precision and no trailing zeros. It never rounds up, so the order cannot exceed the balance.
func RoundToLot(qty, lot float64) string {
	if lot <= 0 {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	l := decimal.NewFromFloat(lot)
	q := decimal.NewFromFloat(qty)
	rounded := q.DivRound(l, 16).Truncate(0).Mul(l)
	return rounded.Truncate(places(l)).String()
}

// RoundToTick rounds price to the nearest multiple of tick (half to even), formatted with
// the tick's precision.
func RoundToTick(price, tick float64) string {
	if tick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	t := decimal.NewFromFloat(tick)
	p := decimal.NewFromFloat(price)
	rounded := p.DivRound(t, 16).RoundBank(0).Mul(t)
	return rounded.StringFixed(places(t))
}

func places(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
