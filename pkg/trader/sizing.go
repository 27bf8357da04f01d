package trader

import (
	"errors"
	"fmt"

	"github.com/gregtusar/pacifica-volume/pkg/models"
)

var ErrOrderTooSmall = errors.New("order size rounds to zero")

// Sizing is the fee-aware position size for one cycle.
type Sizing struct {
	Fraction float64
	Base     float64 // margin committed from the balance
	Notional float64 // Base times leverage
	FeeRate  float64
	Reduced  bool
}

// SizePosition caps the sampled balance fraction so that the position plus round-trip fees
// stays inside the balance minus the safety buffer.
func SizePosition(balance, fraction, feeRate float64, leverage int) (Sizing, error) {
	if balance <= 0 {
		return Sizing{}, fmt.Errorf("balance must be positive, got %v", balance)
	}
	if leverage < 1 {
		leverage = 1
	}

	roundTrip := 1 + 2*feeRate
	base := balance * fraction
	if maxBase := balance * (1 - SafetyBuffer) / roundTrip; base > maxBase {
		base = maxBase
	}

	sizing := Sizing{Fraction: fraction, Base: base, FeeRate: feeRate}
	if required := base * roundTrip; required > balance {
		maxFraction := (balance * (1 - SafetyBuffer)) / (balance * roundTrip)
		if fraction > maxFraction {
			sizing.Fraction = maxFraction
		}
		sizing.Base = balance * sizing.Fraction
		sizing.Reduced = true
	}

	if sizing.Base <= 0 {
		return Sizing{}, ErrOrderTooSmall
	}
	sizing.Notional = sizing.Base * float64(leverage)
	return sizing, nil
}

// OrderAmount converts a USD notional into a lot-rounded base quantity.
func OrderAmount(notional, price, lotSize float64) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("price must be positive, got %v", price)
	}
	amount := RoundToLot(notional/price, lotSize)
	if parseAmount(amount) <= 0 {
		return "", fmt.Errorf("%w: %.8f at %v with lot %v", ErrOrderTooSmall, notional/price, price, lotSize)
	}
	return amount, nil
}

// PnL returns realized profit net of round-trip fees for a position of the given notional.
func PnL(side models.Side, entry, exit, notional, feeRate float64) float64 {
	if entry <= 0 {
		return -2 * feeRate * notional
	}
	diff := exit - entry
	if side == models.SideAsk {
		diff = entry - exit
	}
	return diff/entry*notional - 2*feeRate*notional
}
