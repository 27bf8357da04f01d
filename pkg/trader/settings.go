package trader

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	MakerFeeRate       = 0.0002
	TakerFeeRate       = 0.0005
	SafetyBuffer       = 0.05
	AggressiveSlippage = 0.0001
)

// Range is a closed interval sampled uniformly.
type Range struct {
	Min float64
	Max float64
}

func (r Range) Sample(rng *rand.Rand) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

func (r Range) validate(name string) error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("%s range [%v, %v] is invalid", name, r.Min, r.Max)
	}
	return nil
}

// IntRange is a closed integer interval sampled uniformly.
type IntRange struct {
	Min int
	Max int
}

func (r IntRange) Sample(rng *rand.Rand) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

func (r IntRange) validate(name string) error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("%s range [%d, %d] is invalid", name, r.Min, r.Max)
	}
	return nil
}

// FillSettings tunes the fill reconciliation loop.
type FillSettings struct {
	MaxWait           time.Duration
	RepositionTimeout time.Duration
	PollInterval      time.Duration
	// RepositionReserve is the budget that must remain for a reposition to be attempted.
	RepositionReserve time.Duration
	JitterMin         time.Duration
	JitterMax         time.Duration
}

type Settings struct {
	HoldTimeMinutes IntRange
	TargetVolume    float64
	Leverage        int
	Markets         []string
	PositionSize    Range
	DelaySeconds    IntRange
	UseMakerOrders  bool
	TakeProfit      Range
	StopLoss        Range
	Slippage        Range

	Fill            FillSettings
	MonitorInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		HoldTimeMinutes: IntRange{Min: 6, Max: 12},
		TargetVolume:    10000,
		Leverage:        5,
		Markets:         []string{"BTC", "ETH", "SOL"},
		PositionSize:    Range{Min: 0.7, Max: 0.9},
		DelaySeconds:    IntRange{Min: 30, Max: 60},
		UseMakerOrders:  true,
		TakeProfit:      Range{Min: 0.0005, Max: 0.0012},
		StopLoss:        Range{Min: 0.002, Max: 0.004},
		Slippage:        Range{Min: 0.0003, Max: 0.0007},
		Fill: FillSettings{
			MaxWait:           300 * time.Second,
			RepositionTimeout: 90 * time.Second,
			PollInterval:      5 * time.Second,
			RepositionReserve: 60 * time.Second,
			JitterMin:         300 * time.Millisecond,
			JitterMax:         1500 * time.Millisecond,
		},
		MonitorInterval: 10 * time.Second,
	}
}

func (s Settings) Validate() error {
	if len(s.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	if s.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", s.Leverage)
	}
	if s.TargetVolume <= 0 {
		return fmt.Errorf("target volume must be positive, got %v", s.TargetVolume)
	}
	if s.PositionSize.Min <= 0 || s.PositionSize.Max > 1 {
		return fmt.Errorf("position size range [%v, %v] must be within (0, 1]", s.PositionSize.Min, s.PositionSize.Max)
	}
	if s.Fill.PollInterval <= 0 || s.MonitorInterval <= 0 {
		return errors.New("poll and monitor intervals must be positive")
	}

	checks := []error{
		s.HoldTimeMinutes.validate("hold time"),
		s.DelaySeconds.validate("delay"),
		s.PositionSize.validate("position size"),
		s.TakeProfit.validate("take profit"),
		s.StopLoss.validate("stop loss"),
		s.Slippage.validate("slippage"),
	}
	return errors.Join(checks...)
}

func (s Settings) FeeRate() float64 {
	if s.UseMakerOrders {
		return MakerFeeRate
	}
	return TakerFeeRate
}
