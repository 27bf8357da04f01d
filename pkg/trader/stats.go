package trader

import (
	"github.com/gregtusar/pacifica-volume/pkg/models"
)

// Stats are cumulative for one run and only grow after a confirmed close.
type Stats struct {
	TotalVolume float64
	TotalPnL    float64
	TradesCount int
}

func (s *Stats) Record(trade models.TradeRecord) {
	s.TotalVolume += trade.Volume()
	s.TotalPnL += trade.PnL
	s.TradesCount++
}

// Progress is the fraction of target reached, capped at 1.
func (s Stats) Progress(target float64) float64 {
	if target <= 0 {
		return 1
	}
	p := s.TotalVolume / target
	if p > 1 {
		return 1
	}
	return p
}
