package trader

import (
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventCycleStarted     EventType = "cycle_started"
	EventLeverageAdjusted EventType = "leverage_adjusted"
	EventPositionOpened   EventType = "position_opened"
	EventPositionClosed   EventType = "position_closed"
	EventCycleAborted     EventType = "cycle_aborted"
	EventProgress         EventType = "progress"
	EventRunFinished      EventType = "run_finished"
)

// Event is a progress or outcome notification for presentation layers.
type Event struct {
	Type     EventType
	Time     time.Time
	Account  string
	RunID    string
	Symbol   string
	Side     models.Side
	Price    float64
	Amount   string
	Notional float64
	Leverage int
	Reason   string
	Stats    Stats
	Trade    *models.TradeRecord
}

type EventSink interface {
	Publish(event Event)
}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(event Event) {
	for _, sink := range m {
		sink.Publish(event)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Publish(event Event) {
	fields := logrus.Fields{
		"event":   string(event.Type),
		"account": event.Account,
		"run_id":  event.RunID,
	}
	if event.Symbol != "" {
		fields["symbol"] = event.Symbol
	}
	if event.Side != "" {
		fields["side"] = string(event.Side)
	}
	if event.Price > 0 {
		fields["price"] = event.Price
	}
	if event.Notional > 0 {
		fields["notional"] = event.Notional
	}
	if event.Leverage > 0 {
		fields["leverage"] = event.Leverage
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.Type == EventProgress || event.Type == EventRunFinished {
		fields["total_volume"] = event.Stats.TotalVolume
		fields["total_pnl"] = event.Stats.TotalPnL
		fields["trades"] = event.Stats.TradesCount
	}
	s.Logger.WithFields(fields).Debug("Trader event")
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
