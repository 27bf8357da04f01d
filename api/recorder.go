package api

import (
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/pacifica-volume/pkg/models"
	"github.com/gregtusar/pacifica-volume/pkg/trader"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultTradeHistory = 200

// AccountSnapshot is the latest known state of one account's run.
type AccountSnapshot struct {
	Account       string    `json:"account"`
	RunID         string    `json:"run_id"`
	TotalVolume   float64   `json:"total_volume"`
	TotalPnL      float64   `json:"total_pnl"`
	TradesCount   int       `json:"trades_count"`
	CyclesAborted int       `json:"cycles_aborted"`
	Leverage      int       `json:"leverage"`
	Symbol        string    `json:"symbol,omitempty"`
	LastEvent     string    `json:"last_event"`
	LastReason    string    `json:"last_reason,omitempty"`
	LastEventAt   time.Time `json:"last_event_at"`
	Finished      bool      `json:"finished"`
}

type TradeView struct {
	ID         string    `json:"id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Notional   float64   `json:"notional"`
	Volume     float64   `json:"volume"`
	Leverage   int       `json:"leverage"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

func newTradeView(t models.TradeRecord) TradeView {
	return TradeView{
		ID:         t.ID,
		Account:    t.Account,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Notional:   t.Notional,
		Volume:     t.Volume(),
		Leverage:   t.Leverage,
		PnL:        t.PnL,
		ExitReason: t.ExitReason,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
	}
}

// Recorder collects trader events for the status API and Prometheus.
type Recorder struct {
	mu        sync.RWMutex
	accounts  map[string]*AccountSnapshot
	trades    []models.TradeRecord
	targets   map[string]float64
	maxTrades int

	registry    *prometheus.Registry
	mtxVolume   *prometheus.CounterVec
	mtxTrades   *prometheus.CounterVec
	mtxAborted  *prometheus.CounterVec
	mtxExits    *prometheus.CounterVec
	mtxPnL      *prometheus.GaugeVec
	mtxLeverage *prometheus.GaugeVec
	mtxProgress *prometheus.GaugeVec
}

func NewRecorder(maxTrades int) *Recorder {
	if maxTrades <= 0 {
		maxTrades = defaultTradeHistory
	}

	r := &Recorder{
		accounts:  make(map[string]*AccountSnapshot),
		targets:   make(map[string]float64),
		maxTrades: maxTrades,
		registry:  prometheus.NewRegistry(),
		mtxVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volumebot_volume_usd_total",
				Help: "Traded volume counting both legs of each round trip",
			},
			[]string{"account", "symbol"},
		),
		mtxTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volumebot_trades_total",
				Help: "Completed round trips",
			},
			[]string{"account", "symbol", "side"},
		),
		mtxAborted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volumebot_cycles_aborted_total",
				Help: "Cycles that ended without a recorded trade",
			},
			[]string{"account"},
		),
		// reason: hold_expired, take_profit, stop_loss, external_close
		mtxExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volumebot_exit_reasons_total",
				Help: "Closed positions split by exit reason",
			},
			[]string{"account", "reason"},
		),
		mtxPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "volumebot_pnl_usd",
				Help: "Cumulative realised PnL net of fees",
			},
			[]string{"account"},
		),
		mtxLeverage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "volumebot_leverage",
				Help: "Leverage currently applied",
			},
			[]string{"account"},
		),
		mtxProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "volumebot_target_progress_ratio",
				Help: "Fraction of the volume target reached",
			},
			[]string{"account"},
		),
	}

	r.registry.MustRegister(
		r.mtxVolume,
		r.mtxTrades,
		r.mtxAborted,
		r.mtxExits,
		r.mtxPnL,
		r.mtxLeverage,
		r.mtxProgress,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SetTarget registers the volume target used for an account's progress gauge.
func (r *Recorder) SetTarget(account string, target float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[account] = target
	r.mtxProgress.WithLabelValues(account).Set(0)
}

func (r *Recorder) Publish(event trader.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.accounts[event.Account]
	if !ok {
		snap = &AccountSnapshot{Account: event.Account}
		r.accounts[event.Account] = snap
	}
	snap.RunID = event.RunID
	snap.TotalVolume = event.Stats.TotalVolume
	snap.TotalPnL = event.Stats.TotalPnL
	snap.TradesCount = event.Stats.TradesCount
	snap.LastEvent = string(event.Type)
	snap.LastReason = event.Reason
	snap.LastEventAt = event.Time
	if event.Leverage > 0 {
		snap.Leverage = event.Leverage
		r.mtxLeverage.WithLabelValues(event.Account).Set(float64(event.Leverage))
	}
	if event.Symbol != "" {
		snap.Symbol = event.Symbol
	}
	r.mtxPnL.WithLabelValues(event.Account).Set(event.Stats.TotalPnL)
	if target, ok := r.targets[event.Account]; ok {
		r.mtxProgress.WithLabelValues(event.Account).Set(event.Stats.Progress(target))
	}

	switch event.Type {
	case trader.EventRunStarted:
		snap.Finished = false
	case trader.EventCycleAborted:
		snap.CyclesAborted++
		r.mtxAborted.WithLabelValues(event.Account).Inc()
	case trader.EventPositionClosed:
		if event.Trade == nil {
			return
		}
		trade := *event.Trade
		r.mtxVolume.WithLabelValues(event.Account, trade.Symbol).Add(trade.Volume())
		r.mtxTrades.WithLabelValues(event.Account, trade.Symbol, string(trade.Side)).Inc()
		r.mtxExits.WithLabelValues(event.Account, trade.ExitReason).Inc()

		r.trades = append(r.trades, trade)
		if len(r.trades) > r.maxTrades {
			r.trades = r.trades[len(r.trades)-r.maxTrades:]
		}
	case trader.EventRunFinished:
		snap.Finished = true
	}
}

// Snapshots returns one entry per account, sorted by account.
func (r *Recorder) Snapshots() []AccountSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AccountSnapshot, 0, len(r.accounts))
	for _, snap := range r.accounts {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// RecentTrades returns up to limit trades, newest first. limit <= 0 means all retained.
func (r *Recorder) RecentTrades(account string, limit int) []TradeView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TradeView, 0)
	for i := len(r.trades) - 1; i >= 0; i-- {
		if account != "" && r.trades[i].Account != account {
			continue
		}
		out = append(out, newTradeView(r.trades[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
