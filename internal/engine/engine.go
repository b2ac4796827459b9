package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/forecast"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/gate"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/paper"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/risk"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/store"
)

// BotState is the observable mode of the trading loop. The labels are part
// of the operator surface (logs and dashboard) and must stay stable.
type BotState string

const (
	StateAnalyzing  BotState = "ANALYZING"
	StateLongEntry  BotState = "LONG ENTRY"
	StateShortEntry BotState = "SHORT ENTRY"
	StateHold       BotState = "POSITION HOLD"
	StateClose      BotState = "CLOSE POSITION"
	StateRiskPause  BotState = "RISK PAUSE"
	StateWaiting    BotState = "WAITING"
)

// MarketSource is the slice of the feed the engine consumes. Kept small so
// cycle tests can drive the loop from fixtures.
type MarketSource interface {
	Latest() (market.Snapshot, bool)
	Stale(now time.Time) bool
}

// VolSource supplies realized volatility per timeframe.
type VolSource interface {
	All() map[market.Timeframe]float64
	Realized(tf market.Timeframe) (float64, bool)
}

// Status is the read-only projection published after every cycle for the
// dashboard. It carries copies, never live pointers into engine state.
type Status struct {
	State         BotState
	Symbol        string
	MidPrice      float64
	SpreadBps     float64
	Wallet        float64
	Equity        float64
	TotalPnL      float64
	DrawdownPct   float64
	WinRate       float64
	ClosedTrades  int
	Position      *portfolio.Position
	UnrealizedPnL float64
	Signal        *signal.Fused
	UpdatedAt     time.Time
}

// Publisher receives the per-cycle status projection. Implementations must
// not block; the engine calls it synchronously from the cycle.
type Publisher interface {
	Publish(Status)
}

// Config carries the loop timings. ForecastWait bounds how long a cycle
// waits on the forecaster before fusing whatever arrived.
type Config struct {
	Symbol           string
	CycleInterval    time.Duration
	SnapshotInterval time.Duration
	ShutdownTimeout  time.Duration
	ForecastWait     time.Duration
}

// Engine owns the portfolio and risk state and runs the serialized decision
// cycle: no trading mutation happens outside Run's goroutine.
type Engine struct {
	cfg      Config
	feed     MarketSource
	vols     VolSource
	provider forecast.Provider
	agg      *signal.Aggregator
	gate     *gate.Gate
	riskCtl  *risk.Controller
	sim      *paper.Simulator
	store    *store.Store
	pub      Publisher // optional

	pf    *portfolio.State
	rs    *risk.State
	state BotState
	now   func() time.Time
}

func New(
	cfg Config,
	feed MarketSource,
	vols VolSource,
	provider forecast.Provider,
	agg *signal.Aggregator,
	g *gate.Gate,
	riskCtl *risk.Controller,
	sim *paper.Simulator,
	st *store.Store,
	pf *portfolio.State,
	rs *risk.State,
	pub Publisher,
) *Engine {
	return &Engine{
		cfg:      cfg,
		feed:     feed,
		vols:     vols,
		provider: provider,
		agg:      agg,
		gate:     g,
		riskCtl:  riskCtl,
		sim:      sim,
		store:    st,
		pf:       pf,
		rs:       rs,
		pub:      pub,
		state:    StateAnalyzing,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current bot state label.
func (e *Engine) State() BotState { return e.state }

// Run executes cycles until the context is cancelled, then performs the
// cooperative shutdown: the in-flight cycle finishes, open positions are
// closed against the latest snapshot, and a final snapshot is written, all
// within the configured timeout.
func (e *Engine) Run(ctx context.Context) error {
	cycle := time.NewTicker(e.cfg.CycleInterval)
	defer cycle.Stop()
	persist := time.NewTicker(e.cfg.SnapshotInterval)
	defer persist.Stop()

	observ.Log("engine_started", map[string]any{
		"symbol": e.cfg.Symbol,
		"cycle":  e.cfg.CycleInterval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-persist.C:
			if err := e.store.Save(e.pf, e.rs); err != nil {
				observ.Log("snapshot_save_failed", map[string]any{"error": err.Error()})
			}
		case <-cycle.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	observ.IncCounter("engine_cycles_total", nil)
	now := e.now()

	if e.feed.Stale(now) {
		e.transition(StateWaiting, "feed_stale")
		e.publish(market.Snapshot{}, nil)
		return
	}
	snap, ok := e.feed.Latest()
	if !ok {
		e.transition(StateWaiting, "no_snapshot")
		e.publish(market.Snapshot{}, nil)
		return
	}

	for _, adj := range e.sim.AccrueFunding(e.pf, snap, now) {
		observ.Log("funding_applied", map[string]any{
			"symbol": adj.Symbol, "amount": adj.Amount,
		})
	}
	e.riskCtl.UpdateEquity(e.rs, e.equity(snap))

	fctx := ctx
	if e.cfg.ForecastWait > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, e.cfg.ForecastWait)
		defer cancel()
	}
	preds, err := e.provider.Predictions(fctx)
	if err != nil {
		observ.IncCounter("forecast_fetch_failures_total", nil)
		observ.Log("forecast_fetch_failed", map[string]any{"error": err.Error()})
	}
	fused := e.agg.Fuse(preds, e.vols.All())

	if pos, has := e.pf.Position(e.cfg.Symbol); has {
		e.managePosition(pos, fused, snap)
	} else {
		e.considerEntry(fused, snap)
	}

	e.riskCtl.UpdateEquity(e.rs, e.equity(snap))
	e.publish(snap, fused)
}

// managePosition decides between holding and exiting. An exit fires when
// the fused signal points against the open side; risk pause never blocks a
// close.
func (e *Engine) managePosition(pos *portfolio.Position, fused *signal.Fused, snap market.Snapshot) {
	opposing := fused != nil &&
		((pos.Side == portfolio.SideLong && fused.Direction == signal.Short) ||
			(pos.Side == portfolio.SideShort && fused.Direction == signal.Long))
	if !opposing {
		e.transition(StateHold, "")
		return
	}

	e.transition(StateClose, "signal_reversal")
	side := portfolio.Sell
	if pos.Side == portfolio.SideShort {
		side = portfolio.Buy
	}
	order := paper.NewOrder(e.cfg.Symbol, side, pos.Size)
	recs, err := e.sim.Execute(order, e.pf, snap)
	if err != nil {
		observ.Log("close_failed", map[string]any{"error": err.Error()})
		return
	}
	e.recordCloses(recs)
}

// considerEntry runs the admission chain for a flat book: drawdown halt,
// fused signal, microstructure gate, then risk sizing. The halt overrides
// signal quality and microstructure; gate and sizing rejections map to
// WAITING.
func (e *Engine) considerEntry(fused *signal.Fused, snap market.Snapshot) {
	if e.riskCtl.Halted(e.rs) {
		e.transition(StateRiskPause, "drawdown_halt")
		return
	}
	if fused == nil || fused.Direction == signal.Flat {
		e.transition(StateAnalyzing, "")
		return
	}

	if ok, reason := e.gate.Check(fused, snap); !ok {
		observ.Log("gate_rejected", map[string]any{"reason": string(reason)})
		e.transition(StateWaiting, string(reason))
		return
	}

	intent, reason := e.riskCtl.Evaluate(e.cfg.Symbol, fused, e.pf, e.rs, e.entryVol(), snap.MidPrice)
	if reason == risk.ReasonRiskPause {
		e.transition(StateRiskPause, "drawdown_halt")
		return
	}
	if intent == nil {
		observ.Log("risk_rejected", map[string]any{"reason": string(reason)})
		e.transition(StateWaiting, string(reason))
		return
	}

	if intent.Side == portfolio.Buy {
		e.transition(StateLongEntry, "")
	} else {
		e.transition(StateShortEntry, "")
	}
	order := paper.NewOrder(intent.Symbol, intent.Side, intent.Size)
	recs, err := e.sim.Execute(order, e.pf, snap)
	if err != nil {
		observ.Log("entry_failed", map[string]any{"error": err.Error()})
		e.transition(StateAnalyzing, "")
		return
	}
	e.recordCloses(recs)
	observ.Log("position_opened", map[string]any{
		"symbol":   intent.Symbol,
		"side":     string(intent.Side),
		"notional": intent.NotionalUSD,
	})
}

// entryVol returns the realized volatility of the shortest timeframe with a
// complete window, backing the sizing adjustment. Zero disables scaling.
func (e *Engine) entryVol() float64 {
	for _, tf := range market.Timeframes {
		if v, ok := e.vols.Realized(tf); ok {
			return v
		}
	}
	return 0
}

// recordCloses feeds realized outcomes into the risk window. Any close is
// snapshotted immediately so a crash cannot lose a settled trade.
func (e *Engine) recordCloses(recs []portfolio.TradeRecord) {
	closed := 0
	for _, rec := range recs {
		if !rec.Closing {
			continue
		}
		closed++
		e.riskCtl.RecordOutcome(e.rs, rec.RealizedPnL)
		observ.Log("position_closed", map[string]any{
			"symbol":   rec.Symbol,
			"realized": rec.RealizedPnL,
		})
	}
	if closed == 0 {
		return
	}
	if err := e.store.Save(e.pf, e.rs); err != nil {
		observ.Log("snapshot_save_failed", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) equity(snap market.Snapshot) float64 {
	return e.pf.Equity(map[string]float64{e.cfg.Symbol: snap.MidPrice})
}

func (e *Engine) transition(next BotState, why string) {
	if e.state == next {
		return
	}
	fields := map[string]any{"from": string(e.state), "to": string(next)}
	if why != "" {
		fields["reason"] = why
	}
	observ.Log("engine_state_changed", fields)
	observ.IncCounter("engine_state_transitions_total", map[string]string{"to": string(next)})
	e.state = next
}

func (e *Engine) publish(snap market.Snapshot, fused *signal.Fused) {
	if e.pub == nil {
		return
	}
	st := Status{
		State:        e.state,
		Symbol:       e.cfg.Symbol,
		MidPrice:     snap.MidPrice,
		SpreadBps:    snap.SpreadBps,
		Wallet:       e.pf.WalletBalance,
		TotalPnL:     e.pf.TotalPnL,
		DrawdownPct:  e.rs.CurrentDrawdownPct,
		ClosedTrades: len(e.pf.ClosedTrades()),
		Signal:       fused,
		UpdatedAt:    e.now(),
	}
	st.WinRate, _ = e.rs.WinRate()
	st.Equity = e.pf.WalletBalance
	if snap.Valid() {
		st.Equity = e.equity(snap)
	}
	if pos, ok := e.pf.Position(e.cfg.Symbol); ok {
		cp := *pos
		st.Position = &cp
		if snap.Valid() {
			st.UnrealizedPnL = pos.UnrealizedPnL(snap.MidPrice)
		}
	}
	e.pub.Publish(st)
}

// shutdown closes open positions against the latest usable snapshot and
// writes a final snapshot. It is bounded by the configured timeout; an
// unclosable position is reported, not retried forever.
func (e *Engine) shutdown() error {
	deadline := e.now().Add(e.cfg.ShutdownTimeout)
	observ.Log("engine_shutdown_started", map[string]any{
		"timeout": e.cfg.ShutdownTimeout.String(),
	})

	var unclosed []string
	if pos, ok := e.pf.Position(e.cfg.Symbol); ok {
		snap, have := e.feed.Latest()
		if have && snap.Valid() && e.now().Before(deadline) {
			side := portfolio.Sell
			if pos.Side == portfolio.SideShort {
				side = portfolio.Buy
			}
			order := paper.NewOrder(e.cfg.Symbol, side, pos.Size)
			recs, err := e.sim.Execute(order, e.pf, snap)
			if err != nil {
				unclosed = append(unclosed, e.cfg.Symbol)
				observ.Log("shutdown_close_failed", map[string]any{
					"symbol": e.cfg.Symbol, "error": err.Error(),
				})
			} else {
				e.recordCloses(recs)
				e.riskCtl.UpdateEquity(e.rs, e.equity(snap))
			}
		} else {
			unclosed = append(unclosed, e.cfg.Symbol)
			observ.Log("shutdown_close_skipped", map[string]any{
				"symbol": e.cfg.Symbol, "reason": "no usable snapshot",
			})
		}
	}

	if err := e.store.Save(e.pf, e.rs); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	observ.Log("engine_shutdown_complete", map[string]any{
		"unclosed":  unclosed,
		"total_pnl": e.pf.TotalPnL,
	})
	if len(unclosed) > 0 {
		return fmt.Errorf("shutdown left %d position(s) open", len(unclosed))
	}
	return nil
}
