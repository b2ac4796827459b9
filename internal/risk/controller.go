package risk

import (
	"math"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
)

// Reason is the closed set of risk rejection codes.
type Reason string

const (
	ReasonApproved            Reason = "approved"
	ReasonRiskPause           Reason = "risk_pause"
	ReasonZeroBudget          Reason = "zero_risk_budget"
	ReasonBelowMinNotional    Reason = "below_min_notional"
	ReasonAboveMaxNotional    Reason = "above_max_notional"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

// Intent is an approved, sized order request for the simulator.
type Intent struct {
	Symbol      string
	Side        portfolio.OrderSide
	NotionalUSD float64
	Size        float64 // base asset
}

// Config mirrors §risk of the yaml configuration.
type Config struct {
	MaxRiskPct         float64
	RecoveryRiskPct    float64
	DrawdownHardStop   float64
	DrawdownSoftLevel  float64
	DrawdownStepFactor float64
	KellyWindow        int
	VolTarget          float64
	MinOrderUSD        float64
	MaxOrderUSD        float64
}

// Controller sizes positions under Kelly-style limits with drawdown
// protection. It is the only writer of the risk State.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// UpdateEquity moves the high water mark and drawdown after any
// equity-changing event. The high water mark never decreases.
func (c *Controller) UpdateEquity(rs *State, equity float64) {
	rs.updateEquity(equity)
	observ.SetGauge("risk_high_water_mark", rs.HighWaterMark, nil)
	observ.SetGauge("risk_drawdown_pct", rs.CurrentDrawdownPct, nil)
}

// RecordOutcome feeds a closed trade's realized PnL into the rolling
// window used for the Kelly statistics.
func (c *Controller) RecordOutcome(rs *State, realized float64) {
	rs.recordOutcome(realized, c.cfg.KellyWindow)
	p, n := rs.WinRate()
	observ.SetGauge("risk_rolling_win_rate", p, nil)
	observ.SetGauge("risk_outcome_window", float64(n), nil)
}

// Halted reports whether the drawdown hard stop is active. Entering the
// stop arms recovery mode; it stays armed until a new high water mark.
func (c *Controller) Halted(rs *State) bool {
	if rs.CurrentDrawdownPct >= c.cfg.DrawdownHardStop {
		if !rs.RecoveryMode {
			rs.RecoveryMode = true
			observ.IncCounter("risk_hard_stops_total", nil)
			observ.Log("risk_hard_stop", map[string]any{"drawdown": rs.CurrentDrawdownPct})
		}
		return true
	}
	return false
}

// drawdownFactor applies the ladder: full size below the soft level, a
// 25%-per-1% cut between soft level and hard stop.
func (c *Controller) drawdownFactor(dd float64) float64 {
	if dd < c.cfg.DrawdownSoftLevel {
		return 1.0
	}
	steps := math.Floor((dd - c.cfg.DrawdownSoftLevel) / 0.01)
	factor := 1.0 - (steps+1)*c.cfg.DrawdownStepFactor
	return math.Max(0, factor)
}

// kellyFraction computes f* = (b·p − q)/b from the rolling window. The
// boolean is false until a full window of outcomes exists; callers size at
// the capped risk until then, since the neutral defaults p=0.5, b=1.0 would
// otherwise forbid the first trade forever.
func (c *Controller) kellyFraction(rs *State) (float64, bool) {
	p, n := rs.WinRate()
	if n < c.cfg.KellyWindow {
		return 0, false
	}
	b, ok := rs.winLossRatio()
	if !ok || b <= 0 {
		return 0, false
	}
	f := (b*p - (1 - p)) / b
	return math.Max(0, f), true
}

// Evaluate turns an admitted signal into an order intent or a rejection
// reason. price is the current mid, vol20 the realized 20-period
// volatility backing the volatility scaling (zero means unknown).
func (c *Controller) Evaluate(symbol string, sig *signal.Fused, pf *portfolio.State, rs *State, vol20, price float64) (*Intent, Reason) {
	if c.Halted(rs) {
		return nil, ReasonRiskPause
	}
	if price <= 0 {
		return nil, ReasonZeroBudget
	}

	// The hard cap is an absolute ceiling applied after every other
	// adjustment; recovery mode tightens it further.
	ceiling := c.cfg.MaxRiskPct
	if rs.RecoveryMode {
		ceiling = c.cfg.RecoveryRiskPct
	}

	f, ok := c.kellyFraction(rs)
	if !ok {
		f = ceiling
	}
	if vol20 > 0 {
		f *= math.Min(1.0, c.cfg.VolTarget/vol20)
	}
	f *= c.drawdownFactor(rs.CurrentDrawdownPct)
	f = math.Min(f, ceiling)
	if f <= 0 {
		return nil, ReasonZeroBudget
	}

	notional := pf.WalletBalance * f
	switch {
	case notional < c.cfg.MinOrderUSD:
		return nil, ReasonBelowMinNotional
	case notional > c.cfg.MaxOrderUSD:
		return nil, ReasonAboveMaxNotional
	case notional > pf.WalletBalance:
		return nil, ReasonInsufficientBalance
	}

	side := portfolio.Buy
	if sig.Direction == signal.Short {
		side = portfolio.Sell
	}
	observ.Observe("risk_intent_notional_usd", notional, nil)
	return &Intent{
		Symbol:      symbol,
		Side:        side,
		NotionalUSD: notional,
		Size:        notional / price,
	}, ReasonApproved
}
