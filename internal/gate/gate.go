package gate

import (
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
)

// Reason is the closed set of rejection codes. Rejections are reported,
// never fatal; the cycle proceeds to a waiting state.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonSpreadTooWide    Reason = "spread_too_wide"
	ReasonThinLiquidity    Reason = "thin_liquidity"
	ReasonPressureConflict Reason = "pressure_conflict"
)

// Config holds the admission thresholds.
type Config struct {
	MaxSpreadBps     float64
	MinLiquidityUSD  float64
	PressureRatioMin float64 // ratio beyond which order flow confirms a side
}

// Gate admits or rejects fused signals on market-quality grounds.
type Gate struct {
	cfg Config
}

func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Check returns whether the signal may proceed and the first failing
// reason. All rules must pass.
func (g *Gate) Check(sig *signal.Fused, snap market.Snapshot) (bool, Reason) {
	if snap.SpreadBps >= g.cfg.MaxSpreadBps {
		g.count(ReasonSpreadTooWide)
		return false, ReasonSpreadTooWide
	}
	if snap.LiquidityUSD() < g.cfg.MinLiquidityUSD {
		g.count(ReasonThinLiquidity)
		return false, ReasonThinLiquidity
	}

	// When the book leans hard to one side, only signals agreeing with the
	// flow are admitted. A short into heavy bid pressure is rejected, and
	// vice versa.
	ratio := snap.PressureRatio()
	if sig.Direction == signal.Short && ratio > g.cfg.PressureRatioMin {
		g.count(ReasonPressureConflict)
		return false, ReasonPressureConflict
	}
	if sig.Direction == signal.Long && ratio > 0 && ratio < 1/g.cfg.PressureRatioMin {
		g.count(ReasonPressureConflict)
		return false, ReasonPressureConflict
	}

	return true, ReasonOK
}

func (g *Gate) count(r Reason) {
	observ.IncCounter("gate_rejections_total", map[string]string{"reason": string(r)})
}
