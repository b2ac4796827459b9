package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
)

func testController() *Controller {
	return NewController(Config{
		MaxRiskPct:         0.015,
		RecoveryRiskPct:    0.005,
		DrawdownHardStop:   0.08,
		DrawdownSoftLevel:  0.05,
		DrawdownStepFactor: 0.25,
		KellyWindow:        50,
		VolTarget:          0.02,
		MinOrderUSD:        10,
		MaxOrderUSD:        1000,
	})
}

func longSignal() *signal.Fused {
	return &signal.Fused{Direction: signal.Long, MagnitudePct: 2.1, Confidence: 0.87}
}

func TestDrawdownLadder(t *testing.T) {
	c := testController()
	cases := []struct {
		dd   float64
		want float64
	}{
		{0.00, 1.0},
		{0.049, 1.0},
		{0.05, 0.75},
		{0.062, 0.50},
		{0.079, 0.25},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, c.drawdownFactor(tc.dd), 1e-9, "dd=%v", tc.dd)
	}
}

func TestHighWaterMarkNeverDecreases(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	c.UpdateEquity(rs, 11000)
	c.UpdateEquity(rs, 9000)
	assert.Equal(t, 11000.0, rs.HighWaterMark)
	assert.InDelta(t, 2000.0/11000.0, rs.CurrentDrawdownPct, 1e-9)

	// Recomputing from the same pair is idempotent.
	before := rs.CurrentDrawdownPct
	c.UpdateEquity(rs, 9000)
	assert.Equal(t, before, rs.CurrentDrawdownPct)
}

func TestHardStopAndRecovery(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	pf := portfolio.NewState(10000)

	// Scenario: 9% drawdown halts any signal, regardless of quality.
	c.UpdateEquity(rs, 9100)
	intent, reason := c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0, 43000)
	assert.Nil(t, intent)
	assert.Equal(t, ReasonRiskPause, reason)
	assert.True(t, rs.RecoveryMode)

	// Partial recovery: trading resumes, capped at the recovery risk.
	c.UpdateEquity(rs, 9600)
	intent, reason = c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0, 43000)
	require.NotNil(t, intent, "reason=%s", reason)
	assert.InDelta(t, 10000*0.005, intent.NotionalUSD, 1e-9)

	// A new high water mark clears recovery mode.
	c.UpdateEquity(rs, 10500)
	assert.False(t, rs.RecoveryMode)
	assert.Zero(t, rs.CurrentDrawdownPct)
}

func TestEvaluateSizesAtCapWithoutHistory(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	pf := portfolio.NewState(10000)

	intent, reason := c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0, 43000)
	require.Equal(t, ReasonApproved, reason)
	require.NotNil(t, intent)
	assert.Equal(t, portfolio.Buy, intent.Side)
	assert.InDelta(t, 150.0, intent.NotionalUSD, 1e-9)
	assert.InDelta(t, 150.0/43000, intent.Size, 1e-12)
	assert.GreaterOrEqual(t, intent.NotionalUSD, 10.0)
	assert.LessOrEqual(t, intent.NotionalUSD, 1000.0)
}

func TestEvaluateVolatilityScaling(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	pf := portfolio.NewState(10000)

	// Realized vol at twice the target halves the fraction.
	intent, reason := c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0.04, 43000)
	require.Equal(t, ReasonApproved, reason)
	assert.InDelta(t, 75.0, intent.NotionalUSD, 1e-9)

	// Vol below target never scales up.
	intent, _ = c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0.01, 43000)
	assert.InDelta(t, 150.0, intent.NotionalUSD, 1e-9)
}

func TestEvaluateDrawdownReduction(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	pf := portfolio.NewState(10000)

	c.UpdateEquity(rs, 9380) // 6.2% drawdown: two ladder steps
	intent, reason := c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0, 43000)
	require.Equal(t, ReasonApproved, reason)
	assert.InDelta(t, pf.WalletBalance*0.015*0.5, intent.NotionalUSD, 1e-9)
}

func TestKellyFromFullWindow(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	for i := 0; i < 30; i++ {
		c.RecordOutcome(rs, 2.0)
	}
	for i := 0; i < 20; i++ {
		c.RecordOutcome(rs, -1.0)
	}
	f, ok := c.kellyFraction(rs)
	require.True(t, ok)
	// p=0.6, b=2 -> f* = (2*0.6 - 0.4)/2 = 0.4
	assert.InDelta(t, 0.4, f, 1e-9)

	// The hard cap still wins as the absolute ceiling.
	pf := portfolio.NewState(10000)
	intent, reason := c.Evaluate("BTCUSDT", longSignal(), pf, rs, 0, 43000)
	require.Equal(t, ReasonApproved, reason)
	assert.InDelta(t, 150.0, intent.NotionalUSD, 1e-9)
}

func TestOutcomeWindowSlides(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	for i := 0; i < 60; i++ {
		c.RecordOutcome(rs, 1.0)
	}
	_, n := rs.WinRate()
	assert.Equal(t, 50, n)
}

func TestEvaluateOrderBounds(t *testing.T) {
	c := testController()
	rs := NewState(10000)

	small := portfolio.NewState(500) // cap yields $7.50, below the floor
	intent, reason := c.Evaluate("BTCUSDT", longSignal(), small, rs, 0, 43000)
	assert.Nil(t, intent)
	assert.Equal(t, ReasonBelowMinNotional, reason)

	big := NewController(Config{
		MaxRiskPct: 0.20, RecoveryRiskPct: 0.005,
		DrawdownHardStop: 0.08, DrawdownSoftLevel: 0.05, DrawdownStepFactor: 0.25,
		KellyWindow: 50, VolTarget: 0.02, MinOrderUSD: 10, MaxOrderUSD: 1000,
	})
	intent, reason = big.Evaluate("BTCUSDT", longSignal(), portfolio.NewState(10000), rs, 0, 43000)
	assert.Nil(t, intent)
	assert.Equal(t, ReasonAboveMaxNotional, reason)
}

func TestEvaluateShortSide(t *testing.T) {
	c := testController()
	rs := NewState(10000)
	pf := portfolio.NewState(10000)
	sig := &signal.Fused{Direction: signal.Short, MagnitudePct: -1.0, Confidence: 0.8}
	intent, reason := c.Evaluate("BTCUSDT", sig, pf, rs, 0, 43000)
	require.Equal(t, ReasonApproved, reason)
	assert.Equal(t, portfolio.Sell, intent.Side)
}
