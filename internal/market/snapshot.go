package market

import (
	"math"
	"time"
)

// Timeframe identifies a candle interval, shortest to longest.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
)

// Timeframes is the canonical ordering used for weight assignment and
// deterministic iteration.
var Timeframes = []Timeframe{TF1m, TF3m, TF5m, TF15m, TF30m, TF1h}

// Level is one order-book price level.
type Level struct {
	Price float64
	Qty   float64
}

// Snapshot is one immutable tick of market state. SpreadBps is derived at
// construction and never recomputed.
type Snapshot struct {
	Symbol     string
	MidPrice   float64
	Bid        float64
	Ask        float64
	Top5Bids   []Level
	Top5Asks   []Level
	SpreadBps  float64
	ObservedAt time.Time
}

// NewSnapshot derives mid price and relative spread from the quoted book.
func NewSnapshot(symbol string, bid, ask float64, bids, asks []Level, observedAt time.Time) Snapshot {
	mid := (bid + ask) / 2
	return Snapshot{
		Symbol:     symbol,
		MidPrice:   mid,
		Bid:        bid,
		Ask:        ask,
		Top5Bids:   bids,
		Top5Asks:   asks,
		SpreadBps:  RelativeSpreadBps(ask, bid),
		ObservedAt: observedAt,
	}
}

// RelativeSpreadBps returns the quoted spread in basis points of the mid price.
func RelativeSpreadBps(ask, bid float64) float64 {
	if ask <= 0 || bid <= 0 {
		return 0
	}
	mid := (ask + bid) / 2
	if mid == 0 {
		return 0
	}
	return ((ask - bid) / mid) * 10000
}

// PressureRatio returns total bid volume over total ask volume across the
// visible levels. Ratios above 1 favor buyers.
func (s Snapshot) PressureRatio() float64 {
	var bidVol, askVol float64
	for _, l := range s.Top5Bids {
		bidVol += l.Qty
	}
	for _, l := range s.Top5Asks {
		askVol += l.Qty
	}
	if askVol == 0 {
		if bidVol > 0 {
			return math.Inf(1)
		}
		return 1.0
	}
	return bidVol / askVol
}

// LiquidityUSD returns the total notional value resting in the visible
// levels on both sides.
func (s Snapshot) LiquidityUSD() float64 {
	var total float64
	for _, l := range s.Top5Bids {
		total += l.Price * l.Qty
	}
	for _, l := range s.Top5Asks {
		total += l.Price * l.Qty
	}
	return total
}

// SideLiquidityUSD returns the notional resting on the side an aggressive
// order of the given direction would consume: asks for buys, bids for sells.
func (s Snapshot) SideLiquidityUSD(buy bool) float64 {
	var total float64
	levels := s.Top5Asks
	if !buy {
		levels = s.Top5Bids
	}
	for _, l := range levels {
		total += l.Price * l.Qty
	}
	return total
}

// Valid reports whether the snapshot carries a usable two-sided quote.
func (s Snapshot) Valid() bool {
	return s.Bid > 0 && s.Ask > 0 && s.Ask >= s.Bid &&
		!math.IsNaN(s.MidPrice) && !math.IsInf(s.MidPrice, 0)
}

// StaleAfter reports whether the snapshot is older than the threshold at
// the given instant.
func (s Snapshot) StaleAfter(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.ObservedAt) > threshold
}
