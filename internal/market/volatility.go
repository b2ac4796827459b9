package market

import (
	"math"
	"sync"
)

const volWindow = 20

// VolTracker maintains a rolling window of returns per timeframe and
// exposes the realized volatility over the last volWindow observations.
type VolTracker struct {
	mu      sync.RWMutex
	returns map[Timeframe][]float64
	lastPx  map[Timeframe]float64
}

func NewVolTracker() *VolTracker {
	return &VolTracker{
		returns: make(map[Timeframe][]float64),
		lastPx:  make(map[Timeframe]float64),
	}
}

// ObserveClose records a close price for a timeframe and derives the return
// against the previous close.
func (vt *VolTracker) ObserveClose(tf Timeframe, close float64) {
	if close <= 0 {
		return
	}
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if prev, ok := vt.lastPx[tf]; ok && prev > 0 {
		vt.appendReturn(tf, (close-prev)/prev)
	}
	vt.lastPx[tf] = close
}

// Seed loads a historical close series, typically from a REST kline
// backfill, replacing any prior window for the timeframe.
func (vt *VolTracker) Seed(tf Timeframe, closes []float64) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.returns[tf] = nil
	delete(vt.lastPx, tf)
	for _, c := range closes {
		if c <= 0 {
			continue
		}
		if prev, ok := vt.lastPx[tf]; ok && prev > 0 {
			vt.appendReturn(tf, (c-prev)/prev)
		}
		vt.lastPx[tf] = c
	}
}

func (vt *VolTracker) appendReturn(tf Timeframe, r float64) {
	w := append(vt.returns[tf], r)
	if len(w) > volWindow {
		w = w[len(w)-volWindow:]
	}
	vt.returns[tf] = w
}

// Realized returns the population standard deviation of the rolling return
// window for a timeframe. The boolean is false until a full window exists.
func (vt *VolTracker) Realized(tf Timeframe) (float64, bool) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	w := vt.returns[tf]
	if len(w) < volWindow {
		return 0, false
	}
	var mean float64
	for _, r := range w {
		mean += r
	}
	mean /= float64(len(w))
	var sq float64
	for _, r := range w {
		d := r - mean
		sq += d * d
	}
	vol := math.Sqrt(sq / float64(len(w)))
	if !isFinite(vol) {
		return 0, false
	}
	return vol, true
}

// All returns the realized volatility per timeframe for every timeframe
// with a complete window.
func (vt *VolTracker) All() map[Timeframe]float64 {
	out := make(map[Timeframe]float64, len(Timeframes))
	for _, tf := range Timeframes {
		if v, ok := vt.Realized(tf); ok {
			out[tf] = v
		}
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
