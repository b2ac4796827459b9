package signal

import (
	"fmt"
	"math"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/forecast"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
)

// Direction of a fused signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Fused is the single actionable signal for a cycle. Derived, recomputed
// every cycle, never mutated after creation.
type Fused struct {
	Direction    Direction
	MagnitudePct float64
	Confidence   float64 // [0,1], weighted confidence_90
	Timeframes   []market.Timeframe
}

// Config carries the fusion parameters. BaseWeights is ordered shortest to
// longest timeframe and must cover market.Timeframes.
type Config struct {
	ConfidenceFloor float64
	MinMagnitudePct float64
	DecayFactor     float64
	VolTarget       float64
	BaseWeights     []float64
}

// Aggregator fuses per-timeframe predictions into one Fused signal.
// Fusion is deterministic: iteration follows the canonical timeframe order
// and no clock or randomness is consulted, so identical inputs always
// produce bit-identical output.
type Aggregator struct {
	cfg Config
}

// NewAggregator rejects a weight list that does not cover every timeframe;
// Fuse indexes BaseWeights positionally.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if len(cfg.BaseWeights) != len(market.Timeframes) {
		return nil, fmt.Errorf("base weights: got %d, need %d timeframes",
			len(cfg.BaseWeights), len(market.Timeframes))
	}
	return &Aggregator{cfg: cfg}, nil
}

// Fuse combines the surviving predictions. vols supplies the realized
// 20-period volatility per timeframe; a missing entry means no volatility
// adjustment for that timeframe. Returns nil when no timeframe clears the
// confidence floor.
func (a *Aggregator) Fuse(preds forecast.Set, vols map[market.Timeframe]float64) *Fused {
	type contributor struct {
		tf     market.Timeframe
		weight float64
		pred   forecast.Prediction
	}

	var survivors []contributor
	var baseSum float64
	for i, tf := range market.Timeframes {
		p, ok := preds[tf]
		if !ok {
			continue
		}
		if p.Validate() != nil {
			// Contract violations never reach fusion.
			observ.IncCounter("fusion_rejected_signals_total", map[string]string{"timeframe": string(tf)})
			continue
		}
		if p.Confidence80 < a.cfg.ConfidenceFloor {
			observ.IncCounter("fusion_below_floor_total", map[string]string{"timeframe": string(tf)})
			continue
		}
		w := a.cfg.BaseWeights[i]
		survivors = append(survivors, contributor{tf: tf, weight: w, pred: p})
		baseSum += w
	}
	if len(survivors) == 0 || baseSum == 0 {
		return nil
	}

	var magnitude, confSum, weightSum float64
	tfs := make([]market.Timeframe, 0, len(survivors))
	for _, c := range survivors {
		// Renormalize base weight over the surviving subset.
		w := c.weight / baseSum

		// Temporal decay per multi-step prediction, counted from the
		// nearest forecast step.
		w *= math.Pow(a.cfg.DecayFactor, float64(c.pred.HorizonSteps-1))

		// Volatility adjustment scales the contribution toward the target.
		if vol, ok := vols[c.tf]; ok && vol > 0 {
			w *= math.Min(1.0, a.cfg.VolTarget/vol)
		}

		magnitude += w * c.pred.PredictedDelta
		confSum += w * c.pred.Confidence90
		weightSum += w
		tfs = append(tfs, c.tf)
	}
	if weightSum == 0 {
		return nil
	}

	fused := &Fused{
		MagnitudePct: magnitude,
		Confidence:   confSum / weightSum,
		Timeframes:   tfs,
	}
	switch {
	case magnitude >= a.cfg.MinMagnitudePct:
		fused.Direction = Long
	case magnitude <= -a.cfg.MinMagnitudePct:
		fused.Direction = Short
	default:
		fused.Direction = Flat
	}
	return fused
}
