package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
)

// Prediction is one per-timeframe forecast from the external model.
// Immutable once produced; the engine validates rather than trusts it.
type Prediction struct {
	Timeframe       market.Timeframe `json:"timeframe"`
	HorizonSteps    int              `json:"horizon_steps"`
	PredictedDelta  float64          `json:"predicted_delta_pct"` // percent
	Confidence80    float64          `json:"confidence_80"`
	Confidence90    float64          `json:"confidence_90"`
	Confidence95    float64          `json:"confidence_95"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Validate enforces the forecaster contract: confidence bands are
// non-decreasing and every magnitude is finite.
func (p Prediction) Validate() error {
	for _, v := range []float64{p.PredictedDelta, p.Confidence80, p.Confidence90, p.Confidence95} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite field in %s prediction", p.Timeframe)
		}
	}
	if p.Confidence80 > p.Confidence90 || p.Confidence90 > p.Confidence95 {
		return fmt.Errorf("confidence bands out of order for %s: %.3f/%.3f/%.3f",
			p.Timeframe, p.Confidence80, p.Confidence90, p.Confidence95)
	}
	if p.HorizonSteps < 1 {
		return fmt.Errorf("horizon steps must be >= 1 for %s", p.Timeframe)
	}
	return nil
}

// Set is the per-cycle mapping of timeframe to prediction. Missing
// timeframes are allowed; fusion proceeds on whatever arrived.
type Set map[market.Timeframe]Prediction

// Provider is the forecaster handle owned by the caller and passed into the
// engine. How predictions are produced (and how concurrently) is entirely
// the provider's business.
type Provider interface {
	// Predictions returns the current forecast set, or an empty set when no
	// prediction is available. It must respect context cancellation.
	Predictions(ctx context.Context) (Set, error)
}

// Static is a fixed provider for tests and replay fixtures.
type Static struct {
	Signals Set
	Err     error
}

func (s Static) Predictions(ctx context.Context) (Set, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(Set, len(s.Signals))
	for tf, p := range s.Signals {
		out[tf] = p
	}
	return out, nil
}
