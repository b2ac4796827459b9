package forecast

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
)

func valid(tf market.Timeframe) Prediction {
	return Prediction{
		Timeframe:      tf,
		HorizonSteps:   1,
		PredictedDelta: 1.2,
		Confidence80:   0.8,
		Confidence90:   0.85,
		Confidence95:   0.9,
		GeneratedAt:    time.Now().UTC(),
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, valid(market.TF1m).Validate())

	outOfOrder := valid(market.TF1m)
	outOfOrder.Confidence90 = 0.7
	assert.Error(t, outOfOrder.Validate(), "bands must be non-decreasing")

	nan := valid(market.TF1m)
	nan.PredictedDelta = math.NaN()
	assert.Error(t, nan.Validate())

	inf := valid(market.TF1m)
	inf.Confidence95 = math.Inf(1)
	assert.Error(t, inf.Validate())

	noHorizon := valid(market.TF1m)
	noHorizon.HorizonSteps = 0
	assert.Error(t, noHorizon.Validate())
}

func TestHTTPProviderDiscardsInvalidSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/signals", r.URL.Path)
		bad := valid(market.TF5m)
		bad.Confidence80 = 0.99 // above the 90 band
		resp := signalsResponse{Signals: []Prediction{valid(market.TF1m), bad}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	set, err := p.Predictions(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.Contains(t, set, market.TF1m)
	assert.NotContains(t, set, market.TF5m)
}

func TestHTTPProviderNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	set, err := p.Predictions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	_, err := p.Predictions(context.Background())
	assert.Error(t, err)
}

func TestStaticProviderCopies(t *testing.T) {
	s := Static{Signals: Set{market.TF1m: valid(market.TF1m)}}
	a, err := s.Predictions(context.Background())
	require.NoError(t, err)
	delete(a, market.TF1m)
	b, err := s.Predictions(context.Background())
	require.NoError(t, err)
	assert.Len(t, b, 1, "mutating a returned set must not affect the provider")
}
