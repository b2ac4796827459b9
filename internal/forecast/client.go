package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
)

// HTTPProvider polls an external forecast service for the current
// prediction set. Invalid predictions are discarded, not surfaced: a bad
// signal shrinks the fusion input set, it never fails the cycle.
type HTTPProvider struct {
	baseURL string
	httpc   *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type signalsResponse struct {
	Signals []Prediction `json:"signals"`
}

func (h *HTTPProvider) Predictions(ctx context.Context) (Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/signals", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		// Explicit "no prediction available".
		return Set{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast service returned %d", resp.StatusCode)
	}

	var sr signalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}

	set := make(Set, len(sr.Signals))
	for _, p := range sr.Signals {
		if err := p.Validate(); err != nil {
			observ.IncCounter("forecast_invalid_signals_total", map[string]string{"timeframe": string(p.Timeframe)})
			observ.Log("forecast_signal_discarded", map[string]any{"reason": err.Error()})
			continue
		}
		set[p.Timeframe] = p
	}
	return set, nil
}
