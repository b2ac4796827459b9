package risk

// State carries the persisted risk metrics. It is mutated only by the
// Controller: equity updates move the high water mark and drawdown, closed
// trades feed the rolling outcome window.
type State struct {
	HighWaterMark      float64   `json:"high_water_mark"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"` // [0,1]
	RecoveryMode       bool      `json:"recovery_mode"`
	Outcomes           []float64 `json:"outcomes"` // realized PnL of recent closed trades
}

func NewState(initialEquity float64) *State {
	return &State{HighWaterMark: initialEquity}
}

// updateEquity recomputes drawdown against the monotone high water mark.
// Reaching a new high water mark clears recovery mode.
func (s *State) updateEquity(equity float64) {
	if equity > s.HighWaterMark {
		s.HighWaterMark = equity
		s.RecoveryMode = false
	}
	if s.HighWaterMark > 0 {
		s.CurrentDrawdownPct = (s.HighWaterMark - equity) / s.HighWaterMark
	} else {
		s.CurrentDrawdownPct = 0
	}
	if s.CurrentDrawdownPct < 0 {
		s.CurrentDrawdownPct = 0
	}
}

func (s *State) recordOutcome(realized float64, window int) {
	s.Outcomes = append(s.Outcomes, realized)
	if len(s.Outcomes) > window {
		s.Outcomes = s.Outcomes[len(s.Outcomes)-window:]
	}
}

// WinRate returns the fraction of winning trades in the rolling window and
// the number of observations behind it.
func (s *State) WinRate() (float64, int) {
	if len(s.Outcomes) == 0 {
		return 0, 0
	}
	wins := 0
	for _, r := range s.Outcomes {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(s.Outcomes)), len(s.Outcomes)
}

// winLossRatio returns the average win over the average loss magnitude.
// The boolean is false when either side of the ledger is empty.
func (s *State) winLossRatio() (float64, bool) {
	var winSum, lossSum float64
	var wins, losses int
	for _, r := range s.Outcomes {
		if r > 0 {
			winSum += r
			wins++
		} else {
			lossSum += -r
			losses++
		}
	}
	if wins == 0 || losses == 0 || lossSum == 0 {
		return 0, false
	}
	return (winSum / float64(wins)) / (lossSum / float64(losses)), true
}
