package paper

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/portfolio"
)

// OrderType selects the fee path: resting orders pay maker, aggressive
// orders pay taker.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Order is an ephemeral execution request. It is consumed by the simulator
// and never persisted; only the resulting trade records survive.
type Order struct {
	ID             string
	Symbol         string
	Side           portfolio.OrderSide
	RequestedSize  float64
	RequestedPrice float64
	Type           OrderType
}

// NewOrder builds an aggressive market order from a sized intent.
func NewOrder(symbol string, side portfolio.OrderSide, size float64) Order {
	return Order{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		RequestedSize: size,
		Type:          Market,
	}
}

// NewLimitOrder builds an order that fills only at RequestedPrice or better
// and pays the maker fee.
func NewLimitOrder(symbol string, side portfolio.OrderSide, size, price float64) Order {
	return Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		RequestedSize:  size,
		RequestedPrice: price,
		Type:           Limit,
	}
}

// Config mirrors §paper of the yaml configuration.
type Config struct {
	MakerFeeRate    float64
	TakerFeeRate    float64
	SlippageFactor  float64
	LatencyMsMin    int
	LatencyMsMax    int
	MaxBookFraction float64
	FundingInterval time.Duration
	FundingRate     float64
}

// Simulator executes orders against snapshots with modeled slippage,
// latency drift, partial fills, commissions and funding. It mutates the
// portfolio state it is handed; the engine serializes those calls.
type Simulator struct {
	cfg Config

	// injectable for deterministic tests
	rng *rand.Rand
	now func() time.Time

	lastFunding time.Time
}

func NewSimulator(cfg Config) *Simulator {
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Simulator) feeRate(t OrderType) float64 {
	if t == Limit {
		return s.cfg.MakerFeeRate
	}
	return s.cfg.TakerFeeRate
}

// latencyDrift models the 50-200ms network window as a bounded random walk
// of the reference price, proportional to the spread and the drawn latency.
func (s *Simulator) latencyDrift(spread float64) float64 {
	span := s.cfg.LatencyMsMax - s.cfg.LatencyMsMin
	latencyMs := s.cfg.LatencyMsMin
	if span > 0 {
		latencyMs += s.rng.Intn(span + 1)
	}
	observ.Observe("paper_fill_latency_ms", float64(latencyMs), nil)
	frac := float64(latencyMs) / float64(s.cfg.LatencyMsMax)
	return spread * frac * (s.rng.Float64() - 0.5)
}

// Execute fills an order against the snapshot and applies the results to
// the portfolio. Orders exceeding the configured fraction of visible depth
// are split into sequential partial fills, each re-pricing against the
// remaining simulated book. An order flipping through an open position is
// executed as a full close followed by a fresh open. A limit order fills
// only at its price or better.
func (s *Simulator) Execute(order Order, state *portfolio.State, snap market.Snapshot) ([]portfolio.TradeRecord, error) {
	if order.RequestedSize <= 0 {
		return nil, fmt.Errorf("order size must be positive")
	}
	if order.Type == Limit && order.RequestedPrice <= 0 {
		return nil, fmt.Errorf("limit order needs a positive price")
	}
	if !snap.Valid() {
		return nil, fmt.Errorf("cannot execute against invalid snapshot")
	}

	if pos, ok := state.Position(order.Symbol); ok {
		opposing := (pos.Side == portfolio.SideLong && order.Side == portfolio.Sell) ||
			(pos.Side == portfolio.SideShort && order.Side == portfolio.Buy)
		if opposing && order.RequestedSize > pos.Size {
			closeSize := pos.Size
			closeOrder := order
			closeOrder.RequestedSize = closeSize
			recs, err := s.fillAll(closeOrder, state, snap)
			if err != nil {
				return recs, err
			}
			openOrder := order
			openOrder.ID = uuid.NewString()
			openOrder.RequestedSize = order.RequestedSize - closeSize
			more, err := s.fillAll(openOrder, state, snap)
			return append(recs, more...), err
		}
	}
	return s.fillAll(order, state, snap)
}

func (s *Simulator) fillAll(order Order, state *portfolio.State, snap market.Snapshot) ([]portfolio.TradeRecord, error) {
	buy := order.Side == portfolio.Buy
	ref := snap.Ask
	if !buy {
		ref = snap.Bid
	}
	spread := snap.Ask - snap.Bid
	ref += s.latencyDrift(spread)
	if outsideLimit(order, buy, ref) {
		return nil, fmt.Errorf("limit price %g not reached", order.RequestedPrice)
	}

	remainingDepth := snap.SideLiquidityUSD(buy)
	if remainingDepth <= 0 {
		remainingDepth = order.RequestedSize * ref // degenerate book, fill without depth relief
	}
	maxFillUSD := s.cfg.MaxBookFraction * remainingDepth

	var records []portfolio.TradeRecord
	remaining := order.RequestedSize
	for remaining > 0 {
		size := remaining
		if notional := size * ref; notional > maxFillUSD && maxFillUSD > 0 {
			size = maxFillUSD / ref
		}
		notional := size * ref

		// Impact grows with the share of remaining depth this fill eats.
		ratio := 1.0
		if remainingDepth > 0 {
			ratio = math.Min(notional/remainingDepth, 1.0)
		}
		slipPerUnit := spread * s.cfg.SlippageFactor * ratio
		slippageCost := slipPerUnit * size
		commission := notional * s.feeRate(order.Type)

		rec, err := state.ApplyFill(portfolio.Fill{
			ID:           uuid.NewString(),
			Symbol:       order.Symbol,
			Side:         order.Side,
			Price:        ref,
			Size:         size,
			Commission:   commission,
			SlippageCost: slippageCost,
			Timestamp:    s.now(),
		})
		if err != nil {
			return records, err
		}
		records = append(records, rec)
		observ.IncCounter("paper_fills_total", map[string]string{"side": string(order.Side)})
		observ.Observe("paper_fill_slippage_usd", slippageCost, nil)

		remaining -= size
		if remaining < 1e-12 {
			remaining = 0
		}
		// Re-price the next partial against the thinner remaining book.
		remainingDepth -= notional
		if remainingDepth <= 0 {
			remainingDepth = notional
		}
		if buy {
			ref += slipPerUnit
		} else {
			ref -= slipPerUnit
		}
		// A limit order stops filling once the walk crosses its price; the
		// remainder stays unfilled.
		if remaining > 0 && outsideLimit(order, buy, ref) {
			break
		}
	}
	return records, nil
}

// outsideLimit reports whether a fill at price would violate the order's
// limit. Market orders have no limit.
func outsideLimit(order Order, buy bool, price float64) bool {
	if order.Type != Limit {
		return false
	}
	if buy {
		return price > order.RequestedPrice
	}
	return price < order.RequestedPrice
}

// AccrueFunding charges funding against the wallet for any open position
// once per interval of simulated time. The adjustment is its own ledger
// entry, not a trade: no position change occurs.
func (s *Simulator) AccrueFunding(state *portfolio.State, snap market.Snapshot, now time.Time) []portfolio.FundingAdjustment {
	if s.lastFunding.IsZero() {
		s.lastFunding = now
		return nil
	}
	if now.Sub(s.lastFunding) < s.cfg.FundingInterval {
		return nil
	}
	s.lastFunding = now

	var out []portfolio.FundingAdjustment
	for sym, pos := range state.Positions {
		notional := pos.Notional(snap.MidPrice)
		amount := -s.cfg.FundingRate * notional
		if pos.Side == portfolio.SideShort {
			amount = -amount
		}
		adj := portfolio.FundingAdjustment{
			ID:        uuid.NewString(),
			Timestamp: now,
			Symbol:    sym,
			Amount:    amount,
		}
		state.ApplyFunding(adj)
		out = append(out, adj)
		observ.IncCounter("paper_funding_events_total", nil)
		observ.Observe("paper_funding_usd", amount, nil)
	}
	return out
}
