package portfolio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Side of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide of a fill.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// ErrCorrupt marks a state whose ledger no longer reconciles with its
// balances. It is never recovered silently.
var ErrCorrupt = errors.New("portfolio state fails reconciliation")

// reconcileTolerance absorbs float64 rounding across long ledgers.
const reconcileTolerance = 1e-6

// Position is the single open exposure for a symbol. Created on fill-open,
// destroyed on fill-close. Commission and slippage accumulate over the
// position's lifetime and are charged against realized PnL at close.
type Position struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Size         float64   `json:"size"`
	EntryPrice   float64   `json:"entry_price"`
	OpenedAt     time.Time `json:"opened_at"`
	Commissions  float64   `json:"commissions"`
	SlippageCost float64   `json:"slippage_cost"`
}

func (p Position) directionSign() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// Notional returns the current notional at the given mark price.
func (p Position) Notional(mark float64) float64 {
	return p.Size * mark
}

// UnrealizedPnL is the mark-to-market PnL before any lifetime costs.
func (p Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Size * p.directionSign()
}

// TradeRecord is an append-only ledger entry for one fill. Immutable once
// written. RealizedPnL is zero for opening fills and carries the net result
// (gross PnL minus lifetime commissions and slippage) on closing fills.
type TradeRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	FillPrice   float64   `json:"fill_price"`
	Size        float64   `json:"size"`
	Commission  float64   `json:"commission"`
	Slippage    float64   `json:"slippage"`
	RealizedPnL float64   `json:"realized_pnl"`
	Closing     bool      `json:"closing,omitempty"`
}

// FundingAdjustment is a wallet adjustment for holding an open position
// across a funding interval. Not a TradeRecord: no position change occurs.
type FundingAdjustment struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Amount    float64   `json:"amount"` // signed, applied to the wallet
}

// LedgerEntry tags the two ledger record kinds.
type LedgerEntry struct {
	Kind    string             `json:"kind"` // "trade" | "funding"
	Trade   *TradeRecord       `json:"trade,omitempty"`
	Funding *FundingAdjustment `json:"funding,omitempty"`
}

// Fill is a priced execution delivered by the simulator. Price is the
// pre-slippage reference price; SlippageCost carries the dollar impact so
// the ledger can account for it explicitly.
type Fill struct {
	ID           string
	Symbol       string
	Side         OrderSide
	Price        float64
	Size         float64
	Commission   float64
	SlippageCost float64
	Timestamp    time.Time
}

// State is the single unit of persisted truth: wallet, open positions,
// total realized PnL and the ordered ledger. It is owned exclusively by the
// engine; cycles are serialized against it.
type State struct {
	InitialBalance float64              `json:"initial_balance"`
	WalletBalance  float64              `json:"wallet_balance"`
	Positions      map[string]*Position `json:"positions"`
	TotalPnL       float64              `json:"total_pnl"`
	Ledger         []LedgerEntry        `json:"ledger"`
}

func NewState(initialBalance float64) *State {
	return &State{
		InitialBalance: initialBalance,
		WalletBalance:  initialBalance,
		Positions:      make(map[string]*Position),
	}
}

// Position returns the open position for a symbol, if any.
func (s *State) Position(symbol string) (*Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// Equity is wallet balance plus mark-to-market PnL of open positions.
func (s *State) Equity(marks map[string]float64) float64 {
	eq := s.WalletBalance
	for sym, p := range s.Positions {
		if mark, ok := marks[sym]; ok {
			eq += p.UnrealizedPnL(mark)
		}
	}
	return eq
}

// ApplyFill mutates the state for one fill: opening or adding on the same
// side, reducing or closing on the opposite side. A fill larger than the
// open opposite-side position is an error; the caller splits flips into a
// close fill and a fresh open.
func (s *State) ApplyFill(f Fill) (TradeRecord, error) {
	if f.Size <= 0 || f.Price <= 0 {
		return TradeRecord{}, fmt.Errorf("invalid fill: size=%f price=%f", f.Size, f.Price)
	}

	rec := TradeRecord{
		ID:         f.ID,
		Timestamp:  f.Timestamp,
		Symbol:     f.Symbol,
		Side:       f.Side,
		FillPrice:  f.Price,
		Size:       f.Size,
		Commission: f.Commission,
		Slippage:   f.SlippageCost,
	}

	pos, open := s.Positions[f.Symbol]
	fillSide := SideLong
	if f.Side == Sell {
		fillSide = SideShort
	}

	switch {
	case !open:
		s.Positions[f.Symbol] = &Position{
			Symbol:       f.Symbol,
			Side:         fillSide,
			Size:         f.Size,
			EntryPrice:   f.Price,
			OpenedAt:     f.Timestamp,
			Commissions:  f.Commission,
			SlippageCost: f.SlippageCost,
		}
		s.WalletBalance -= f.Commission + f.SlippageCost

	case pos.Side == fillSide:
		// Same side: average the entry, accumulate lifetime costs.
		total := pos.Size + f.Size
		pos.EntryPrice = (pos.EntryPrice*pos.Size + f.Price*f.Size) / total
		pos.Size = total
		pos.Commissions += f.Commission
		pos.SlippageCost += f.SlippageCost
		s.WalletBalance -= f.Commission + f.SlippageCost

	case f.Size > pos.Size+reconcileTolerance:
		return TradeRecord{}, fmt.Errorf("fill size %f exceeds open %s position %f", f.Size, pos.Side, pos.Size)

	default:
		gross := (f.Price - pos.EntryPrice) * f.Size * pos.directionSign()
		if f.Size >= pos.Size-reconcileTolerance {
			// Full close: realize gross PnL net of lifetime costs.
			realized := gross - pos.Commissions - pos.SlippageCost - f.Commission - f.SlippageCost
			s.WalletBalance += gross - f.Commission - f.SlippageCost
			s.TotalPnL += realized
			rec.RealizedPnL = realized
			rec.Closing = true
			delete(s.Positions, f.Symbol)
		} else {
			// Partial close: charge a proportional share of lifetime costs.
			share := f.Size / pos.Size
			costShare := (pos.Commissions + pos.SlippageCost) * share
			realized := gross - costShare - f.Commission - f.SlippageCost
			s.WalletBalance += gross - f.Commission - f.SlippageCost
			s.TotalPnL += realized
			rec.RealizedPnL = realized
			rec.Closing = true
			pos.Size -= f.Size
			pos.Commissions *= 1 - share
			pos.SlippageCost *= 1 - share
		}
	}

	s.Ledger = append(s.Ledger, LedgerEntry{Kind: "trade", Trade: &rec})
	return rec, nil
}

// ApplyFunding applies a funding adjustment against the wallet and records
// it as its own ledger entry.
func (s *State) ApplyFunding(adj FundingAdjustment) {
	s.WalletBalance += adj.Amount
	a := adj
	s.Ledger = append(s.Ledger, LedgerEntry{Kind: "funding", Funding: &a})
}

// Reconcile verifies the money invariants: total PnL equals the sum of
// realized PnL over the trade ledger, and the wallet is derivable from the
// initial balance, realized PnL, funding, and open-position costs.
func (s *State) Reconcile() error {
	var realized, funding float64
	for _, e := range s.Ledger {
		switch e.Kind {
		case "trade":
			if e.Trade == nil {
				return fmt.Errorf("%w: trade entry without record", ErrCorrupt)
			}
			realized += e.Trade.RealizedPnL
		case "funding":
			if e.Funding == nil {
				return fmt.Errorf("%w: funding entry without record", ErrCorrupt)
			}
			funding += e.Funding.Amount
		default:
			return fmt.Errorf("%w: unknown ledger kind %q", ErrCorrupt, e.Kind)
		}
	}
	if math.Abs(realized-s.TotalPnL) > reconcileTolerance {
		return fmt.Errorf("%w: total_pnl %.8f != ledger sum %.8f", ErrCorrupt, s.TotalPnL, realized)
	}

	var openCosts float64
	for sym, p := range s.Positions {
		if p.Size <= 0 || p.EntryPrice <= 0 {
			return fmt.Errorf("%w: degenerate position for %s", ErrCorrupt, sym)
		}
		openCosts += p.Commissions + p.SlippageCost
	}
	want := s.InitialBalance + realized + funding - openCosts
	if math.Abs(want-s.WalletBalance) > reconcileTolerance {
		return fmt.Errorf("%w: wallet %.8f not derivable from ledger (want %.8f)", ErrCorrupt, s.WalletBalance, want)
	}
	return nil
}

// ClosedTrades returns the trade records that realized PnL, oldest first.
func (s *State) ClosedTrades() []TradeRecord {
	var out []TradeRecord
	for _, e := range s.Ledger {
		if e.Kind == "trade" && e.Trade != nil && e.Trade.Closing {
			out = append(out, *e.Trade)
		}
	}
	return out
}
