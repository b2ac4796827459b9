package portfolio

import (
	"math"
	"testing"
	"time"
)

func fill(side OrderSide, price, size, commission, slip float64) Fill {
	return Fill{
		ID:           "f-" + string(side),
		Symbol:       "BTCUSDT",
		Side:         side,
		Price:        price,
		Size:         size,
		Commission:   commission,
		SlippageCost: slip,
		Timestamp:    time.Now().UTC(),
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	s := NewState(10000)

	if _, err := s.ApplyFill(fill(Buy, 43180, 0.023, 0.40, 0.10)); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, ok := s.Position("BTCUSDT")
	if !ok {
		t.Fatal("expected open position")
	}
	if pos.Side != SideLong || pos.Size != 0.023 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if got := s.WalletBalance; math.Abs(got-(10000-0.50)) > 1e-9 {
		t.Fatalf("wallet after open = %f", got)
	}

	rec, err := s.ApplyFill(fill(Sell, 43247.82, 0.023, 0.40, 0.10))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !rec.Closing {
		t.Fatal("close fill should be marked closing")
	}
	gross := (43247.82 - 43180.0) * 0.023
	wantRealized := gross - 0.50 - 0.50
	if math.Abs(rec.RealizedPnL-wantRealized) > 1e-9 {
		t.Fatalf("realized = %f, want %f", rec.RealizedPnL, wantRealized)
	}
	if _, open := s.Position("BTCUSDT"); open {
		t.Fatal("position should be gone after full close")
	}
	if err := s.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestMarkToMarket(t *testing.T) {
	p := Position{Symbol: "BTCUSDT", Side: SideLong, Size: 0.023, EntryPrice: 43180}
	got := p.UnrealizedPnL(43247.82)
	if math.Abs(got-1.56) > 0.01 {
		t.Fatalf("unrealized = %f, want about +1.56", got)
	}
}

func TestShortPnL(t *testing.T) {
	s := NewState(10000)
	if _, err := s.ApplyFill(fill(Sell, 43000, 0.01, 0, 0)); err != nil {
		t.Fatalf("open short: %v", err)
	}
	rec, err := s.ApplyFill(fill(Buy, 42000, 0.01, 0, 0))
	if err != nil {
		t.Fatalf("close short: %v", err)
	}
	if math.Abs(rec.RealizedPnL-10.0) > 1e-9 {
		t.Fatalf("short realized = %f, want +10", rec.RealizedPnL)
	}
	if err := s.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestSameSideAddAveragesEntry(t *testing.T) {
	s := NewState(10000)
	s.ApplyFill(fill(Buy, 100, 1, 0, 0))
	s.ApplyFill(fill(Buy, 200, 1, 0, 0))

	if len(s.Positions) != 1 {
		t.Fatalf("expected a single position per symbol, got %d", len(s.Positions))
	}
	pos := s.Positions["BTCUSDT"]
	if math.Abs(pos.EntryPrice-150) > 1e-9 || pos.Size != 2 {
		t.Fatalf("averaged position %+v", pos)
	}
}

func TestPartialCloseChargesProportionalCosts(t *testing.T) {
	s := NewState(10000)
	s.ApplyFill(fill(Buy, 100, 2, 1.0, 0.5))
	rec, err := s.ApplyFill(fill(Sell, 110, 1, 0.2, 0.1))
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	// Gross +10, half the lifetime costs (0.75) plus close costs (0.3).
	want := 10.0 - 0.75 - 0.3
	if math.Abs(rec.RealizedPnL-want) > 1e-9 {
		t.Fatalf("realized = %f, want %f", rec.RealizedPnL, want)
	}
	pos := s.Positions["BTCUSDT"]
	if pos.Size != 1 || math.Abs(pos.Commissions-0.5) > 1e-9 {
		t.Fatalf("remaining position %+v", pos)
	}
	if err := s.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestOversizedOpposingFillRejected(t *testing.T) {
	s := NewState(10000)
	s.ApplyFill(fill(Buy, 100, 1, 0, 0))
	if _, err := s.ApplyFill(fill(Sell, 100, 1.5, 0, 0)); err == nil {
		t.Fatal("expected error for fill exceeding open position")
	}
}

func TestTotalPnLMatchesLedger(t *testing.T) {
	s := NewState(10000)
	prices := []float64{100, 105, 98, 103}
	for _, px := range prices {
		s.ApplyFill(fill(Buy, px, 0.5, 0.1, 0.05))
		s.ApplyFill(fill(Sell, px+2, 0.5, 0.1, 0.05))
	}

	var sum float64
	for _, rec := range s.ClosedTrades() {
		sum += rec.RealizedPnL
	}
	if math.Abs(sum-s.TotalPnL) > 1e-9 {
		t.Fatalf("total_pnl %f != ledger sum %f", s.TotalPnL, sum)
	}
	if err := s.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestFundingEntersLedgerSeparately(t *testing.T) {
	s := NewState(10000)
	s.ApplyFill(fill(Buy, 100, 1, 0, 0))
	s.ApplyFunding(FundingAdjustment{
		ID: "fund-1", Timestamp: time.Now().UTC(), Symbol: "BTCUSDT", Amount: -0.8,
	})

	if math.Abs(s.WalletBalance-(10000-0.8)) > 1e-9 {
		t.Fatalf("wallet = %f", s.WalletBalance)
	}
	var funding int
	for _, e := range s.Ledger {
		if e.Kind == "funding" {
			funding++
		}
	}
	if funding != 1 {
		t.Fatalf("expected one funding entry, got %d", funding)
	}
	if err := s.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestReconcileDetectsTampering(t *testing.T) {
	s := NewState(10000)
	s.ApplyFill(fill(Buy, 100, 1, 0, 0))
	s.ApplyFill(fill(Sell, 110, 1, 0, 0))

	s.TotalPnL += 5
	if err := s.Reconcile(); err == nil {
		t.Fatal("expected reconciliation failure after tampering")
	}
}
