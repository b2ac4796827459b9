package gate

import (
	"testing"
	"time"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/market"
	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/signal"
)

func testGate() *Gate {
	return New(Config{
		MaxSpreadBps:     10,
		MinLiquidityUSD:  50000,
		PressureRatioMin: 1.2,
	})
}

// book builds a snapshot with the given relative spread (in bps around a
// 10000 mid) and symmetric depth worth liqUSD per side.
func book(spreadBps, bidQty, askQty float64) market.Snapshot {
	mid := 10000.0
	half := mid * spreadBps / 10000 / 2
	bids := []market.Level{{Price: mid - half, Qty: bidQty}}
	asks := []market.Level{{Price: mid + half, Qty: askQty}}
	return market.NewSnapshot("BTCUSDT", mid-half, mid+half, bids, asks, time.Now())
}

func long() *signal.Fused {
	return &signal.Fused{Direction: signal.Long, MagnitudePct: 2.1, Confidence: 0.87}
}

func short() *signal.Fused {
	return &signal.Fused{Direction: signal.Short, MagnitudePct: -2.1, Confidence: 0.87}
}

func TestGateAdmitsCleanBook(t *testing.T) {
	snap := book(8, 4, 4) // ~$80k combined depth, balanced flow
	ok, reason := testGate().Check(long(), snap)
	if !ok {
		t.Fatalf("expected admission, got %s", reason)
	}
	if reason != ReasonOK {
		t.Fatalf("expected ok reason, got %s", reason)
	}
}

func TestGateRejectsWideSpread(t *testing.T) {
	snap := book(15, 4, 4)
	ok, reason := testGate().Check(long(), snap)
	if ok {
		t.Fatal("expected rejection on 15bps spread")
	}
	if reason != ReasonSpreadTooWide {
		t.Fatalf("expected spread_too_wide, got %s", reason)
	}
}

func TestGateRejectsThinLiquidity(t *testing.T) {
	snap := book(8, 2, 2) // ~$40k combined depth
	ok, reason := testGate().Check(long(), snap)
	if ok {
		t.Fatal("expected rejection on thin book")
	}
	if reason != ReasonThinLiquidity {
		t.Fatalf("expected thin_liquidity, got %s", reason)
	}
}

func TestGateRejectsShortIntoBidPressure(t *testing.T) {
	snap := book(8, 6, 3) // bid/ask ratio 2.0 favors buyers
	ok, reason := testGate().Check(short(), snap)
	if ok {
		t.Fatal("expected rejection of short against buyer flow")
	}
	if reason != ReasonPressureConflict {
		t.Fatalf("expected pressure_conflict, got %s", reason)
	}
}

func TestGateRejectsLongIntoAskPressure(t *testing.T) {
	snap := book(8, 3, 6) // ratio 0.5 favors sellers
	ok, reason := testGate().Check(long(), snap)
	if ok {
		t.Fatal("expected rejection of long against seller flow")
	}
	if reason != ReasonPressureConflict {
		t.Fatalf("expected pressure_conflict, got %s", reason)
	}
}

func TestGateAllowsShortWithSellerFlow(t *testing.T) {
	snap := book(8, 3, 6)
	ok, reason := testGate().Check(short(), snap)
	if !ok {
		t.Fatalf("expected admission, got %s", reason)
	}
}
