package order

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"xor-core/pkg/exchanges/common"
)

func newTestBook() *PositionBook {
	return NewPositionBook(nil, zerolog.Nop())
}

func TestWeightedAverageEntryOnAdds(t *testing.T) {
	b := newTestBook()

	pos, realized := b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	if realized != 0 || pos.Status != PositionOpen {
		t.Fatalf("open: pos=%+v realized=%v", pos, realized)
	}
	pos, _ = b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 110, 0, 1)

	if pos.Quantity != 2 {
		t.Fatalf("qty = %v, want 2", pos.Quantity)
	}
	if pos.AverageEntryPrice != 105 {
		t.Fatalf("avg entry = %v, want 105", pos.AverageEntryPrice)
	}
	if pos.EntryValue != 210 {
		t.Fatalf("entry value = %v, want 210", pos.EntryValue)
	}
}

func TestFIFORealizedPnLOnReduction(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 110, 0, 1)

	// first reduction consumes the 100 lot
	pos, realized := b.ApplyFill("bot-1", "BTCUSDT", common.SideSell, 1, 120, 0, 1)
	if realized != 20 {
		t.Fatalf("realized = %v, want 20 (against the oldest lot)", realized)
	}
	if pos.Quantity != 1 || pos.AverageEntryPrice != 110 {
		t.Fatalf("after reduce: qty=%v avg=%v, want 1 @ 110", pos.Quantity, pos.AverageEntryPrice)
	}

	// second reduction closes against the 110 lot
	pos, realized = b.ApplyFill("bot-1", "BTCUSDT", common.SideSell, 1, 120, 0, 1)
	if realized != 10 {
		t.Fatalf("realized = %v, want 10", realized)
	}
	if pos.Status != PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
	if _, open := b.Get("bot-1", "BTCUSDT"); open {
		t.Fatal("closed position still in book")
	}
}

func TestPositionQuantityMatchesSignedFills(t *testing.T) {
	b := newTestBook()

	fills := []struct {
		side common.Side
		qty  float64
	}{
		{common.SideBuy, 2}, {common.SideBuy, 1.5}, {common.SideSell, 0.5},
		{common.SideBuy, 1}, {common.SideSell, 2},
	}
	var net float64
	var pos Position
	for _, f := range fills {
		pos, _ = b.ApplyFill("bot-1", "ETHUSDT", f.side, f.qty, 100, 0, 1)
		if f.side == common.SideBuy {
			net += f.qty
		} else {
			net -= f.qty
		}
	}
	if math.Abs(pos.Quantity-net) > 1e-9 {
		t.Fatalf("qty = %v, want %v (sum of signed fills)", pos.Quantity, net)
	}
}

func TestReductionBeyondSizeFlipsDirection(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	pos, realized := b.ApplyFill("bot-1", "BTCUSDT", common.SideSell, 3, 110, 0, 1)

	if realized != 10 {
		t.Fatalf("realized = %v, want 10", realized)
	}
	if pos.Side != "short" || pos.Quantity != 2 {
		t.Fatalf("flipped pos = %+v, want short 2", pos)
	}
	if pos.AverageEntryPrice != 110 {
		t.Fatalf("flip entry = %v, want 110", pos.AverageEntryPrice)
	}
}

func TestShortPositionRealizedPnL(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideSell, 2, 100, 0, 1)
	pos, realized := b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 2, 90, 0, 1)

	if realized != 20 {
		t.Fatalf("short realized = %v, want 20", realized)
	}
	if pos.Status != PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
}

func TestFeesReduceRealizedPnL(t *testing.T) {
	b := newTestBook()

	pos, _ := b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0.1, 1)
	if pos.RealizedPnL != -0.1 {
		t.Fatalf("entry fee not booked: %v", pos.RealizedPnL)
	}
	_, realized := b.ApplyFill("bot-1", "BTCUSDT", common.SideSell, 1, 110, 0.1, 1)
	if realized != 9.9 {
		t.Fatalf("realized = %v, want 9.9", realized)
	}
}

func TestMarkPriceUpdatesUnrealized(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 2, 100, 0, 1)
	pos, ok := b.MarkPrice("bot-1", "BTCUSDT", 105)
	if !ok {
		t.Fatal("position not found")
	}
	if pos.UnrealizedPnL != 10 {
		t.Fatalf("unrealized = %v, want 10", pos.UnrealizedPnL)
	}

	b.ApplyFill("bot-2", "BTCUSDT", common.SideSell, 2, 100, 0, 1)
	pos, _ = b.MarkPrice("bot-2", "BTCUSDT", 95)
	if pos.UnrealizedPnL != 10 {
		t.Fatalf("short unrealized = %v, want 10", pos.UnrealizedPnL)
	}
}

func TestCloseAtRealizesRemaining(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 2, 100, 0, 1)
	realized, ok := b.CloseAt("bot-1", "BTCUSDT", 104, "test close")
	if !ok {
		t.Fatal("position not found")
	}
	if realized != 8 {
		t.Fatalf("realized = %v, want 8", realized)
	}
	if _, open := b.Get("bot-1", "BTCUSDT"); open {
		t.Fatal("position still open after CloseAt")
	}
}

func TestBotsDoNotShareBooks(t *testing.T) {
	b := newTestBook()

	b.ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	b.ApplyFill("bot-2", "BTCUSDT", common.SideBuy, 2, 200, 0, 1)

	p1, _ := b.Get("bot-1", "BTCUSDT")
	p2, _ := b.Get("bot-2", "BTCUSDT")
	if p1.Quantity != 1 || p2.Quantity != 2 {
		t.Fatalf("cross-bot leakage: %v / %v", p1.Quantity, p2.Quantity)
	}
	if got := len(b.OpenByBot("bot-1")); got != 1 {
		t.Fatalf("bot-1 open positions = %d, want 1", got)
	}
}
