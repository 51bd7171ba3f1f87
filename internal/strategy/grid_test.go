package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"xor-core/pkg/exchanges/common"
)

func tick(symbol string, price float64) common.Ticker {
	return common.Ticker{Symbol: symbol, Price: price, Bid: price, Ask: price, Time: time.Now()}
}

func newTestGrid(t *testing.T, params Params) *Grid {
	t.Helper()
	g := NewGrid("BTCUSDT", params)
	if err := g.ValidateParams(); err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	if err := g.Initialize(context.Background(), Env{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return g
}

func TestGridArithmeticHappyPath(t *testing.T) {
	g := newTestGrid(t, Params{
		"upper_price": 110.0,
		"lower_price": 100.0,
		"grid_count":  10,
		"order_size":  1.0,
	})

	type want struct {
		typ   SignalType
		level float64
	}
	var got []want
	for _, p := range []float64{100, 101, 102, 99, 101, 103, 108, 110} {
		for _, sig := range g.OnTick(tick("BTCUSDT", p)) {
			got = append(got, want{sig.Type, sig.Price})
			if sig.Quantity != 1 {
				t.Errorf("quantity = %v, want 1", sig.Quantity)
			}
		}
	}

	expect := []want{
		{SignalBuy, 100},
		{SignalBuy, 101},
		{SignalBuy, 102},
		{SignalSell, 101},
		{SignalSell, 102},
		{SignalBuy, 103},
		{SignalBuy, 108},
		{SignalBuy, 110},
	}
	if len(got) != len(expect) {
		t.Fatalf("got %d signals %v, want %d", len(got), got, len(expect))
	}
	for i, w := range expect {
		if got[i] != w {
			t.Errorf("signal %d = %+v, want %+v", i, got[i], w)
		}
	}

	// FIFO pairing of the fills: buys 100,101,102 against sells 101,102
	// close two round trips worth one grid step each
	pnl := (101.0 - 100.0) + (102.0 - 101.0)
	if pnl != 2 {
		t.Fatalf("closed-pair pnl = %v, want 2", pnl)
	}
}

func TestGridReversibility(t *testing.T) {
	g := newTestGrid(t, Params{
		"upper_price": 110.0,
		"lower_price": 100.0,
		"grid_count":  10,
		"order_size":  1.0,
	})

	prices := []float64{100, 105, 102, 108, 101, 110, 100, 104, 99, 106}
	for _, p := range prices {
		g.OnTick(tick("BTCUSDT", p))
	}

	buys, sells := g.Levels()
	if len(buys)+len(sells) != 11 {
		t.Fatalf("level count = %d, want 11", len(buys)+len(sells))
	}
	seen := map[float64]bool{}
	for _, p := range append(buys, sells...) {
		seen[p] = true
	}
	for i := 0; i <= 10; i++ {
		if !seen[float64(100+i)] {
			t.Errorf("level %d missing from ladder", 100+i)
		}
	}
}

func TestGridOutsideRangeIsSilent(t *testing.T) {
	g := newTestGrid(t, Params{
		"upper_price": 110.0,
		"lower_price": 100.0,
		"grid_count":  10,
		"order_size":  1.0,
	})

	for _, p := range []float64{99, 111, 95, 120} {
		if sigs := g.OnTick(tick("BTCUSDT", p)); len(sigs) != 0 {
			t.Errorf("price %v outside range emitted %v", p, sigs)
		}
	}
}

func TestGridTriggerPriceDormancy(t *testing.T) {
	g := newTestGrid(t, Params{
		"upper_price":   110.0,
		"lower_price":   100.0,
		"grid_count":    10,
		"order_size":    1.0,
		"trigger_price": 105.0,
	})

	if sigs := g.OnTick(tick("BTCUSDT", 102)); len(sigs) != 0 {
		t.Fatalf("dormant grid emitted %v", sigs)
	}
	if sigs := g.OnTick(tick("BTCUSDT", 105)); len(sigs) == 0 {
		t.Fatal("grid did not wake at trigger price")
	}
}

func TestGridGeometricSpacing(t *testing.T) {
	g := newTestGrid(t, Params{
		"upper_price": 200.0,
		"lower_price": 100.0,
		"grid_count":  4,
		"order_size":  1.0,
		"grid_type":   "geometric",
	})

	ratio := math.Pow(2, 0.25)
	for i, lv := range g.levels {
		want := 100 * math.Pow(ratio, float64(i))
		if math.Abs(lv.price-want) > 1e-9 {
			t.Errorf("level %d = %v, want %v", i, lv.price, want)
		}
	}
}

func TestGridValidateParams(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"inverted range", Params{"upper_price": 100.0, "lower_price": 110.0, "grid_count": 10, "order_size": 1.0}},
		{"too few levels", Params{"upper_price": 110.0, "lower_price": 100.0, "grid_count": 1, "order_size": 1.0}},
		{"zero size", Params{"upper_price": 110.0, "lower_price": 100.0, "grid_count": 10, "order_size": 0.0}},
		{"bad type", Params{"upper_price": 110.0, "lower_price": 100.0, "grid_count": 10, "order_size": 1.0, "grid_type": "fibonacci"}},
	}
	for _, tt := range tests {
		if err := NewGrid("BTCUSDT", tt.params).ValidateParams(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}
