package order

import (
	"context"
	"testing"
	"time"

	"xor-core/internal/strategy"
	"xor-core/pkg/exchanges/common"
)

func TestReconciliationAdoptsRemoteOrder(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	ctx := context.Background()

	// exchange knows an order we never tracked, attributed via client id
	fx.adapter.openOrders = []common.OrderResult{{
		ExchangeOrderID: "ex-77",
		ClientOrderID:   "bot-1:4",
		Symbol:          "BTCUSDT",
		Side:            common.SideBuy,
		Type:            common.OrderTypeLimit,
		Status:          common.StatusNew,
		Price:           95,
		Quantity:        0.01,
	}}

	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, ok := fx.pipeline.GetOrder("bot-1:4")
	if !ok {
		t.Fatal("remote order not adopted")
	}
	if o.Status != StatusOpen {
		t.Fatalf("adopted status = %s, want open", o.Status)
	}
	if o.BotID != "bot-1" || o.UserID != "user-1" {
		t.Fatalf("attribution: %+v", o)
	}

	// new orders must not reuse adopted counter values
	fx.pipeline.process(ctx, signalEvent(strategy.SignalBuy, 100, 0.001), "")
	if _, ok := fx.pipeline.GetOrder("bot-1:5"); !ok {
		t.Fatal("counter not advanced past adopted id")
	}
}

func TestReconciliationSkipsUnattributableOrders(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	ctx := context.Background()

	fx.adapter.openOrders = []common.OrderResult{
		{ExchangeOrderID: "ex-1", ClientOrderID: "manual-order", Symbol: "BTCUSDT", Quantity: 1},
		{ExchangeOrderID: "ex-2", ClientOrderID: "ghost-bot:3", Symbol: "BTCUSDT", Quantity: 1},
	}

	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := len(fx.pipeline.Orders()); got != 0 {
		t.Fatalf("adopted %d unattributable orders", got)
	}
}

func TestReconciliationCancelsLocalOnlyOrders(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	ctx := context.Background()

	fx.pipeline.process(ctx, signalEvent(strategy.SignalBuy, 100, 0.001), "")
	o, _ := fx.pipeline.GetOrder("bot-1:1")
	if o.Status != StatusSubmitted {
		t.Fatalf("precondition: %s", o.Status)
	}

	// exchange reports no open orders
	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, _ = fx.pipeline.GetOrder("bot-1:1")
	if o.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", o.Status)
	}
}

func TestReconciliationLeavesTerminalOrdersAlone(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	fx.adapter.placeStatus = common.StatusFilled
	ctx := context.Background()

	fx.pipeline.process(ctx, signalEvent(strategy.SignalBuy, 0, 0.001), "")
	o, _ := fx.pipeline.GetOrder("bot-1:1")
	if o.Status != StatusFilled {
		t.Fatalf("precondition: %s", o.Status)
	}

	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	o, _ = fx.pipeline.GetOrder("bot-1:1")
	if o.Status != StatusFilled {
		t.Fatalf("terminal order mutated to %s", o.Status)
	}
}

func TestReconciliationIsIdempotent(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	ctx := context.Background()

	fx.adapter.openOrders = []common.OrderResult{{
		ExchangeOrderID: "ex-77",
		ClientOrderID:   "bot-1:4",
		Symbol:          "BTCUSDT",
		Side:            common.SideBuy,
		Type:            common.OrderTypeLimit,
		Quantity:        0.01,
	}}

	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first := fx.pipeline.Orders()

	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	second := fx.pipeline.Orders()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("order counts: %d then %d, want 1 and 1", len(first), len(second))
	}
	if first[0].ID != second[0].ID || first[0].Status != second[0].Status {
		t.Fatalf("second pass mutated state: %+v vs %+v", first[0], second[0])
	}
}

func TestReconciliationClosesMissingPositions(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	fx.adapter.market = common.MarketFutures
	ctx := context.Background()

	fx.pipeline.Positions().ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	fx.pipeline.Positions().MarkPrice("bot-1", "BTCUSDT", 104)

	// exchange reports no position on the symbol
	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, open := fx.pipeline.Positions().Get("bot-1", "BTCUSDT"); open {
		t.Fatal("missing position not closed")
	}
	fx.bots.mu.Lock()
	trades := fx.bots.trades["bot-1"]
	fx.bots.mu.Unlock()
	if len(trades) != 1 || trades[0] != 4 {
		t.Fatalf("realized at last mark = %v, want [4]", trades)
	}
}

func TestReconciliationKeepsHeldPositions(t *testing.T) {
	fx := newPipelineFixture(t, testBot())
	fx.adapter.market = common.MarketFutures
	ctx := context.Background()

	fx.pipeline.Positions().ApplyFill("bot-1", "BTCUSDT", common.SideBuy, 1, 100, 0, 1)
	fx.adapter.positions = []common.Position{{Symbol: "BTCUSDT", Side: "long", Qty: 1}}

	r := NewReconciler(fx.pipeline, time.Second)
	if err := r.Reconcile(ctx, "binance", fx.adapter); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, open := fx.pipeline.Positions().Get("bot-1", "BTCUSDT"); !open {
		t.Fatal("held position closed by reconciliation")
	}
}
