package bot

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"xor-core/internal/strategy"
	"xor-core/pkg/exchanges/common"
)

func newTestBot(id string) *Bot {
	return &Bot{
		ID:               id,
		UserID:           "user-1",
		Exchange:         "binance",
		Symbol:           "BTCUSDT",
		MarketType:       common.MarketSpot,
		StrategyID:       "grid",
		Params:           strategy.Params{"upper_price": 110.0, "lower_price": 90.0, "grid_count": 10.0, "order_size": 0.1},
		PositionSize:     100,
		PositionSizeType: SizeFixed,
		MaxPositions:     3,
		Leverage:         1,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(nil, zerolog.Nop())
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	b, ok := r.Get("b1")
	if !ok {
		t.Fatal("bot not found after create")
	}
	if b.Status != StatusCreated {
		t.Errorf("status = %s, want created", b.Status)
	}
	if b.CreatedAt.IsZero() || b.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if err := r.Create(newTestBot("b1")); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	r := newTestRegistry(t)

	cases := []func(*Bot){
		func(b *Bot) { b.Symbol = "" },
		func(b *Bot) { b.StrategyID = "" },
		func(b *Bot) { b.PositionSize = 0 },
		func(b *Bot) { b.PositionSizeType = "ratio" },
		func(b *Bot) { b.MarketType = common.MarketSpot; b.Leverage = 5 },
	}
	for i, mutate := range cases {
		b := newTestBot("bad")
		mutate(b)
		if err := r.Create(b); err == nil {
			t.Errorf("case %d: invalid bot accepted", i)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// full lifecycle
	for _, to := range []Status{StatusStarting, StatusRunning, StatusPaused, StatusRunning, StatusStopping, StatusStopped} {
		if err := r.SetStatus("b1", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// stopped cannot pause
	if err := r.SetStatus("b1", StatusPaused); err == nil {
		t.Fatal("stopped -> paused accepted")
	}
	// restart is allowed
	if err := r.SetStatus("b1", StatusStarting); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestKilledRequiresRestart(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.SetStatus("b1", StatusStarting)
	r.SetStatus("b1", StatusRunning)
	if err := r.SetStatus("b1", StatusKilled); err != nil {
		t.Fatalf("kill: %v", err)
	}

	if err := r.SetStatus("b1", StatusRunning); err == nil {
		t.Fatal("killed -> running accepted without restart")
	}
	if err := r.SetStatus("b1", StatusStarting); err != nil {
		t.Fatalf("killed -> starting: %v", err)
	}
}

func TestUpdateConfigOnlyWhileInactive(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.UpdateConfig("b1", func(b *Bot) { b.PositionSize = 250 }); err != nil {
		t.Fatalf("update while created: %v", err)
	}
	if b, _ := r.Get("b1"); b.PositionSize != 250 {
		t.Fatalf("position size = %v, want 250", b.PositionSize)
	}

	r.SetStatus("b1", StatusStarting)
	r.SetStatus("b1", StatusRunning)
	if err := r.UpdateConfig("b1", func(b *Bot) { b.PositionSize = 500 }); err == nil {
		t.Fatal("reconfigure accepted while running")
	}

	// identity and counters survive an update
	r.SetStatus("b1", StatusStopping)
	r.SetStatus("b1", StatusStopped)
	r.RecordTrade("b1", 10)
	if err := r.UpdateConfig("b1", func(b *Bot) { b.UserID = "intruder"; b.Stats = Stats{} }); err != nil {
		t.Fatalf("update: %v", err)
	}
	b, _ := r.Get("b1")
	if b.UserID != "user-1" || b.Stats.Trades != 1 {
		t.Fatalf("identity or stats overwritten: %+v", b)
	}
}

func TestRecordTradeCounters(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	r.RecordTrade("b1", 5)
	r.RecordTrade("b1", -2)
	r.RecordTrade("b1", 3)

	b, _ := r.Get("b1")
	if b.Stats.Trades != 3 || b.Stats.Wins != 2 {
		t.Fatalf("trades/wins = %d/%d, want 3/2", b.Stats.Trades, b.Stats.Wins)
	}
	if b.Stats.TotalPnL != 6 {
		t.Fatalf("total pnl = %v, want 6", b.Stats.TotalPnL)
	}
}

func TestObserveBalanceDrawdown(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	r.ObserveBalance("b1", 1000)
	r.ObserveBalance("b1", 1200)
	r.ObserveBalance("b1", 900) // 25% off the peak
	r.ObserveBalance("b1", 1100)

	b, _ := r.Get("b1")
	if b.Stats.PeakBalance != 1200 {
		t.Fatalf("peak = %v, want 1200", b.Stats.PeakBalance)
	}
	if b.Stats.Drawdown != 25 {
		t.Fatalf("drawdown = %v, want 25", b.Stats.Drawdown)
	}
}

func TestSoftDelete(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Create(newTestBot("b1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.SetStatus("b1", StatusStarting)
	r.SetStatus("b1", StatusRunning)

	if err := r.Delete("b1"); err == nil || !strings.Contains(err.Error(), "cannot delete") {
		t.Fatalf("delete while running: %v", err)
	}

	r.SetStatus("b1", StatusStopping)
	r.SetStatus("b1", StatusStopped)
	if err := r.Delete("b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// still resolvable by id, gone from listings
	if b, ok := r.Get("b1"); !ok || !b.Deleted {
		t.Fatal("soft-deleted bot not resolvable")
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("list length = %d, want 0", got)
	}
	if err := r.Delete("b1"); err == nil {
		t.Fatal("double delete accepted")
	}
}

func TestListByUser(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"b2", "b1"} {
		if err := r.Create(newTestBot(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	other := newTestBot("b3")
	other.UserID = "user-2"
	if err := r.Create(other); err != nil {
		t.Fatalf("create b3: %v", err)
	}

	got := r.ListByUser("user-1")
	if len(got) != 2 || got[0].ID != "b1" || got[1].ID != "b2" {
		t.Fatalf("list = %+v", got)
	}
}
