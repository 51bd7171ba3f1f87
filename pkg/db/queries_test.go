package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *UserQueries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return database.Queries()
}

func TestQueriesRequireUserID(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	if _, err := q.GetOrdersByUser(ctx, "", 100); err != ErrUserIDRequired {
		t.Errorf("GetOrdersByUser: %v", err)
	}
	if _, err := q.GetBotsByUser(ctx, ""); err != ErrUserIDRequired {
		t.Errorf("GetBotsByUser: %v", err)
	}
	if err := q.InsertAudit(ctx, "", "x", "y"); err != ErrUserIDRequired {
		t.Errorf("InsertAudit: %v", err)
	}
	if _, err := q.GetCredentialByID(ctx, "", "c1"); err != ErrUserIDRequired {
		t.Errorf("GetCredentialByID: %v", err)
	}
}

func testOrder(id, userID, clientID string) OrderRecord {
	return OrderRecord{
		ID:            id,
		UserID:        userID,
		BotID:         "bot-1",
		Exchange:      "binance",
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Type:          "limit",
		Side:          "buy",
		Status:        "pending",
		Quantity:      0.1,
		Price:         50000,
		TimeInForce:   "GTC",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestOrderLifecyclePersistence(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	o := testOrder("o-1", "user-a", "bot-1:1")
	if err := q.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	o.Status = "filled"
	o.FilledQuantity = 0.1
	o.AveragePrice = 50010
	o.LatencyMS = 42
	if err := q.UpdateOrder(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := q.GetOrderByClientID(ctx, "user-a", "bot-1:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "filled" || got.FilledQuantity != 0.1 || got.AveragePrice != 50010 {
		t.Fatalf("round trip: %+v", got)
	}
	if got.LatencyMS != 42 {
		t.Errorf("latency = %d, want 42", got.LatencyMS)
	}

	// update for a missing order reports not found
	missing := testOrder("o-2", "user-a", "bot-1:99")
	if err := q.UpdateOrder(ctx, missing); err != ErrNotFound {
		t.Fatalf("update missing: %v", err)
	}
}

func TestClientOrderIDUnique(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	if err := q.CreateOrder(ctx, testOrder("o-1", "user-a", "bot-1:1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.CreateOrder(ctx, testOrder("o-2", "user-a", "bot-1:1")); err == nil {
		t.Fatal("duplicate client_order_id accepted")
	}
}

func TestOrderDataIsolation(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	if err := q.CreateOrder(ctx, testOrder("o-a", "user-a", "bot-1:1")); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := q.CreateOrder(ctx, testOrder("o-b", "user-b", "bot-2:1")); err != nil {
		t.Fatalf("create b: %v", err)
	}

	ordersA, err := q.GetOrdersByUser(ctx, "user-a", 100)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if len(ordersA) != 1 || ordersA[0].ID != "o-a" {
		t.Fatalf("user a sees %+v", ordersA)
	}

	if _, err := q.GetOrderByClientID(ctx, "user-b", "bot-1:1"); err != ErrNotFound {
		t.Fatalf("cross-user lookup: %v", err)
	}

	orders, err := q.GetOrdersByUser(ctx, "user-nobody", 100)
	if err != nil || len(orders) != 0 {
		t.Fatalf("unknown user: %v, %d orders", err, len(orders))
	}
}

func TestOpenOrdersFilterByStatus(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	open := testOrder("o-1", "user-a", "bot-1:1")
	open.Status = "open"
	done := testOrder("o-2", "user-a", "bot-1:2")
	done.Status = "filled"
	for _, o := range []OrderRecord{open, done} {
		if err := q.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := q.GetOpenOrdersByUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if len(got) != 1 || got[0].ID != "o-1" {
		t.Fatalf("open orders = %+v", got)
	}
}

func TestTradeAndPositionRoundTrip(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	tr := TradeRecord{
		ID: "t-1", OrderID: "o-1", BotID: "bot-1", PositionID: "p-1",
		Symbol: "BTCUSDT", Side: "buy", Quantity: 0.1, Price: 50000,
		Fee: 0.5, FeeAsset: "USDT", RealizedPnL: 0, IsMaker: true,
		ExecutedAt: time.Now().UTC(),
	}
	if err := q.CreateTrade(ctx, tr); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	trades, err := q.GetTradesByBot(ctx, "bot-1", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades: %v, %d", err, len(trades))
	}
	if trades[0].Price != 50000 || !trades[0].IsMaker {
		t.Fatalf("trade round trip: %+v", trades[0])
	}

	p := PositionRecord{
		ID: "p-1", BotID: "bot-1", Symbol: "BTCUSDT", Side: "long",
		Status: "open", Quantity: 0.1, AverageEntryPrice: 50000,
		EntryValue: 5000, Leverage: 1, OpenedAt: time.Now().UTC(),
	}
	if err := q.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Quantity = 0.2
	p.AverageEntryPrice = 50500
	if err := q.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	positions, err := q.GetOpenPositionsByBot(ctx, "bot-1")
	if err != nil || len(positions) != 1 {
		t.Fatalf("positions: %v, %d", err, len(positions))
	}
	if positions[0].Quantity != 0.2 || positions[0].AverageEntryPrice != 50500 {
		t.Fatalf("upsert did not replace: %+v", positions[0])
	}
}

func TestBotRecordRoundTrip(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	b := BotRecord{
		ID: "bot-1", UserID: "user-a", Exchange: "binance", Symbol: "BTCUSDT",
		MarketType: "spot", StrategyID: "grid", StrategyParams: `{"grid_count":10}`,
		PositionSize: 100, PositionSizeType: "fixed", MaxPositions: 3,
		Leverage: 1, MarginType: "cross", Status: "created",
		CreatedAt: time.Now().UTC(),
	}
	if err := q.UpsertBot(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	b.Status = "running"
	b.Trades = 5
	b.TotalPnL = 12.5
	if err := q.UpsertBot(ctx, b); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	bots, err := q.GetBotsByUser(ctx, "user-a")
	if err != nil || len(bots) != 1 {
		t.Fatalf("bots: %v, %d", err, len(bots))
	}
	if bots[0].Status != "running" || bots[0].Trades != 5 || bots[0].TotalPnL != 12.5 {
		t.Fatalf("round trip: %+v", bots[0])
	}

	// soft delete hides from listing
	b.Deleted = true
	if err := q.UpsertBot(ctx, b); err != nil {
		t.Fatalf("delete upsert: %v", err)
	}
	if bots, _ := q.GetBotsByUser(ctx, "user-a"); len(bots) != 0 {
		t.Fatalf("deleted bot still listed: %+v", bots)
	}
}

func TestAuditTrail(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	for _, action := range []string{"order_submitted", "risk_rejection"} {
		if err := q.InsertAudit(ctx, "user-a", action, "detail"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := q.InsertAudit(ctx, "user-b", "order_submitted", "other"); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	entries, err := q.GetAuditByUser(ctx, "user-a", 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// newest first
	if entries[0].Action != "risk_rejection" {
		t.Fatalf("order: %+v", entries)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer database.Close()

	for i := 0; i < 3; i++ {
		if err := ApplyMigrations(database); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
}
