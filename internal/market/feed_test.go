package market

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/pkg/exchanges/common"
)

// feedStub captures the stream callbacks so tests can inject events.
type feedStub struct {
	tickerCB  func(common.Ticker)
	bookCB    func(common.Orderbook)
	tradeCB   func(common.PublicTrade)
	unsubbed  atomic.Int32
	tickerErr error
}

func (s *feedStub) Name() string               { return "stub" }
func (s *feedStub) Market() common.MarketType  { return common.MarketSpot }
func (s *feedStub) Connect(context.Context) error { return nil }
func (s *feedStub) Disconnect() error          { return nil }
func (s *feedStub) GetTicker(context.Context, string) (common.Ticker, error) {
	return common.Ticker{}, nil
}
func (s *feedStub) GetOrderbook(context.Context, string, int) (common.Orderbook, error) {
	return common.Orderbook{}, nil
}
func (s *feedStub) GetBalances(context.Context) ([]common.Balance, error) { return nil, nil }
func (s *feedStub) GetPositions(context.Context) ([]common.Position, error) { return nil, nil }
func (s *feedStub) GetKlines(context.Context, string, string, int) ([]common.Kline, error) {
	return nil, nil
}
func (s *feedStub) PlaceOrder(context.Context, common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (s *feedStub) CancelOrder(context.Context, string, string) error { return nil }
func (s *feedStub) GetOrder(context.Context, string, string) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (s *feedStub) GetOpenOrders(context.Context, string) ([]common.OrderResult, error) {
	return nil, nil
}
func (s *feedStub) SetLeverage(context.Context, string, int) error { return nil }
func (s *feedStub) TickSize(context.Context, string) (float64, error) { return 0.01, nil }

func (s *feedStub) SubscribeTicker(_ context.Context, _ string, cb func(common.Ticker)) (common.Unsubscribe, error) {
	if s.tickerErr != nil {
		return nil, s.tickerErr
	}
	s.tickerCB = cb
	return func() { s.unsubbed.Add(1) }, nil
}

func (s *feedStub) SubscribeOrderbook(_ context.Context, _ string, cb func(common.Orderbook)) (common.Unsubscribe, error) {
	s.bookCB = cb
	return func() { s.unsubbed.Add(1) }, nil
}

func (s *feedStub) SubscribeTrades(_ context.Context, _ string, cb func(common.PublicTrade)) (common.Unsubscribe, error) {
	s.tradeCB = cb
	return func() { s.unsubbed.Add(1) }, nil
}

func (s *feedStub) SubscribeUserData(context.Context, func(common.UserDataEvent)) (common.Unsubscribe, error) {
	return func() {}, nil
}

func newTestFeed(t *testing.T, stub *feedStub) (*Feed, events.Bus) {
	t.Helper()
	bus := events.NewBus("test", zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	f := &Feed{
		Exchange: "binance",
		Adapter:  stub,
		Bus:      bus,
		Symbols:  []string{"BTCUSDT"},
		Log:      zerolog.Nop(),
	}
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.Stop)
	return f, bus
}

func waitFor(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Envelope{}
	}
}

func TestFeedRepublishesStreams(t *testing.T) {
	stub := &feedStub{}
	f, bus := newTestFeed(t, stub)

	got := make(chan events.Envelope, 8)
	unsub := bus.Subscribe("market.*", func(env events.Envelope) { got <- env })
	defer unsub()

	stub.tickerCB(common.Ticker{Symbol: "BTCUSDT", Price: 50000})
	env := waitFor(t, got)
	if env.Type != events.TopicMarketTick {
		t.Fatalf("topic = %s", env.Type)
	}
	if tick := env.Data.(common.Ticker); tick.Price != 50000 {
		t.Fatalf("price = %v", tick.Price)
	}

	stub.bookCB(common.Orderbook{Symbol: "BTCUSDT"})
	if env := waitFor(t, got); env.Type != events.TopicMarketOrderbook {
		t.Fatalf("topic = %s", env.Type)
	}

	stub.tradeCB(common.PublicTrade{Symbol: "BTCUSDT", Price: 50001})
	if env := waitFor(t, got); env.Type != events.TopicMarketTrade {
		t.Fatalf("topic = %s", env.Type)
	}

	if price, ok := f.LastPrice("BTCUSDT"); !ok || price != 50000 {
		t.Fatalf("last price = %v, %v", price, ok)
	}
}

func TestFeedGapPublishesReset(t *testing.T) {
	stub := &feedStub{}
	f, bus := newTestFeed(t, stub)

	got := make(chan events.Envelope, 4)
	unsub := bus.Subscribe(events.TopicMarketReset, func(env events.Envelope) { got <- env })
	defer unsub()

	stub.tickerCB(common.Ticker{Symbol: "BTCUSDT", Price: 50000})
	if _, ok := f.LastPrice("BTCUSDT"); !ok {
		t.Fatal("price not cached before gap")
	}

	f.NotifyGap("ticker")

	env := waitFor(t, got)
	reset := env.Data.(events.MarketReset)
	if reset.Exchange != "binance" || reset.Symbol != "BTCUSDT" || reset.Stream != "ticker" {
		t.Fatalf("reset = %+v", reset)
	}
	if _, ok := f.LastPrice("BTCUSDT"); ok {
		t.Fatal("stale price survived the gap")
	}
}

func TestFeedSurvivesPartialSubscribeFailure(t *testing.T) {
	stub := &feedStub{tickerErr: context.DeadlineExceeded}
	_, bus := newTestFeed(t, stub)

	got := make(chan events.Envelope, 4)
	unsub := bus.Subscribe(events.TopicMarketTrade, func(env events.Envelope) { got <- env })
	defer unsub()

	// Ticker subscription failed but trades still flow.
	stub.tradeCB(common.PublicTrade{Symbol: "BTCUSDT", Price: 7})
	waitFor(t, got)
}

func TestFeedStopReleasesSubscriptions(t *testing.T) {
	stub := &feedStub{}
	f, _ := newTestFeed(t, stub)

	f.Stop()
	if n := stub.unsubbed.Load(); n != 3 {
		t.Fatalf("unsubscribed %d streams", n)
	}
	// Stop is idempotent.
	f.Stop()
	if n := stub.unsubbed.Load(); n != 3 {
		t.Fatalf("second stop re-ran unsubs: %d", n)
	}
}
