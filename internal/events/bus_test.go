package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBus() *InProcBus {
	return NewBus("test", zerolog.Nop())
}

func TestMatches(t *testing.T) {
	tests := []struct {
		topic   string
		pattern string
		want    bool
	}{
		{"market.tick", "market.tick", true},
		{"market.tick", "market.*", true},
		{"market.orderbook", "market.*", true},
		{"order.filled", "market.*", false},
		{"order.filled", "order.filled", true},
		{"order.filled", "order.cancelled", false},
		{"risk.kill_switch", "*", true},
		{"bot.signal", "bot.*", true},
	}
	for _, tt := range tests {
		if got := Matches(tt.topic, tt.pattern); got != tt.want {
			t.Errorf("Matches(%q, %q)=%v, want %v", tt.topic, tt.pattern, got, tt.want)
		}
	}
}

func TestPublishFansOutToMatchingSubscribers(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	var market, order atomic.Int32
	done := make(chan struct{}, 2)

	bus.Subscribe("market.*", func(env Envelope) {
		market.Add(1)
		done <- struct{}{}
	})
	bus.Subscribe("order.*", func(env Envelope) {
		order.Add(1)
		done <- struct{}{}
	})

	bus.Emit(TopicMarketTick, map[string]any{"symbol": "BTCUSDT"}, "")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	if market.Load() != 1 {
		t.Fatalf("market handler called %d times, want 1", market.Load())
	}
	if order.Load() != 0 {
		t.Fatalf("order handler called %d times, want 0", order.Load())
	}
}

func TestPerTopicOrderingPreserved(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	const n = 100
	got := make([]int, 0, n)
	var mu sync.Mutex
	done := make(chan struct{})

	bus.Subscribe(TopicMarketTick, func(env Envelope) {
		mu.Lock()
		got = append(got, env.Data.(int))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		bus.Emit(TopicMarketTick, i, "")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout: received %d of %d", len(got), n)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("event %d arrived out of order: got %d", i, v)
		}
	}
}

func TestHandlerPanicDoesNotAffectOthers(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	var healthy atomic.Int32
	done := make(chan struct{}, 1)

	bus.Subscribe("bot.*", func(env Envelope) {
		panic("strategy bug")
	})
	bus.Subscribe("bot.*", func(env Envelope) {
		healthy.Add(1)
		done <- struct{}{}
	})

	bus.Emit(TopicBotSignal, nil, "")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy handler never ran")
	}
	if healthy.Load() != 1 {
		t.Fatalf("healthy handler ran %d times, want 1", healthy.Load())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	var calls atomic.Int32
	unsub := bus.Subscribe(TopicOrderFilled, func(env Envelope) {
		calls.Add(1)
	})

	bus.Emit(TopicOrderFilled, nil, "")
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Emit(TopicOrderFilled, nil, "")
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times after unsubscribe, want 1", calls.Load())
	}
}

func TestEmitStampsEnvelope(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	envCh := make(chan Envelope, 1)
	bus.Subscribe(TopicBotSignal, func(env Envelope) { envCh <- env })

	bus.Emit(TopicBotSignal, "payload", "corr-1")

	var env Envelope
	select {
	case env = <-envCh:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	if env.EventID == "" {
		t.Error("EventID not stamped")
	}
	if env.Type != TopicBotSignal {
		t.Errorf("Type=%q, want %q", env.Type, TopicBotSignal)
	}
	if env.Source != "test" {
		t.Errorf("Source=%q, want test", env.Source)
	}
	if env.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID=%q, want corr-1", env.CorrelationID)
	}
	if env.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}
}
