package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/internal/order"
)

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}
	s := h.Stats()
	if s.Min != 1 || s.Max != 100 || s.Count != 100 {
		t.Fatalf("stats: %+v", s)
	}
	if s.P50 < 50 || s.P50 > 52 {
		t.Fatalf("p50 = %v", s.P50)
	}
	if s.P99 < 99 {
		t.Fatalf("p99 = %v", s.P99)
	}
}

func TestHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(10)
	for i := 0; i < 20; i++ {
		h.Record(float64(i))
	}
	s := h.Stats()
	if s.Count != 10 || s.Min != 10 {
		t.Fatalf("window not sliding: %+v", s)
	}
}

func TestHistogramStatsCached(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.Record(5)
	first := h.Stats()
	second := h.Stats()
	if first != second {
		t.Fatalf("cached stats differ: %+v vs %+v", first, second)
	}
	h.Record(7)
	third := h.Stats()
	if third.Count != 2 {
		t.Fatalf("stats stale after new sample: %+v", third)
	}
}

func TestCollectorCountsBusTraffic(t *testing.T) {
	bus := events.NewBus("test", zerolog.Nop())
	defer bus.Close()

	m := NewSystemMetrics()
	c := &Collector{Metrics: m, Bus: bus, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	bus.Emit(events.TopicMarketTick, nil, "")
	bus.Emit(events.TopicBotSignal, nil, "")
	bus.Emit(events.TopicOrderSubmitted, order.Order{LatencyMS: 12}, "")
	bus.Emit(events.TopicOrderRejected, nil, "")

	deadline := time.Now().Add(time.Second)
	for {
		s := m.GetSnapshot()
		if s.TicksProcessed == 1 && s.SignalsGenerated == 1 &&
			s.OrdersSubmitted == 1 && s.ErrorsCount == 1 {
			if s.OrderLatency.Count != 1 || s.OrderLatency.Max != 12 {
				t.Fatalf("order latency not recorded: %+v", s.OrderLatency)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counters never converged: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
