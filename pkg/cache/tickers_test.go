package cache

import (
	"fmt"
	"testing"
	"time"

	"xor-core/pkg/exchanges/common"
)

func TestPutAndLast(t *testing.T) {
	c := NewTickerCache()
	c.Put(common.Ticker{Symbol: "BTCUSDT", Price: 50000, Bid: 49999, Ask: 50001})
	c.Put(common.Ticker{Symbol: "BTCUSDT", Price: 50010})

	tick, ok := c.Last("BTCUSDT")
	if !ok || tick.Price != 50010 {
		t.Fatalf("last = %+v, %v", tick, ok)
	}
	if price, ok := c.LastPrice("BTCUSDT"); !ok || price != 50010 {
		t.Fatalf("last price = %v, %v", price, ok)
	}
	if _, ok := c.Last("ETHUSDT"); ok {
		t.Fatal("unknown symbol returned a ticker")
	}
}

func TestDropForgetsSymbol(t *testing.T) {
	c := NewTickerCache()
	c.Put(common.Ticker{Symbol: "BTCUSDT", Price: 50000})
	c.Drop("BTCUSDT")
	if _, ok := c.LastPrice("BTCUSDT"); ok {
		t.Fatal("dropped symbol still cached")
	}
}

func TestLenCountsAcrossShards(t *testing.T) {
	c := NewTickerCache()
	for i := 0; i < 100; i++ {
		c.Put(common.Ticker{Symbol: fmt.Sprintf("SYM%dUSDT", i), Price: float64(i)})
	}
	if got := c.Len(); got != 100 {
		t.Fatalf("len = %d", got)
	}
}

func TestAgeAndPurgeStale(t *testing.T) {
	c := NewTickerCache()
	c.Put(common.Ticker{Symbol: "BTCUSDT", Price: 50000})

	age, ok := c.Age("BTCUSDT")
	if !ok || age < 0 || age > time.Minute {
		t.Fatalf("age = %v, %v", age, ok)
	}
	if _, ok := c.Age("ETHUSDT"); ok {
		t.Fatal("age reported for unknown symbol")
	}

	// A generous cutoff keeps the fresh entry; a zero cutoff removes it.
	if removed := c.PurgeStale(time.Hour); removed != 0 {
		t.Fatalf("purged fresh entry: %d", removed)
	}
	time.Sleep(2 * time.Millisecond)
	if removed := c.PurgeStale(time.Millisecond); removed != 1 {
		t.Fatalf("purge removed %d entries", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("len after purge = %d", c.Len())
	}
}
